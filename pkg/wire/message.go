// Package wire implements the DHT's on-the-wire message framing: a
// `{type, id, node_id, payload, timestamp}` map, serialized with msgpack
// via github.com/vmihailenco/msgpack/v5 — struct-tag driven, and it
// preserves []byte as msgpack's bin type so byte strings round-trip
// faithfully.
package wire

import (
	"crypto/rand"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vazonhub/rhizome/pkg/identity"
)

// Type is the one-byte message-type discriminant.
type Type byte

const (
	TypePing                   Type = 0x01
	TypePong                   Type = 0x02
	TypeFindNode               Type = 0x03
	TypeFindNodeResp           Type = 0x04
	TypeFindValue              Type = 0x05
	TypeFindValueResp          Type = 0x06
	TypeStore                  Type = 0x07
	TypeStoreResp              Type = 0x08
	TypePopularityExchange     Type = 0x09
	TypePopularityExchangeResp Type = 0x0A
	TypeGlobalRankingReq       Type = 0x0B
	TypeGlobalRankingResp      Type = 0x0C
)

func (t Type) String() string {
	switch t {
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeFindNode:
		return "FIND_NODE"
	case TypeFindNodeResp:
		return "FIND_NODE_RESP"
	case TypeFindValue:
		return "FIND_VALUE"
	case TypeFindValueResp:
		return "FIND_VALUE_RESP"
	case TypeStore:
		return "STORE"
	case TypeStoreResp:
		return "STORE_RESP"
	case TypePopularityExchange:
		return "POPULARITY_EXCHANGE"
	case TypePopularityExchangeResp:
		return "POPULARITY_EXCHANGE_RESP"
	case TypeGlobalRankingReq:
		return "GLOBAL_RANKING_REQ"
	case TypeGlobalRankingResp:
		return "GLOBAL_RANKING_RESP"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

// IsResponse reports whether t is a reply type (used to decide whether an
// unmatched id should be dropped silently vs dispatched as a new request).
func (t Type) IsResponse() bool {
	switch t {
	case TypePong, TypeFindNodeResp, TypeFindValueResp, TypeStoreResp,
		TypePopularityExchangeResp, TypeGlobalRankingResp:
		return true
	default:
		return false
	}
}

// RequestID is 16 random bytes unique within a process's outstanding
// request table. Requests and their responses share the same id.
type RequestID [16]byte

// NewRequestID draws 16 cryptographically random bytes.
func NewRequestID() (RequestID, error) {
	var id RequestID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generate request id: %w", err)
	}
	return id, nil
}

// Message is the decoded form of one datagram.
type Message struct {
	Type      Type
	ID        RequestID
	NodeID    identity.NodeID
	Payload   map[string]interface{}
	Timestamp int64
}

// onWire is the literal msgpack-serialized shape: a map with five keys.
type onWire struct {
	Type      byte                   `msgpack:"type"`
	ID        []byte                 `msgpack:"id"`
	NodeID    []byte                 `msgpack:"node_id"`
	Payload   map[string]interface{} `msgpack:"payload"`
	Timestamp int64                  `msgpack:"timestamp"`
}

// Encode serializes m into a msgpack-encoded datagram.
func Encode(m Message) ([]byte, error) {
	w := onWire{
		Type:      byte(m.Type),
		ID:        m.ID[:],
		NodeID:    m.NodeID[:],
		Payload:   m.Payload,
		Timestamp: m.Timestamp,
	}
	data, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode parses a datagram into a Message. Returns an error for anything
// that does not unpack into the expected shape; callers treat this as a
// malformed datagram and drop it after logging.
func Decode(data []byte) (Message, error) {
	var w onWire
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}

	if len(w.ID) != 16 {
		return Message{}, fmt.Errorf("decode message: id must be 16 bytes, got %d", len(w.ID))
	}
	if len(w.NodeID) != identity.IDLength {
		return Message{}, fmt.Errorf("decode message: node_id must be %d bytes, got %d", identity.IDLength, len(w.NodeID))
	}

	var m Message
	m.Type = Type(w.Type)
	copy(m.ID[:], w.ID)
	copy(m.NodeID[:], w.NodeID)
	m.Payload = w.Payload
	m.Timestamp = w.Timestamp
	return m, nil
}

// MaxDatagramSize bounds an encoded message so it is never fragmented at
// the application layer. protocol.Request refuses to send a request
// whose encoding exceeds it and returns rherrors.ErrOversizeDatagram to
// the local caller; no STORE_RESP is produced for it.
const MaxDatagramSize = 60000
