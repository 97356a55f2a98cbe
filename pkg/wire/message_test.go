package wire

import (
	"bytes"
	"testing"

	"github.com/vazonhub/rhizome/pkg/identity"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	id, err := NewRequestID()
	if err != nil {
		t.Fatalf("NewRequestID: %v", err)
	}
	var nodeID identity.NodeID
	nodeID[0] = 0xAB

	msg := Message{
		Type:      TypeFindValue,
		ID:        id,
		NodeID:    nodeID,
		Payload:   FindValuePayload([]byte("some-key-bytes-that-are-raw")),
		Timestamp: 1234567890,
	}

	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if decoded.Type != TypeFindValue {
		t.Fatalf("expected type FIND_VALUE, got %v", decoded.Type)
	}
	if decoded.ID != id {
		t.Fatalf("id mismatch: %x vs %x", decoded.ID, id)
	}
	if decoded.NodeID != nodeID {
		t.Fatalf("node_id mismatch: %x vs %x", decoded.NodeID, nodeID)
	}
	key, err := GetBytes(decoded.Payload, "key")
	if err != nil {
		t.Fatalf("GetBytes: %v", err)
	}
	if !bytes.Equal(key, []byte("some-key-bytes-that-are-raw")) {
		t.Fatalf("key mismatch: %q", key)
	}
	if decoded.Timestamp != 1234567890 {
		t.Fatalf("timestamp mismatch: %d", decoded.Timestamp)
	}
}

func TestFindNodeRespNodesRoundTrip(t *testing.T) {
	id, _ := NewRequestID()
	var nodeID identity.NodeID

	nodes := []NodeDescriptor{
		{ID: bytes.Repeat([]byte{0x01}, identity.IDLength), Address: "127.0.0.1", Port: 8468},
		{ID: bytes.Repeat([]byte{0x02}, identity.IDLength), Address: "10.0.0.5", Port: 9000},
	}

	msg := Message{
		Type:    TypeFindNodeResp,
		ID:      id,
		NodeID:  nodeID,
		Payload: FindNodeRespPayload(nodes),
	}

	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	got, err := GetNodes(decoded.Payload, "nodes")
	if err != nil {
		t.Fatalf("GetNodes: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(got))
	}
	if got[0].Address != "127.0.0.1" || got[0].Port != 8468 {
		t.Fatalf("unexpected first node: %+v", got[0])
	}
	if !bytes.Equal(got[1].ID, nodes[1].ID) {
		t.Fatalf("node id mismatch")
	}
}

func TestDecodeMalformedDropsWithError(t *testing.T) {
	if _, err := Decode([]byte{0xff, 0x00, 0x01}); err == nil {
		t.Fatalf("expected decode error for malformed datagram")
	}
}

func TestUnknownTypeIsNotAResponse(t *testing.T) {
	if Type(0xEE).IsResponse() {
		t.Fatalf("unknown type should not be classified as a response")
	}
	if !TypePong.IsResponse() {
		t.Fatalf("PONG should be classified as a response")
	}
}
