// Package protocol implements the wire protocol proper: request
// construction, reply correlation via the outstanding-request table,
// timeouts, and inbound rate limiting. It sits directly on pkg/transport
// and pkg/wire, and is what pkg/dht, pkg/popularity, and pkg/node all
// drive their RPCs through.
package protocol

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vazonhub/rhizome/pkg/identity"
	"github.com/vazonhub/rhizome/pkg/logging"
	"github.com/vazonhub/rhizome/pkg/rherrors"
	"github.com/vazonhub/rhizome/pkg/transport"
	"github.com/vazonhub/rhizome/pkg/wire"
)

// Default timeouts and rate-limit caps.
const (
	DefaultPingTimeout    = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second

	DefaultRateLimitWindow       = 60 * time.Second
	DefaultGlobalRateLimit       = 100
	DefaultPerSenderRateLimit    = 20
)

// RequestHandler answers an inbound request frame (anything that is not
// itself a response type) and returns the response payload to send back
// under the same request id.
type RequestHandler func(msg wire.Message, from *net.UDPAddr) map[string]interface{}

type pendingSlot struct {
	resultCh chan slotResult
}

type slotResult struct {
	msg wire.Message
	err error
}

// Protocol correlates outstanding requests to replies over a UDPTransport
// and applies inbound rate limiting before dispatching to a handler.
type Protocol struct {
	self      identity.NodeID
	transport *transport.UDPTransport
	logger    *logging.Logger
	limiter   *RateLimiter
	handler   RequestHandler

	mu      sync.Mutex
	pending map[wire.RequestID]*pendingSlot
	closed  bool
}

// New wires a Protocol on top of an already-listening transport. handler
// is invoked for inbound request frames (PING, FIND_NODE, FIND_VALUE,
// STORE, POPULARITY_EXCHANGE, GLOBAL_RANKING_REQ); responses are routed
// to the matching outstanding request instead.
func New(self identity.NodeID, t *transport.UDPTransport, limiter *RateLimiter, handler RequestHandler, logger *logging.Logger) *Protocol {
	p := &Protocol{
		self:      self,
		transport: t,
		logger:    logger,
		limiter:   limiter,
		handler:   handler,
		pending:   make(map[wire.RequestID]*pendingSlot),
	}
	t.Start(p.onDatagram)
	return p
}

func (p *Protocol) onDatagram(data []byte, from *net.UDPAddr) {
	msg, err := wire.Decode(data)
	if err != nil {
		if p.logger != nil {
			p.logger.Debug("dropping malformed datagram", logging.Fields{"error": err.Error(), "from": from.String()})
		}
		return
	}

	if p.limiter != nil && !p.limiter.Allow(msg.NodeID) {
		if p.logger != nil {
			p.logger.Debug("dropping rate-limited datagram", logging.Fields{"sender": msg.NodeID.String()})
		}
		return
	}

	if msg.Type.IsResponse() {
		p.fulfil(msg)
		return
	}

	if p.handler == nil {
		return
	}
	respPayload := p.handler(msg, from)
	if respPayload == nil {
		return
	}

	respType, ok := responseTypeFor(msg.Type)
	if !ok {
		return
	}
	resp := wire.Message{
		Type:      respType,
		ID:        msg.ID,
		NodeID:    p.self,
		Payload:   respPayload,
		Timestamp: time.Now().Unix(),
	}
	encoded, err := wire.Encode(resp)
	if err != nil {
		if p.logger != nil {
			p.logger.Error("failed to encode response", logging.Fields{"error": err.Error()})
		}
		return
	}
	if err := p.transport.Send(encoded, from); err != nil && p.logger != nil {
		p.logger.Debug("failed to send response", logging.Fields{"error": err.Error()})
	}
}

func responseTypeFor(reqType wire.Type) (wire.Type, bool) {
	switch reqType {
	case wire.TypePing:
		return wire.TypePong, true
	case wire.TypeFindNode:
		return wire.TypeFindNodeResp, true
	case wire.TypeFindValue:
		return wire.TypeFindValueResp, true
	case wire.TypeStore:
		return wire.TypeStoreResp, true
	case wire.TypePopularityExchange:
		return wire.TypePopularityExchangeResp, true
	case wire.TypeGlobalRankingReq:
		return wire.TypeGlobalRankingResp, true
	default:
		return 0, false
	}
}

func (p *Protocol) fulfil(msg wire.Message) {
	p.mu.Lock()
	slot, ok := p.pending[msg.ID]
	if ok {
		delete(p.pending, msg.ID)
	}
	p.mu.Unlock()

	if !ok {
		// Unknown id carrying a response type: dropped silently per spec.
		return
	}
	slot.resultCh <- slotResult{msg: msg}
}

// Request sends reqType/payload to addr and blocks until a matching reply
// arrives, the timeout elapses, ctx is cancelled, or the node is shutting
// down. Timeouts and shutdown are reported as sentinel errors; network
// failures from Send are reported directly.
func (p *Protocol) Request(ctx context.Context, addr *net.UDPAddr, reqType wire.Type, payload map[string]interface{}, timeout time.Duration) (wire.Message, error) {
	id, err := wire.NewRequestID()
	if err != nil {
		return wire.Message{}, err
	}

	slot := &pendingSlot{resultCh: make(chan slotResult, 1)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return wire.Message{}, rherrors.ErrShuttingDown
	}
	p.pending[id] = slot
	p.mu.Unlock()

	msg := wire.Message{
		Type:      reqType,
		ID:        id,
		NodeID:    p.self,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	}
	encoded, err := wire.Encode(msg)
	if err != nil {
		p.drop(id)
		return wire.Message{}, fmt.Errorf("encode request: %w", err)
	}
	if len(encoded) > wire.MaxDatagramSize {
		p.drop(id)
		return wire.Message{}, rherrors.ErrOversizeDatagram
	}

	if err := p.transport.Send(encoded, addr); err != nil {
		p.drop(id)
		return wire.Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-slot.resultCh:
		return res.msg, res.err
	case <-timer.C:
		p.drop(id)
		return wire.Message{}, rherrors.ErrTimeout
	case <-ctx.Done():
		p.drop(id)
		return wire.Message{}, ctx.Err()
	}
}

func (p *Protocol) drop(id wire.RequestID) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// Stop drains the outstanding request table, failing every awaiter with
// ErrShuttingDown, then stops the underlying transport.
func (p *Protocol) Stop() error {
	p.mu.Lock()
	p.closed = true
	pending := p.pending
	p.pending = make(map[wire.RequestID]*pendingSlot)
	p.mu.Unlock()

	for _, slot := range pending {
		slot.resultCh <- slotResult{err: rherrors.ErrShuttingDown}
	}

	return p.transport.Stop()
}

// CleanupRateLimiter prunes senders whose rate-limit window has gone
// idle, keeping the limiter's per-sender map bounded to currently-active
// senders rather than every node_id ever seen. A no-op if no limiter is
// configured.
func (p *Protocol) CleanupRateLimiter() int {
	if p.limiter == nil {
		return 0
	}
	return p.limiter.CleanupIdle()
}

// Stats reports transport and rate-limiter counters.
func (p *Protocol) Stats() map[string]interface{} {
	stats := p.transport.Stats()
	if p.limiter != nil {
		for k, v := range p.limiter.Stats() {
			stats[k] = v
		}
	}
	p.mu.Lock()
	stats["outstanding_requests"] = len(p.pending)
	p.mu.Unlock()
	return stats
}
