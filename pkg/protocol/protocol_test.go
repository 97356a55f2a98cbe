package protocol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/vazonhub/rhizome/pkg/identity"
	"github.com/vazonhub/rhizome/pkg/transport"
	"github.com/vazonhub/rhizome/pkg/wire"
)

func mustListen(t *testing.T) *transport.UDPTransport {
	t.Helper()
	tr, err := transport.Listen("127.0.0.1", 0, nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return tr
}

func TestPingPongRoundTrip(t *testing.T) {
	var selfA, selfB identity.NodeID
	selfA[0] = 0xAA
	selfB[0] = 0xBB

	trA := mustListen(t)
	trB := mustListen(t)

	pB := New(selfB, trB, NewRateLimiter(time.Minute, 1000, 1000), func(msg wire.Message, from *net.UDPAddr) map[string]interface{} {
		if msg.Type != wire.TypePing {
			return nil
		}
		return map[string]interface{}{}
	}, nil)
	defer pB.Stop()

	pA := New(selfA, trA, NewRateLimiter(time.Minute, 1000, 1000), nil, nil)
	defer pA.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := pA.Request(ctx, trB.LocalAddr(), wire.TypePing, nil, time.Second)
	if err != nil {
		t.Fatalf("ping request: %v", err)
	}
	if resp.Type != wire.TypePong {
		t.Fatalf("expected PONG, got %v", resp.Type)
	}
	if resp.NodeID != selfB {
		t.Fatalf("expected response node_id to be B's id")
	}
}

func TestRequestTimesOutWhenNoReply(t *testing.T) {
	var self identity.NodeID
	tr := mustListen(t)
	p := New(self, tr, NewRateLimiter(time.Minute, 1000, 1000), nil, nil)
	defer p.Stop()

	// A UDP address nobody listens on; the datagram is silently dropped
	// by the OS, so no reply ever arrives.
	deadTr := mustListen(t)
	deadAddr := deadTr.LocalAddr()
	deadTr.Stop()

	ctx := context.Background()
	_, err := p.Request(ctx, deadAddr, wire.TypePing, nil, 50*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestStopFailsOutstandingAwaiters(t *testing.T) {
	var self identity.NodeID
	tr := mustListen(t)
	p := New(self, tr, NewRateLimiter(time.Minute, 1000, 1000), nil, nil)

	deadTr := mustListen(t)
	deadAddr := deadTr.LocalAddr()
	deadTr.Stop()

	done := make(chan error, 1)
	go func() {
		_, err := p.Request(context.Background(), deadAddr, wire.TypePing, nil, 5*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	p.Stop()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected shutting-down error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Request did not return after Stop")
	}
}
