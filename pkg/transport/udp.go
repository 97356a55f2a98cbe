// Package transport is the UDP datagram transport the wire protocol rides
// on: a sequence of length-prefixed datagrams over UDP. Length-prefixing
// is UDP's own datagram framing — one recvfrom() call is one message, no
// stream reassembly needed.
//
// A goroutine-based receive loop reads into a fixed buffer and dispatches
// each datagram to a handler. Frames are bare msgpack per pkg/wire; there
// is no per-frame encryption here.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/vazonhub/rhizome/pkg/logging"
)

// Handler processes one inbound datagram. from is the UDP source address
// as seen by the kernel (not the node_id embedded in the payload, which
// is untrusted and validated by callers).
type Handler func(data []byte, from *net.UDPAddr)

// UDPTransport owns the node's single UDP socket.
type UDPTransport struct {
	conn    *net.UDPConn
	logger  *logging.Logger
	handler Handler

	received uint64
	sent     uint64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Listen opens a UDP socket on host:port. An empty host binds all
// interfaces; port 0 selects an ephemeral port (used heavily by tests).
func Listen(host string, port int, logger *logging.Logger) (*UDPTransport, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	if addr.IP == nil {
		addr.IP = net.IPv4zero
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s:%d: %w", host, port, err)
	}

	return &UDPTransport{conn: conn, logger: logger}, nil
}

// LocalAddr returns the bound local address, including the OS-assigned
// port when the transport was opened with port 0.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Start launches the receive loop, invoking handler for every datagram
// until Stop is called or the socket errors out.
func (t *UDPTransport) Start(handler Handler) {
	t.handler = handler
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.wg.Add(1)
	go t.receiveLoop(ctx)
}

func (t *UDPTransport) receiveLoop(ctx context.Context) {
	defer t.wg.Done()

	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if t.logger != nil {
				t.logger.Debug("udp read error", logging.Fields{"error": err.Error()})
			}
			continue
		}

		atomic.AddUint64(&t.received, 1)

		data := make([]byte, n)
		copy(data, buf[:n])
		if t.handler != nil {
			go t.handler(data, addr)
		}
	}
}

// Send writes a single datagram to addr. UDP delivers it as one frame;
// no length prefix is needed on the wire beyond the datagram boundary
// itself.
func (t *UDPTransport) Send(data []byte, addr *net.UDPAddr) error {
	if _, err := t.conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("send udp to %s: %w", addr, err)
	}
	atomic.AddUint64(&t.sent, 1)
	return nil
}

// Stats reports send/receive counters for introspection.
func (t *UDPTransport) Stats() map[string]interface{} {
	return map[string]interface{}{
		"datagrams_sent":     atomic.LoadUint64(&t.sent),
		"datagrams_received": atomic.LoadUint64(&t.received),
	}
}

// Stop halts the receive loop and closes the socket.
func (t *UDPTransport) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	err := t.conn.Close()
	t.wg.Wait()
	return err
}
