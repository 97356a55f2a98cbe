// Package dht implements the DHT engine: iterative node/value lookup,
// STORE-to-k-replicas, and the inbound handler side for
// PING/FIND_NODE/FIND_VALUE/STORE. It is the component everything
// else in this repo is built to serve — the routing table, wire
// protocol, and local store facade are its leaf dependencies.
package dht

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/vazonhub/rhizome/pkg/identity"
	"github.com/vazonhub/rhizome/pkg/logging"
	"github.com/vazonhub/rhizome/pkg/protocol"
	"github.com/vazonhub/rhizome/pkg/rherrors"
	"github.com/vazonhub/rhizome/pkg/routing"
	"github.com/vazonhub/rhizome/pkg/store"
	"github.com/vazonhub/rhizome/pkg/wire"
)

// MetricsRecorder is the subset of popularity.MetricsCollector the DHT
// engine needs, kept as a small interface here so pkg/dht does not
// import pkg/popularity (popularity depends on dht-adjacent concerns,
// not the other way around).
type MetricsRecorder interface {
	RecordFindValue(key []byte, requester *identity.NodeID)
	RecordStore(key []byte, replicationCount int)
}

// Config holds the DHT engine's tunables.
type Config struct {
	K              int
	Alpha          int
	PingTimeout    time.Duration
	RequestTimeout time.Duration
	DefaultTTL     time.Duration
}

// DefaultConfig returns the engine's default tunables.
func DefaultConfig() Config {
	return Config{
		K:              routing.K,
		Alpha:          3,
		PingTimeout:    protocol.DefaultPingTimeout,
		RequestTimeout: protocol.DefaultRequestTimeout,
		DefaultTTL:     24 * time.Hour,
	}
}

// Engine ties the routing table, local store, and wire protocol together
// into store()/find_value()/find_node().
type Engine struct {
	self    identity.NodeID
	cfg     Config
	table   *routing.Table
	local   store.Engine
	proto   *protocol.Protocol
	metrics MetricsRecorder
	logger  *logging.Logger
}

// New constructs an Engine. metrics may be nil if no popularity collector
// is wired (it still functions, just without the metrics side-effects).
func New(self identity.NodeID, cfg Config, table *routing.Table, local store.Engine, proto *protocol.Protocol, metrics MetricsRecorder, logger *logging.Logger) *Engine {
	return &Engine{self: self, cfg: cfg, table: table, local: local, proto: proto, metrics: metrics, logger: logger}
}

func peerAddr(p *routing.Peer) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(p.Address), Port: p.Port}
}

// touch records an inbound message's sender into the routing table,
// updating last_seen (or inserting a new peer). Self and zero-stub IDs
// are never added.
func (e *Engine) touch(nodeID identity.NodeID, from *net.UDPAddr) {
	if nodeID == e.self || nodeID.IsZero() {
		return
	}
	e.table.Add(&routing.Peer{ID: nodeID, Address: from.IP.String(), Port: from.Port, LastSeen: time.Now()})
}

// Dispatch is the protocol.RequestHandler for the four core DHT request
// types (PING, FIND_NODE, FIND_VALUE, STORE). The node supervisor
// composes this with the popularity exchanger's own dispatcher for the
// remaining message types.
func (e *Engine) Dispatch(msg wire.Message, from *net.UDPAddr) map[string]interface{} {
	e.touch(msg.NodeID, from)

	switch msg.Type {
	case wire.TypePing:
		return map[string]interface{}{"address": from.IP.String(), "port": from.Port}
	case wire.TypeFindNode:
		return e.handleFindNode(msg)
	case wire.TypeFindValue:
		return e.handleFindValue(msg)
	case wire.TypeStore:
		return e.handleStore(msg)
	default:
		return nil
	}
}

func (e *Engine) handleFindNode(msg wire.Message) map[string]interface{} {
	targetBytes, err := wire.GetBytes(msg.Payload, "target_id")
	if err != nil {
		return wire.FindNodeRespPayload(nil)
	}
	target := identity.TargetID(targetBytes)
	closest := e.table.FindClosest(target, e.cfg.K)
	return wire.FindNodeRespPayload(toDescriptors(closest))
}

func (e *Engine) handleFindValue(msg wire.Message) map[string]interface{} {
	key, err := wire.GetBytes(msg.Payload, "key")
	if err != nil {
		return wire.FindValueRespPayload(false, nil, nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()

	if value, found, _ := e.local.Get(ctx, key); found {
		return wire.FindValueRespPayload(true, value, nil)
	}

	target := keyTarget(key)
	closest := e.table.FindClosest(target, e.cfg.K)
	return wire.FindValueRespPayload(false, nil, toDescriptors(closest))
}

func (e *Engine) handleStore(msg wire.Message) map[string]interface{} {
	key, err := wire.GetBytes(msg.Payload, "key")
	if err != nil {
		return wire.StoreRespPayload(false, "missing key")
	}
	value, err := wire.GetBytes(msg.Payload, "value")
	if err != nil {
		return wire.StoreRespPayload(false, "missing value")
	}
	ttlSeconds, err := wire.GetInt64(msg.Payload, "ttl")
	if err != nil {
		ttlSeconds = int64(e.cfg.DefaultTTL.Seconds())
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()

	if err := e.local.Put(ctx, key, value, time.Duration(ttlSeconds)*time.Second); err != nil {
		if e.logger != nil {
			e.logger.Warn("store failed", logging.Fields{"error": err.Error()})
		}
		return wire.StoreRespPayload(false, err.Error())
	}

	if e.metrics != nil {
		e.metrics.RecordStore(key, 1)
	}
	return wire.StoreRespPayload(true, "")
}

// keyTarget derives the 160-bit lookup target a DHT key routes to: the
// key's first 20 bytes, zero-padded when the key is shorter. The key is
// not hashed here; callers derive keys with identity.HashKey (or an
// equivalent hash) so that those first 20 bytes are uniformly distributed.
func keyTarget(key []byte) identity.NodeID {
	return identity.TargetID(key)
}

func toDescriptors(peers []*routing.Peer) []wire.NodeDescriptor {
	out := make([]wire.NodeDescriptor, len(peers))
	for i, p := range peers {
		id := p.ID
		out[i] = wire.NodeDescriptor{ID: id[:], Address: p.Address, Port: p.Port}
	}
	return out
}

// Store puts the value locally, credits self as k replicas in the
// metrics, then fans out STORE to the k nearest peers.
func (e *Engine) Store(ctx context.Context, key, value []byte, ttl time.Duration) (bool, error) {
	localErr := e.local.Put(ctx, key, value, ttl)
	localOK := localErr == nil
	if localErr != nil && e.logger != nil {
		e.logger.Warn("local store.put failed", logging.Fields{"error": localErr.Error()})
	}
	if e.metrics != nil {
		e.metrics.RecordStore(key, e.cfg.K)
	}

	target := keyTarget(key)
	peers := e.iterativeFindNode(ctx, target)
	if len(peers) == 0 {
		peers = e.table.FindClosest(target, e.cfg.K)
	}
	sortByDistance(peers, target)
	if len(peers) > e.cfg.K {
		peers = peers[:e.cfg.K]
	}

	remoteOK := false
	var wg sync.WaitGroup
	var mu sync.Mutex
	ttlSeconds := int64(ttl.Seconds())

	for _, p := range peers {
		wg.Add(1)
		go func(p *routing.Peer) {
			defer wg.Done()
			resp, err := e.proto.Request(ctx, peerAddr(p), wire.TypeStore, wire.StorePayload(key, value, ttlSeconds), e.cfg.RequestTimeout)
			if err != nil {
				e.noteFailure(p)
				return
			}
			if wire.GetBool(resp.Payload, "success") {
				mu.Lock()
				remoteOK = true
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	return localOK || remoteOK, nil
}

func (e *Engine) noteFailure(p *routing.Peer) {
	p.FailedPings++
}

// FindValue tries the local store first, then falls back to an
// iterative lookup bounded by alpha concurrency against
// target_id = key[:20].
func (e *Engine) FindValue(ctx context.Context, key []byte) ([]byte, error) {
	if value, found, err := e.local.Get(ctx, key); err == nil && found {
		if e.metrics != nil {
			e.metrics.RecordFindValue(key, nil)
		}
		return value, nil
	}

	target := keyTarget(key)
	value, found := e.iterativeFindValue(ctx, key, target)
	if !found {
		return nil, rherrors.ErrValueNotFound
	}
	if e.metrics != nil {
		e.metrics.RecordFindValue(key, nil)
	}
	return value, nil
}

// FindNode runs the same iterative skeleton as FindValue, but
// FIND_NODE only, returning the closest peers from the converged set.
func (e *Engine) FindNode(ctx context.Context, target identity.NodeID) ([]*routing.Peer, error) {
	seen := e.iterativeFindNode(ctx, target)
	if len(seen) == 0 {
		return nil, rherrors.ErrNodeNotFound
	}
	sortByDistance(seen, target)
	if len(seen) > e.cfg.Alpha {
		seen = seen[:e.cfg.Alpha]
	}
	return seen, nil
}

type seenSet struct {
	mu   sync.Mutex
	byID map[identity.NodeID]*routing.Peer
}

func newSeenSet(initial []*routing.Peer) *seenSet {
	s := &seenSet{byID: make(map[identity.NodeID]*routing.Peer, len(initial))}
	for _, p := range initial {
		s.byID[p.ID] = p
	}
	return s
}

func (s *seenSet) add(p *routing.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[p.ID]; !ok {
		s.byID[p.ID] = p
	}
}

func (s *seenSet) all() []*routing.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*routing.Peer, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	return out
}

func (s *seenSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func sortByDistance(peers []*routing.Peer, target identity.NodeID) {
	sort.Slice(peers, func(i, j int) bool {
		di := identity.Distance(peers[i].ID, target)
		dj := identity.Distance(peers[j].ID, target)
		return identity.Less(di, dj)
	})
}

func closestUnqueried(seen *seenSet, queried map[identity.NodeID]bool, target identity.NodeID, n int) []*routing.Peer {
	all := seen.all()
	sortByDistance(all, target)
	out := make([]*routing.Peer, 0, n)
	for _, p := range all {
		if queried[p.ID] {
			continue
		}
		out = append(out, p)
		if len(out) == n {
			break
		}
	}
	return out
}

func descriptorsToPeers(nodes []wire.NodeDescriptor, self identity.NodeID) []*routing.Peer {
	out := make([]*routing.Peer, 0, len(nodes))
	for _, nd := range nodes {
		if len(nd.ID) != identity.IDLength {
			continue
		}
		var id identity.NodeID
		copy(id[:], nd.ID)
		if id == self {
			continue
		}
		out = append(out, &routing.Peer{ID: id, Address: nd.Address, Port: nd.Port, LastSeen: time.Now()})
	}
	return out
}

// iterativeFindNode drives the shared lookup loop, issuing FIND_NODE to
// each queried candidate and folding returned nodes into the seen set,
// until queried ⊇ seen.
func (e *Engine) iterativeFindNode(ctx context.Context, target identity.NodeID) []*routing.Peer {
	seen := newSeenSet(e.table.FindClosest(target, e.cfg.Alpha))
	queried := make(map[identity.NodeID]bool)
	mu := sync.Mutex{}

	for {
		candidates := closestUnqueried(seen, queried, target, e.cfg.Alpha)
		if len(candidates) == 0 {
			break
		}

		var wg sync.WaitGroup
		for _, p := range candidates {
			mu.Lock()
			queried[p.ID] = true
			mu.Unlock()

			wg.Add(1)
			go func(p *routing.Peer) {
				defer wg.Done()
				resp, err := e.proto.Request(ctx, peerAddr(p), wire.TypeFindNode, wire.FindNodePayload(target[:]), e.cfg.RequestTimeout)
				if err != nil {
					e.noteFailure(p)
					return
				}
				nodes, err := wire.GetNodes(resp.Payload, "nodes")
				if err != nil {
					return
				}
				for _, np := range descriptorsToPeers(nodes, e.self) {
					seen.add(np)
				}
			}(p)
		}
		wg.Wait()

		mu.Lock()
		done := len(queried) >= seen.size()
		mu.Unlock()
		if done {
			break
		}
	}

	return seen.all()
}

// iterativeFindValue drives the lookup loop for find_value: each round
// queries FIND_VALUE against the closest unqueried candidates; a hit
// short-circuits immediately, a miss contributes its returned nodes to
// seen and additionally issues FIND_NODE against the same candidate to
// expand the frontier further.
func (e *Engine) iterativeFindValue(ctx context.Context, key []byte, target identity.NodeID) ([]byte, bool) {
	seen := newSeenSet(e.table.FindClosest(target, e.cfg.Alpha))
	queried := make(map[identity.NodeID]bool)
	mu := sync.Mutex{}

	var foundValue []byte
	found := false

	for !found {
		candidates := closestUnqueried(seen, queried, target, e.cfg.Alpha)
		if len(candidates) == 0 {
			break
		}

		var wg sync.WaitGroup
		for _, p := range candidates {
			mu.Lock()
			queried[p.ID] = true
			mu.Unlock()

			wg.Add(1)
			go func(p *routing.Peer) {
				defer wg.Done()
				resp, err := e.proto.Request(ctx, peerAddr(p), wire.TypeFindValue, wire.FindValuePayload(key), e.cfg.RequestTimeout)
				if err != nil {
					e.noteFailure(p)
					return
				}
				if wire.GetBool(resp.Payload, "found") {
					value, err := wire.GetBytes(resp.Payload, "value")
					if err == nil {
						mu.Lock()
						if !found {
							foundValue = value
							found = true
						}
						mu.Unlock()
					}
					return
				}

				nodes, _ := wire.GetNodes(resp.Payload, "nodes")
				for _, np := range descriptorsToPeers(nodes, e.self) {
					seen.add(np)
				}

				fnResp, err := e.proto.Request(ctx, peerAddr(p), wire.TypeFindNode, wire.FindNodePayload(target[:]), e.cfg.RequestTimeout)
				if err != nil {
					return
				}
				fnNodes, err := wire.GetNodes(fnResp.Payload, "nodes")
				if err != nil {
					return
				}
				for _, np := range descriptorsToPeers(fnNodes, e.self) {
					seen.add(np)
				}
			}(p)
		}
		wg.Wait()

		if found {
			break
		}

		mu.Lock()
		done := len(queried) >= seen.size()
		mu.Unlock()
		if done {
			break
		}
	}

	return foundValue, found
}

// Ping sends a PING to addr, touching the routing table on success with
// the node_id learned from the PONG. Used by bootstrap.
func (e *Engine) Ping(ctx context.Context, addr *net.UDPAddr) (identity.NodeID, error) {
	resp, err := e.proto.Request(ctx, addr, wire.TypePing, nil, e.cfg.PingTimeout)
	if err != nil {
		return identity.NodeID{}, err
	}
	e.touch(resp.NodeID, addr)
	return resp.NodeID, nil
}

// Table exposes the underlying routing table for the node supervisor's
// bootstrap and maintenance loops.
func (e *Engine) Table() *routing.Table { return e.table }

// LocalStore exposes the underlying local store for the replicator.
func (e *Engine) LocalStore() store.Engine { return e.local }

// LocalGet reads a key directly from the local store facade, without
// consulting the network. Used by the replicator to fetch the value it
// is about to re-STORE.
func (e *Engine) LocalGet(ctx context.Context, key []byte) ([]byte, bool, error) {
	return e.local.Get(ctx, key)
}
