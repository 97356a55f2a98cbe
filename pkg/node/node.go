// Package node is the supervisor that wires the store facade, routing
// table, transport, wire protocol, DHT engine, and popularity subsystem
// together into one running node, and drives its three background
// loops. Construction follows a strict dependency order to break the
// node/protocol/exchanger cyclic back-reference: build each leaf first,
// then hand the already-built siblings to the next layer, finally
// patching the wire protocol's dispatcher with a single post-construction
// hook once the DHT engine and exchanger exist.
package node

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/vazonhub/rhizome/pkg/config"
	"github.com/vazonhub/rhizome/pkg/dht"
	"github.com/vazonhub/rhizome/pkg/identity"
	"github.com/vazonhub/rhizome/pkg/logging"
	"github.com/vazonhub/rhizome/pkg/persistence"
	"github.com/vazonhub/rhizome/pkg/popularity"
	"github.com/vazonhub/rhizome/pkg/protocol"
	"github.com/vazonhub/rhizome/pkg/replication"
	"github.com/vazonhub/rhizome/pkg/routing"
	"github.com/vazonhub/rhizome/pkg/store"
	"github.com/vazonhub/rhizome/pkg/transport"
	"github.com/vazonhub/rhizome/pkg/wire"
)

// dispatcher forwards inbound requests to the DHT engine or the
// popularity exchanger depending on message type. It exists so
// protocol.New can be called before either of those is built; Node
// fills in both references immediately after constructing them.
type dispatcher struct {
	mu     sync.RWMutex
	engine *dht.Engine
	exch   *popularity.Exchanger
}

func (d *dispatcher) set(engine *dht.Engine, exch *popularity.Exchanger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.engine = engine
	d.exch = exch
}

func (d *dispatcher) handle(msg wire.Message, from *net.UDPAddr) map[string]interface{} {
	d.mu.RLock()
	engine, exch := d.engine, d.exch
	d.mu.RUnlock()

	switch msg.Type {
	case wire.TypePing, wire.TypeFindNode, wire.TypeFindValue, wire.TypeStore:
		if engine == nil {
			return nil
		}
		return engine.Dispatch(msg, from)
	case wire.TypePopularityExchange, wire.TypeGlobalRankingReq:
		if exch == nil {
			return nil
		}
		return exch.Dispatch(msg, from)
	default:
		return nil
	}
}

// Node is one running instance of the overlay member: identity, store,
// routing table, transport/wire protocol, DHT engine, and the popularity
// subsystem (metrics, ranker, exchanger, replicator), plus the
// background loops that drive maintenance, popularity scoring/exchange,
// and (for seed nodes) global ranking aggregation.
type Node struct {
	cfg     *config.Config
	keypair *identity.Keypair
	logger  *logging.Logger

	table      *routing.Table
	localStore store.Engine
	transport  *transport.UDPTransport
	proto      *protocol.Protocol
	engine     *dht.Engine
	peerStore  *persistence.PeerStore

	metrics    *popularity.Collector
	ranker     *popularity.Ranker
	exchanger  *popularity.Exchanger
	replicator *replication.Replicator

	lastPopularityUpdate time.Time
	lastExchange         time.Time
	lastGlobalUpdate     time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Node in dependency order: identity, routing table,
// peer store (when configured), store facade, transport, wire protocol,
// metrics, DHT engine, ranker, exchanger, replicator, supervisor.
func New(cfg *config.Config, logger *logging.Logger) (*Node, error) {
	keyPath := filepath.Join(cfg.Storage.DataDir, cfg.Node.NodeIDFile)
	kp, err := identity.LoadOrGenerate(keyPath)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	table := routing.New(kp.ID, routing.DefaultStalenessThreshold, logger)

	var peerStore *persistence.PeerStore
	if cfg.Persistence.Host != "" {
		peerStore, err = persistence.NewPeerStore(persistence.PostgresConfig{
			Host:     cfg.Persistence.Host,
			Port:     cfg.Persistence.Port,
			User:     cfg.Persistence.User,
			Password: cfg.Persistence.Password,
			DBName:   cfg.Persistence.DBName,
			SSLMode:  cfg.Persistence.SSLMode,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init peer store: %w", err)
		}
	}

	localStore, err := newLocalStore(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("init local store: %w", err)
	}

	tr, err := transport.Listen(cfg.Network.ListenHost, cfg.Network.ListenPort, logger)
	if err != nil {
		return nil, fmt.Errorf("listen on udp: %w", err)
	}

	limiter := protocol.NewRateLimiter(cfg.Security.RateLimitWindow, cfg.Security.RateLimitRequests, protocol.DefaultPerSenderRateLimit)
	disp := &dispatcher{}
	proto := protocol.New(kp.ID, tr, limiter, disp.handle, logger)

	dhtCfg := dht.Config{
		K:              cfg.DHT.K,
		Alpha:          cfg.DHT.Alpha,
		PingTimeout:    cfg.DHT.PingTimeout,
		RequestTimeout: cfg.DHT.RequestTimeout,
		DefaultTTL:     cfg.Storage.DefaultTTL,
	}

	metrics := popularity.NewCollector(logger)
	engine := dht.New(kp.ID, dhtCfg, table, localStore, proto, metrics, logger)

	ranker := popularity.NewRanker(cfg.Popularity.PopularityThreshold, cfg.Popularity.ActiveThreshold)
	exchanger := popularity.NewExchanger(kp.ID, proto, ranker, metrics, cfg.DHT.RequestTimeout, logger)
	replicator := replication.New(engine, replication.DefaultMinReplicationFactor, replication.DefaultPopularReplicationFactor, logger)

	disp.set(engine, exchanger)

	n := &Node{
		cfg:        cfg,
		keypair:    kp,
		logger:     logger,
		table:      table,
		localStore: localStore,
		transport:  tr,
		proto:      proto,
		engine:     engine,
		peerStore:  peerStore,
		metrics:    metrics,
		ranker:     ranker,
		exchanger:  exchanger,
		replicator: replicator,
		stopCh:     make(chan struct{}),
	}
	return n, nil
}

func newLocalStore(cfg config.StorageConfig, logger *logging.Logger) (store.Engine, error) {
	if cfg.RedisHost == "" {
		return store.NewMemEngine(cfg.MaxStorageSize), nil
	}
	return store.NewRedisEngine(store.RedisConfig{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		MaxBytes: cfg.MaxStorageSize,
	})
}

// ID returns the node's own identifier.
func (n *Node) ID() identity.NodeID { return n.keypair.ID }

// Bootstrap first reloads any previously persisted peers into the
// routing table (if a peer store is configured), then PINGs every
// configured bootstrap endpoint (learning its true node_id from the
// PONG), then runs find_node(self) to populate the routing table's
// buckets. A failed bootstrap endpoint is logged but not fatal.
func (n *Node) Bootstrap(ctx context.Context) {
	if n.peerStore != nil {
		if _, err := n.peerStore.DeleteStalePeers(n.cfg.Persistence.StalePeerThreshold); err != nil {
			n.logger.Warn("deleting stale persisted peers failed", logging.Fields{"error": err.Error()})
		}
		if _, err := n.peerStore.LoadPeersIntoTable(n.table); err != nil {
			n.logger.Warn("loading persisted peers failed", logging.Fields{"error": err.Error()})
		}
	}

	for _, endpoint := range n.cfg.Network.BootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", endpoint)
		if err != nil {
			n.logger.Warn("invalid bootstrap endpoint", logging.Fields{"endpoint": endpoint, "error": err.Error()})
			continue
		}
		if _, err := n.engine.Ping(ctx, addr); err != nil {
			n.logger.Warn("bootstrap ping failed", logging.Fields{"endpoint": endpoint, "error": err.Error()})
			continue
		}
	}

	if _, err := n.engine.FindNode(ctx, n.keypair.ID); err != nil {
		n.logger.Debug("bootstrap find_node(self) found no peers yet", logging.Fields{"error": err.Error()})
	}
}

// Start launches the three background loops and returns immediately.
func (n *Node) Start(ctx context.Context) {
	n.wg.Add(1)
	go n.maintenanceLoop(ctx)

	n.wg.Add(1)
	go n.popularityLoop(ctx)

	if n.cfg.Node.NodeType == config.NodeTypeSeed {
		n.wg.Add(1)
		go n.seedLoop(ctx)
	}
}

func (n *Node) maintenanceLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.runMaintenance(ctx)
		}
	}
}

func (n *Node) runMaintenance(ctx context.Context) {
	for _, idx := range n.table.BucketsNeedingRefresh(n.cfg.DHT.RefreshInterval) {
		target := routing.RandomIDInBucket(n.keypair.ID, idx, randomByte)
		if _, err := n.engine.FindNode(ctx, target); err != nil {
			n.logger.Debug("bucket refresh find_node failed", logging.Fields{"bucket": idx, "error": err.Error()})
		}
	}

	if n.table.CleanupStale() > 0 {
		n.logger.Debug("evicted stale peers", logging.Fields{})
	}

	if removed, err := n.localStore.CleanupExpired(ctx); err == nil && removed > 0 {
		n.logger.Info("cleaned up expired entries", logging.Fields{"count": removed})
	}

	if pruned := n.proto.CleanupRateLimiter(); pruned > 0 {
		n.logger.Debug("pruned idle rate-limit senders", logging.Fields{"count": pruned})
	}
}

func randomByte() byte {
	var b [1]byte
	_, _ = rand.Read(b[:])
	return b[0]
}

func (n *Node) popularityLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.runPopularityTick(ctx)
		}
	}
}

func (n *Node) runPopularityTick(ctx context.Context) {
	n.metrics.UpdateAllFreshness()
	n.metrics.CleanupOldMetrics()

	now := time.Now()
	if now.Sub(n.lastPopularityUpdate) >= n.cfg.Popularity.UpdateInterval {
		n.lastPopularityUpdate = now
		n.runScoreUpdate(ctx)
	}
	if now.Sub(n.lastExchange) >= n.cfg.Popularity.ExchangeInterval {
		n.lastExchange = now
		neighbors := n.table.FindClosest(n.keypair.ID, n.cfg.DHT.K)
		n.exchanger.ExchangeTopItems(ctx, neighbors, 100)
	}
}

func (n *Node) runScoreUpdate(ctx context.Context) {
	all := n.metrics.All()
	popular := n.ranker.GetPopularItems(all, 0)
	active := n.ranker.GetActiveItems(all, 0)

	for _, item := range popular {
		if _, err := n.localStore.ExtendTTL(ctx, item.Key, 1.0); err != nil {
			n.logger.Debug("extend_ttl failed for popular key", logging.Fields{"error": err.Error()})
		}
	}
	for _, item := range active {
		if _, err := n.localStore.ExtendTTL(ctx, item.Key, 0.5); err != nil {
			n.logger.Debug("extend_ttl failed for active key", logging.Fields{"error": err.Error()})
		}
	}

	n.replicator.ReplicatePopular(ctx, popular, n.cfg.Popularity.PopularityThreshold)
}

func (n *Node) seedLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.runSeedTick(ctx)
		}
	}
}

func (n *Node) runSeedTick(ctx context.Context) {
	now := time.Now()
	if now.Sub(n.lastGlobalUpdate) < n.cfg.Popularity.GlobalUpdateInterval {
		return
	}
	n.lastGlobalUpdate = now

	localTop := n.ranker.RankItems(n.metrics.All(), 100)
	seedCandidates := n.table.FindClosest(n.keypair.ID, n.cfg.DHT.K)
	n.exchanger.AggregateGlobalRanking(ctx, localTop, seedCandidates)
}

// Stop drains background loops, snapshots the routing table to the peer
// store (if configured), and closes the wire protocol/transport.
func (n *Node) Stop() error {
	close(n.stopCh)
	n.wg.Wait()

	if n.peerStore != nil {
		if err := n.peerStore.SaveAllPeers(n.table); err != nil {
			n.logger.Warn("saving peer table snapshot failed", logging.Fields{"error": err.Error()})
		}
		if err := n.peerStore.Close(); err != nil {
			n.logger.Warn("closing peer store failed", logging.Fields{"error": err.Error()})
		}
	}

	return n.proto.Stop()
}

// Stats reports a consolidated introspection snapshot across the
// routing table, transport/protocol, and local store.
func (n *Node) Stats(ctx context.Context) map[string]interface{} {
	storeStats, _ := n.localStore.Stats(ctx)
	return map[string]interface{}{
		"node_id":  n.keypair.ID.String(),
		"routing":  n.table.Stats(),
		"protocol": n.proto.Stats(),
		"store":    storeStats,
	}
}
