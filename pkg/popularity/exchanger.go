package popularity

import (
	"context"
	"encoding/hex"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/vazonhub/rhizome/pkg/identity"
	"github.com/vazonhub/rhizome/pkg/logging"
	"github.com/vazonhub/rhizome/pkg/protocol"
	"github.com/vazonhub/rhizome/pkg/routing"
	"github.com/vazonhub/rhizome/pkg/wire"
)

// MaxGossipNeighbors and MaxAggregationSeeds bound fan-out for gossip
// exchange and global ranking aggregation respectively.
const (
	MaxGossipNeighbors  = 5
	MaxAggregationSeeds = 10
	GlobalRankingSize   = 100
)

// Exchanger implements peer gossip of top popular items and seed-node
// consensus aggregation of a global ranking.
type Exchanger struct {
	self      identity.NodeID
	proto     *protocol.Protocol
	ranker    *Ranker
	collector *Collector
	timeout   time.Duration
	logger    *logging.Logger

	mu                   sync.RWMutex
	globalRanking        []RankedItem
	globalRankingUpdated time.Time
}

// NewExchanger wires an Exchanger on top of an already-constructed
// Protocol, Ranker, and Collector.
func NewExchanger(self identity.NodeID, proto *protocol.Protocol, ranker *Ranker, collector *Collector, timeout time.Duration, logger *logging.Logger) *Exchanger {
	return &Exchanger{self: self, proto: proto, ranker: ranker, collector: collector, timeout: timeout, logger: logger}
}

func peerAddr(p *routing.Peer) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(p.Address), Port: p.Port}
}

func metricsToPayload(m *Metrics) map[string]interface{} {
	s := m.snapshot()
	return map[string]interface{}{
		"request_count":      int64(s.RequestCount),
		"request_rate":       s.RequestRate,
		"replication_count":  int64(s.ReplicationCount),
		"freshness_score":    s.FreshnessScore,
		"audience_size":      int64(s.AudienceSize),
		"social_engagements": int64(s.SocialEngagements),
		"view_time":          s.ViewTime,
		"seed_coverage":      s.SeedCoverage,
		"first_seen":         s.FirstSeen,
		"last_request":       s.LastRequest,
		"created_at":         s.CreatedAt,
	}
}

func snapshotFromPayload(raw map[string]interface{}) Snapshot {
	getInt := func(k string) int {
		v, err := wire.GetInt64(raw, k)
		if err != nil {
			return 0
		}
		return int(v)
	}
	getFloat := func(k string) float64 {
		v, ok := raw[k]
		if !ok {
			return 0
		}
		switch t := v.(type) {
		case float64:
			return t
		case float32:
			return float64(t)
		case int64:
			return float64(t)
		case int:
			return float64(t)
		default:
			return 0
		}
	}
	return Snapshot{
		RequestCount:      getInt("request_count"),
		RequestRate:       getFloat("request_rate"),
		ReplicationCount:  maxInt(getInt("replication_count"), 1),
		FreshnessScore:    getFloat("freshness_score"),
		AudienceSize:      getInt("audience_size"),
		SocialEngagements: getInt("social_engagements"),
		ViewTime:          getFloat("view_time"),
		SeedCoverage:      getFloat("seed_coverage"),
		FirstSeen:         int64(getFloat("first_seen")),
		LastRequest:       int64(getFloat("last_request")),
		CreatedAt:         int64(getFloat("created_at")),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (x *Exchanger) localTopItems(topN int) []RankedItem {
	return x.ranker.RankItems(x.collector.All(), topN)
}

func itemsToPayload(items []RankedItem) []wire.PopularityItem {
	out := make([]wire.PopularityItem, len(items))
	for i, it := range items {
		out[i] = wire.PopularityItem{KeyHex: hex.EncodeToString(it.Key), Score: it.Score, Metrics: metricsToPayload(it.Metrics)}
	}
	return out
}

// ExchangeTopItems ranks the local metrics set, takes the top topN,
// gossips them to at most MaxGossipNeighbors neighbors, and merges each
// reply's items back into the local collector.
func (x *Exchanger) ExchangeTopItems(ctx context.Context, neighbors []*routing.Peer, topN int) {
	localTop := x.localTopItems(topN)
	if len(neighbors) == 0 {
		return
	}
	payload := wire.PopularityExchangePayload(itemsToPayload(localTop))

	targets := neighbors
	if len(targets) > MaxGossipNeighbors {
		targets = targets[:MaxGossipNeighbors]
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	received := 0

	for _, p := range targets {
		wg.Add(1)
		go func(p *routing.Peer) {
			defer wg.Done()
			resp, err := x.proto.Request(ctx, peerAddr(p), wire.TypePopularityExchange, payload, x.timeout)
			if err != nil {
				return
			}
			remoteItems, err := wire.ParsePopularityItems(resp.Payload)
			if err != nil {
				return
			}
			mu.Lock()
			received += len(remoteItems)
			mu.Unlock()
			x.mergeRemoteItems(remoteItems)
		}(p)
	}
	wg.Wait()

	if x.logger != nil {
		x.logger.Info("exchanged popularity data", logging.Fields{
			"local_items": len(localTop), "neighbors": len(targets), "received_items": received,
		})
	}
}

func (x *Exchanger) mergeRemoteItems(items []wire.PopularityItem) {
	for _, it := range items {
		keyBytes, err := hex.DecodeString(it.KeyHex)
		if err != nil {
			continue
		}
		snap := snapshotFromPayload(it.Metrics)
		if _, ok := x.collector.Get(keyBytes); ok {
			x.collector.MergeFromGossip(keyBytes, snap)
		} else {
			x.collector.Seed(keyBytes, snap)
		}
	}
}

// AggregateGlobalRanking builds seed-only consensus: query up to
// MaxAggregationSeeds other seeds via GLOBAL_RANKING_REQ, take the
// median of observed scores per key (lower-middle tie-break on even
// counts), and cache a top-100 list.
func (x *Exchanger) AggregateGlobalRanking(ctx context.Context, localTop []RankedItem, seedNodes []*routing.Peer) []RankedItem {
	scoresByKey := make(map[string][]float64)
	keyBytes := make(map[string][]byte)

	for _, item := range localTop {
		k := string(item.Key)
		scoresByKey[k] = append(scoresByKey[k], item.Score)
		keyBytes[k] = item.Key
	}

	targets := seedNodes
	if len(targets) > MaxAggregationSeeds {
		targets = targets[:MaxAggregationSeeds]
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range targets {
		wg.Add(1)
		go func(p *routing.Peer) {
			defer wg.Done()
			resp, err := x.proto.Request(ctx, peerAddr(p), wire.TypeGlobalRankingReq, nil, x.timeout)
			if err != nil {
				return
			}
			entries, err := wire.ParseRanking(resp.Payload)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, e := range entries {
				kb, err := hex.DecodeString(e.KeyHex)
				if err != nil {
					continue
				}
				k := string(kb)
				scoresByKey[k] = append(scoresByKey[k], e.Score)
				keyBytes[k] = kb
			}
		}(p)
	}
	wg.Wait()

	consensus := make([]RankedItem, 0, len(scoresByKey))
	for k, scores := range scoresByKey {
		if len(scores) == 0 {
			continue
		}
		m, ok := x.collector.Get(keyBytes[k])
		if !ok {
			continue
		}
		sort.Float64s(scores)
		median := scores[(len(scores)-1)/2]
		mCopy := m
		consensus = append(consensus, RankedItem{Key: keyBytes[k], Score: median, Metrics: &mCopy})
	}

	sort.Slice(consensus, func(i, j int) bool { return consensus[i].Score > consensus[j].Score })
	if len(consensus) > GlobalRankingSize {
		consensus = consensus[:GlobalRankingSize]
	}

	x.mu.Lock()
	x.globalRanking = consensus
	x.globalRankingUpdated = time.Now()
	x.mu.Unlock()

	if x.logger != nil {
		x.logger.Info("aggregated global ranking", logging.Fields{
			"local_items": len(localTop), "seed_nodes": len(targets), "consensus_items": len(consensus),
		})
	}

	return consensus
}

// GlobalRanking returns the cached consensus ranking and when it was
// last computed.
func (x *Exchanger) GlobalRanking() ([]RankedItem, time.Time) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]RankedItem, len(x.globalRanking))
	copy(out, x.globalRanking)
	return out, x.globalRankingUpdated
}

// Dispatch is the protocol.RequestHandler for POPULARITY_EXCHANGE and
// GLOBAL_RANKING_REQ. The node supervisor composes this with
// dht.Engine.Dispatch for the core DHT message types.
func (x *Exchanger) Dispatch(msg wire.Message, from *net.UDPAddr) map[string]interface{} {
	switch msg.Type {
	case wire.TypePopularityExchange:
		items, err := wire.ParsePopularityItems(msg.Payload)
		if err == nil {
			x.mergeRemoteItems(items)
		}
		return wire.PopularityExchangePayload(itemsToPayload(x.localTopItems(100)))
	case wire.TypeGlobalRankingReq:
		ranking, _ := x.GlobalRanking()
		entries := make([]wire.RankingEntry, len(ranking))
		for i, item := range ranking {
			entries[i] = wire.RankingEntry{KeyHex: hex.EncodeToString(item.Key), Score: item.Score}
		}
		return wire.GlobalRankingRespPayload(entries)
	default:
		return nil
	}
}
