// Package popularity implements the per-key metrics collection, scoring,
// and peer-gossip exchange that drive popularity-based re-replication and
// TTL extension, built on Go's mutex-guarded map idiom.
package popularity

import (
	"math"
	"sync"
	"time"

	"github.com/vazonhub/rhizome/pkg/identity"
	"github.com/vazonhub/rhizome/pkg/logging"
)

// MaxTimestamps bounds the request-timestamp deque per key.
const MaxTimestamps = 1000

// MaxMetricsAge is the periodic-sweep cutoff for abandoned keys.
const MaxMetricsAge = 30 * 24 * time.Hour

// Metrics holds the popularity signals tracked for one key.
type Metrics struct {
	Key []byte

	RequestCount     int
	RequestRate      float64
	ReplicationCount int
	FreshnessScore   float64
	AudienceSize     int

	SocialEngagements int
	ViewTime          float64
	SeedCoverage      float64

	FirstSeen   time.Time
	LastRequest time.Time
	CreatedAt   *time.Time

	requestTimestamps []time.Time
	requestingNodes   map[identity.NodeID]bool
}

func newMetrics(key []byte) *Metrics {
	k := make([]byte, len(key))
	copy(k, key)
	now := time.Now()
	return &Metrics{
		Key:              k,
		ReplicationCount: 1,
		FreshnessScore:   1.0,
		AudienceSize:     0,
		FirstSeen:        now,
		LastRequest:      now,
		requestingNodes:  make(map[identity.NodeID]bool),
	}
}

// recordRequest folds in one FIND_VALUE hit, matching
// PopularityMetrics.update_request.
func (m *Metrics) recordRequest(requester *identity.NodeID) {
	now := time.Now()
	m.RequestCount++
	m.LastRequest = now
	m.requestTimestamps = append(m.requestTimestamps, now)
	if len(m.requestTimestamps) > MaxTimestamps {
		m.requestTimestamps = m.requestTimestamps[len(m.requestTimestamps)-MaxTimestamps:]
	}

	if requester != nil {
		m.requestingNodes[*requester] = true
		m.AudienceSize = len(m.requestingNodes)
	}

	if len(m.requestTimestamps) > 1 {
		span := m.requestTimestamps[len(m.requestTimestamps)-1].Sub(m.requestTimestamps[0]).Seconds()
		if span > 0 {
			m.RequestRate = (float64(len(m.requestTimestamps)) / span) * 3600
		} else {
			m.RequestRate = float64(len(m.requestTimestamps)) * 3600
		}
	} else if m.RequestCount > 0 {
		m.RequestRate = 1.0
	}
}

// updateFreshness recomputes FreshnessScore on a piecewise curve: full
// freshness under an hour, linear decay to 0.5 over the first day, then
// exponential half-life of 7 days floored at 0.1.
func (m *Metrics) updateFreshness() {
	var age time.Duration
	if m.CreatedAt != nil {
		age = time.Since(*m.CreatedAt)
	} else {
		age = time.Since(m.FirstSeen)
	}

	switch {
	case age < time.Hour:
		m.FreshnessScore = 1.0
	case age < 24*time.Hour:
		m.FreshnessScore = 1.0 - (age.Hours()/24.0)*0.5
	default:
		days := age.Hours() / 24.0
		m.FreshnessScore = maxFloat(0.1, 0.5*math.Pow(0.5, days/7.0))
	}
}

func (m *Metrics) updateReplication(count int) {
	if count > m.ReplicationCount {
		m.ReplicationCount = count
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Snapshot is the wire-friendly view of a Metrics entry, used for gossip
// exchange and ranking display.
type Snapshot struct {
	RequestCount      int
	RequestRate       float64
	ReplicationCount  int
	FreshnessScore    float64
	AudienceSize      int
	SocialEngagements int
	ViewTime          float64
	SeedCoverage      float64
	FirstSeen         int64
	LastRequest       int64
	CreatedAt         int64
}

func (m *Metrics) snapshot() Snapshot {
	var created int64
	if m.CreatedAt != nil {
		created = m.CreatedAt.Unix()
	}
	return Snapshot{
		RequestCount:      m.RequestCount,
		RequestRate:       m.RequestRate,
		ReplicationCount:  m.ReplicationCount,
		FreshnessScore:    m.FreshnessScore,
		AudienceSize:      m.AudienceSize,
		SocialEngagements: m.SocialEngagements,
		ViewTime:          m.ViewTime,
		SeedCoverage:      m.SeedCoverage,
		FirstSeen:         m.FirstSeen.Unix(),
		LastRequest:       m.LastRequest.Unix(),
		CreatedAt:         created,
	}
}

func fromSnapshot(key []byte, s Snapshot) *Metrics {
	m := newMetrics(key)
	m.RequestCount = s.RequestCount
	m.RequestRate = s.RequestRate
	m.ReplicationCount = s.ReplicationCount
	m.FreshnessScore = s.FreshnessScore
	m.AudienceSize = s.AudienceSize
	m.SocialEngagements = s.SocialEngagements
	m.ViewTime = s.ViewTime
	m.SeedCoverage = s.SeedCoverage
	if s.FirstSeen > 0 {
		m.FirstSeen = time.Unix(s.FirstSeen, 0)
	}
	if s.LastRequest > 0 {
		m.LastRequest = time.Unix(s.LastRequest, 0)
	}
	if s.CreatedAt > 0 {
		t := time.Unix(s.CreatedAt, 0)
		m.CreatedAt = &t
	}
	return m
}

// Collector is the per-node, key-sharded metrics store. Each key's entry
// is guarded independently so concurrent updates to unrelated keys never
// contend on a single global lock.
type Collector struct {
	mu      sync.RWMutex
	entries map[string]*lockedMetrics
	logger  *logging.Logger
}

type lockedMetrics struct {
	mu sync.Mutex
	m  *Metrics
}

// NewCollector constructs an empty Collector.
func NewCollector(logger *logging.Logger) *Collector {
	return &Collector{entries: make(map[string]*lockedMetrics), logger: logger}
}

func (c *Collector) entryFor(key []byte) *lockedMetrics {
	k := string(key)

	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[k]; ok {
		return e
	}
	e = &lockedMetrics{m: newMetrics(key)}
	c.entries[k] = e
	return e
}

// RecordFindValue implements dht.MetricsRecorder: a FIND_VALUE hit bumps
// request count/rate/audience and refreshes freshness.
func (c *Collector) RecordFindValue(key []byte, requester *identity.NodeID) {
	e := c.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.m.recordRequest(requester)
	e.m.updateFreshness()
	if c.logger != nil {
		c.logger.Debug("recorded find_value", logging.Fields{"key": shortHex(key)})
	}
}

// RecordStore implements dht.MetricsRecorder: max-merges replication_count
// and refreshes freshness.
func (c *Collector) RecordStore(key []byte, replicationCount int) {
	e := c.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.m.updateReplication(replicationCount)
	e.m.updateFreshness()
	if c.logger != nil {
		c.logger.Debug("recorded store", logging.Fields{"key": shortHex(key), "replication": replicationCount})
	}
}

// RecordSocialEngagement additively credits count social interactions
// (replies, quotes, mentions) for key.
func (c *Collector) RecordSocialEngagement(key []byte, count int) {
	e := c.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.m.SocialEngagements += count
}

// Get returns a copy of the metrics for key, if known.
func (c *Collector) Get(key []byte) (Metrics, bool) {
	c.mu.RLock()
	e, ok := c.entries[string(key)]
	c.mu.RUnlock()
	if !ok {
		return Metrics{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.m, true
}

// All returns a snapshot copy of every tracked key's metrics, keyed by
// the raw key bytes.
func (c *Collector) All() map[string]*Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*Metrics, len(c.entries))
	for k, e := range c.entries {
		e.mu.Lock()
		cp := *e.m
		e.mu.Unlock()
		out[k] = &cp
	}
	return out
}

// UpdateAllFreshness refreshes every tracked key's freshness score.
func (c *Collector) UpdateAllFreshness() {
	c.mu.RLock()
	entries := make([]*lockedMetrics, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		e.m.updateFreshness()
		e.mu.Unlock()
	}
}

// CleanupOldMetrics drops every key whose last_request exceeds
// MaxMetricsAge, returning the count removed.
func (c *Collector) CleanupOldMetrics() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		e.mu.Lock()
		stale := time.Since(e.m.LastRequest) > MaxMetricsAge
		e.mu.Unlock()
		if stale {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 && c.logger != nil {
		c.logger.Info("cleaned up old metrics", logging.Fields{"count": removed})
	}
	return removed
}

// MergeFromGossip folds in a remote snapshot received via
// POPULARITY_EXCHANGE: replication_count is max'd into the key's entry.
// An untracked key gets a default entry first; no other field of the
// remote snapshot is copied (Seed does that).
func (c *Collector) MergeFromGossip(key []byte, remote Snapshot) {
	e := c.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.m.updateReplication(remote.ReplicationCount)
}

// Seed inserts a brand-new entry from a remote snapshot for a key this
// node had no prior metrics for.
func (c *Collector) Seed(key []byte, remote Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[string(key)]; ok {
		return
	}
	c.entries[string(key)] = &lockedMetrics{m: fromSnapshot(key, remote)}
}

func shortHex(key []byte) string {
	const n = 8
	if len(key) < n {
		n2 := len(key)
		return hexEncode(key[:n2])
	}
	return hexEncode(key[:n])
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0x0F]
	}
	return string(out)
}
