package popularity

import (
	"testing"
	"time"

	"github.com/vazonhub/rhizome/pkg/identity"
)

func TestRecordFindValueTracksAudienceAndRate(t *testing.T) {
	c := NewCollector(nil)
	key := []byte("key-a")
	var req identity.NodeID
	req[0] = 1

	c.RecordFindValue(key, &req)
	c.RecordFindValue(key, &req)

	m, ok := c.Get(key)
	if !ok {
		t.Fatalf("expected metrics to exist")
	}
	if m.RequestCount != 2 {
		t.Fatalf("expected request count 2, got %d", m.RequestCount)
	}
	if m.AudienceSize != 1 {
		t.Fatalf("expected audience size 1 (same requester twice), got %d", m.AudienceSize)
	}
	if m.RequestRate <= 0 {
		t.Fatalf("expected a positive request rate after two requests, got %f", m.RequestRate)
	}
}

func TestRecordStoreMaxMergesReplication(t *testing.T) {
	c := NewCollector(nil)
	key := []byte("key-b")

	c.RecordStore(key, 3)
	c.RecordStore(key, 1)
	c.RecordStore(key, 7)

	m, _ := c.Get(key)
	if m.ReplicationCount != 7 {
		t.Fatalf("expected max-merged replication count 7, got %d", m.ReplicationCount)
	}
}

func TestFreshnessDecaysPiecewise(t *testing.T) {
	m := newMetrics([]byte("k"))

	m.FirstSeen = time.Now()
	m.updateFreshness()
	if m.FreshnessScore != 1.0 {
		t.Fatalf("expected full freshness for new key, got %f", m.FreshnessScore)
	}

	m.FirstSeen = time.Now().Add(-12 * time.Hour)
	m.updateFreshness()
	if m.FreshnessScore <= 0.5 || m.FreshnessScore >= 1.0 {
		t.Fatalf("expected freshness in (0.5,1.0) at 12h age, got %f", m.FreshnessScore)
	}

	m.FirstSeen = time.Now().Add(-14 * 24 * time.Hour)
	m.updateFreshness()
	if m.FreshnessScore < 0.1 || m.FreshnessScore > 0.5 {
		t.Fatalf("expected freshness in [0.1,0.5] at 14d age, got %f", m.FreshnessScore)
	}
}

func TestCleanupOldMetricsDropsStaleKeys(t *testing.T) {
	c := NewCollector(nil)
	c.RecordStore([]byte("fresh"), 1)
	c.RecordStore([]byte("stale"), 1)

	e := c.entries["stale"]
	e.mu.Lock()
	e.m.LastRequest = time.Now().Add(-31 * 24 * time.Hour)
	e.mu.Unlock()

	removed := c.CleanupOldMetrics()
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok := c.Get([]byte("stale")); ok {
		t.Fatalf("expected stale key to be gone")
	}
	if _, ok := c.Get([]byte("fresh")); !ok {
		t.Fatalf("expected fresh key to remain")
	}
}
