package popularity

import (
	"testing"
	"time"

	"github.com/vazonhub/rhizome/pkg/identity"
)

func TestCalculateScorePromotesHotKey(t *testing.T) {
	r := NewRanker(DefaultPopularityThreshold, DefaultActiveThreshold)

	m := newMetrics([]byte("hot"))
	m.FirstSeen = time.Now().Add(-2 * time.Hour)
	m.ReplicationCount = 12
	for i := 0; i < 60; i++ {
		var req identity.NodeID
		req[0] = byte(i)
		m.recordRequest(&req)
	}
	m.RequestRate = 100
	m.updateFreshness()

	score := r.CalculateScore(m)
	if score < DefaultPopularityThreshold {
		t.Fatalf("expected score >= %f for a hot key, got %f", DefaultPopularityThreshold, score)
	}
}

func TestCalculateScoreColdKeyBelowActive(t *testing.T) {
	r := NewRanker(DefaultPopularityThreshold, DefaultActiveThreshold)
	m := newMetrics([]byte("cold"))
	m.FirstSeen = time.Now().Add(-30 * 24 * time.Hour)

	score := r.CalculateScore(m)
	if score >= DefaultActiveThreshold {
		t.Fatalf("expected a never-requested old key to score below active threshold, got %f", score)
	}
}

func TestRankItemsSortsDescendingWithTieBreak(t *testing.T) {
	r := NewRanker(DefaultPopularityThreshold, DefaultActiveThreshold)

	items := map[string]*Metrics{
		"b": newMetrics([]byte("b")),
		"a": newMetrics([]byte("a")),
	}
	items["a"].LastRequest = time.Now()
	items["b"].LastRequest = items["a"].LastRequest

	ranked := r.RankItems(items, 0)
	if len(ranked) != 2 {
		t.Fatalf("expected 2 ranked items, got %d", len(ranked))
	}
	if string(ranked[0].Key) != "a" {
		t.Fatalf("expected key 'a' to sort first on tie (ascending key bytes), got %q", ranked[0].Key)
	}
}

func TestGetPopularAndActiveItemsFilterByThreshold(t *testing.T) {
	r := NewRanker(DefaultPopularityThreshold, DefaultActiveThreshold)

	hot := newMetrics([]byte("hot"))
	hot.ReplicationCount = 20
	hot.RequestRate = 100
	hot.SocialEngagements = 100
	hot.SeedCoverage = 1.0
	hot.updateFreshness()

	cold := newMetrics([]byte("cold"))

	items := map[string]*Metrics{"hot": hot, "cold": cold}

	popular := r.GetPopularItems(items, 0)
	if len(popular) != 1 || string(popular[0].Key) != "hot" {
		t.Fatalf("expected only 'hot' to be popular, got %v", popular)
	}

	active := r.GetActiveItems(items, 0)
	found := false
	for _, it := range active {
		if string(it.Key) == "hot" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected 'hot' to also be active")
	}
}
