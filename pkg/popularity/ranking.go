package popularity

import (
	"bytes"
	"sort"
	"time"
)

// Default popularity/active score thresholds.
const (
	DefaultPopularityThreshold = 7.0
	DefaultActiveThreshold     = 5.0
)

// Normalization caps for each raw signal before weighting.
const (
	requestRateCap  = 100.0
	replicationCap  = 20.0
	audienceCap     = 50.0
	socialCap       = 100.0
)

type weightSet struct {
	requestRate  float64
	replication  float64
	freshness    float64
	audience     float64
	social       float64
	seedCoverage float64
}

func weightsForAge(age time.Duration) weightSet {
	switch {
	case age < 24*time.Hour:
		return weightSet{0.25, 0.20, 0.30, 0.10, 0.10, 0.05}
	case age < 7*24*time.Hour:
		return weightSet{0.25, 0.20, 0.10, 0.10, 0.30, 0.05}
	default:
		return weightSet{0.25, 0.20, 0.05, 0.10, 0.15, 0.25}
	}
}

// RankedItem pairs a key with its popularity score and the metrics that
// produced it.
type RankedItem struct {
	Key     []byte
	Score   float64
	Metrics *Metrics
}

// Ranker computes popularity scores and thresholds them.
type Ranker struct {
	PopularityThreshold float64
	ActiveThreshold     float64
}

// NewRanker constructs a Ranker with the given thresholds.
func NewRanker(popularityThreshold, activeThreshold float64) *Ranker {
	return &Ranker{PopularityThreshold: popularityThreshold, ActiveThreshold: activeThreshold}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// CalculateScore normalizes each signal to [0,1], weights them by
// age-adaptive weights, and scales the result to [0,10].
func (r *Ranker) CalculateScore(m *Metrics) float64 {
	w := weightsForAge(time.Since(m.FirstSeen))

	normRequestRate := clamp01(m.RequestRate / requestRateCap)
	normReplication := clamp01(float64(m.ReplicationCount) / replicationCap)
	normFreshness := clamp01(m.FreshnessScore)
	normAudience := clamp01(float64(m.AudienceSize) / audienceCap)
	normSocial := clamp01(float64(m.SocialEngagements) / socialCap)
	normSeed := clamp01(m.SeedCoverage)

	score := (normRequestRate*w.requestRate +
		normReplication*w.replication +
		normFreshness*w.freshness +
		normAudience*w.audience +
		normSocial*w.social +
		normSeed*w.seedCoverage) * 10.0

	if score > 10.0 {
		return 10.0
	}
	if score < 0.0 {
		return 0.0
	}
	return score
}

// RankItems scores every entry in items and sorts descending by score,
// breaking ties by descending last_request then ascending key bytes.
// limit<=0 means unbounded.
func (r *Ranker) RankItems(items map[string]*Metrics, limit int) []RankedItem {
	ranked := make([]RankedItem, 0, len(items))
	for _, m := range items {
		ranked = append(ranked, RankedItem{Key: m.Key, Score: r.CalculateScore(m), Metrics: m})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if !ranked[i].Metrics.LastRequest.Equal(ranked[j].Metrics.LastRequest) {
			return ranked[i].Metrics.LastRequest.After(ranked[j].Metrics.LastRequest)
		}
		return bytes.Compare(ranked[i].Key, ranked[j].Key) < 0
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// GetPopularItems returns entries scoring at or above PopularityThreshold.
func (r *Ranker) GetPopularItems(items map[string]*Metrics, limit int) []RankedItem {
	ranked := r.RankItems(items, 0)
	out := make([]RankedItem, 0, len(ranked))
	for _, item := range ranked {
		if item.Score >= r.PopularityThreshold {
			out = append(out, item)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GetActiveItems returns entries scoring at or above ActiveThreshold.
func (r *Ranker) GetActiveItems(items map[string]*Metrics, limit int) []RankedItem {
	ranked := r.RankItems(items, 0)
	out := make([]RankedItem, 0, len(ranked))
	for _, item := range ranked {
		if item.Score >= r.ActiveThreshold {
			out = append(out, item)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
