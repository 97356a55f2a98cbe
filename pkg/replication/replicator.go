// Package replication implements popularity-driven re-replication:
// re-issuing STORE for popular keys until they reach the popular
// replication factor, and topping up cold keys to a minimum floor.
package replication

import (
	"context"
	"time"

	"github.com/vazonhub/rhizome/pkg/logging"
	"github.com/vazonhub/rhizome/pkg/popularity"
)

// Default replication factors and TTLs.
const (
	DefaultMinReplicationFactor     = 5
	DefaultPopularReplicationFactor = 10
	PopularTTL                      = 30 * 24 * time.Hour
	DefaultTTL                      = 24 * time.Hour
)

// Storer is the subset of dht.Engine the replicator needs: re-issuing a
// store() call and reading back a local value to replicate.
type Storer interface {
	Store(ctx context.Context, key, value []byte, ttl time.Duration) (bool, error)
	LocalGet(ctx context.Context, key []byte) ([]byte, bool, error)
}

// Replicator re-issues STORE for keys the popularity ranker flags.
type Replicator struct {
	storer                   Storer
	minReplicationFactor     int
	popularReplicationFactor int
	logger                   *logging.Logger
}

// New constructs a Replicator.
func New(storer Storer, minReplicationFactor, popularReplicationFactor int, logger *logging.Logger) *Replicator {
	if minReplicationFactor <= 0 {
		minReplicationFactor = DefaultMinReplicationFactor
	}
	if popularReplicationFactor <= 0 {
		popularReplicationFactor = DefaultPopularReplicationFactor
	}
	return &Replicator{
		storer:                   storer,
		minReplicationFactor:     minReplicationFactor,
		popularReplicationFactor: popularReplicationFactor,
		logger:                   logger,
	}
}

// ReplicatePopular re-replicates popular keys: for
// each ranked item at or above threshold whose replication_count is
// still below popularReplicationFactor, re-issue store() with a 30-day
// TTL. Items with no local value are skipped. Returns key(hex) -> success.
func (r *Replicator) ReplicatePopular(ctx context.Context, rankedItems []popularity.RankedItem, threshold float64) map[string]bool {
	results := make(map[string]bool)
	popular := 0
	for _, item := range rankedItems {
		if item.Score < threshold {
			continue
		}
		popular++
	}

	if r.logger != nil {
		r.logger.Info("starting popularity replication", logging.Fields{"total_items": len(rankedItems), "popular_items": popular})
	}

	for _, item := range rankedItems {
		if item.Score < threshold {
			continue
		}
		key := item.Key
		k := string(key)

		value, found, err := r.storer.LocalGet(ctx, key)
		if err != nil || !found {
			if r.logger != nil {
				r.logger.Warn("value not found for replication", logging.Fields{"key": shortHex(key)})
			}
			results[k] = false
			continue
		}

		if item.Metrics != nil && item.Metrics.ReplicationCount >= r.popularReplicationFactor {
			results[k] = true
			continue
		}

		success, _ := r.storer.Store(ctx, key, value, PopularTTL)
		results[k] = success
		if r.logger != nil {
			if success {
				r.logger.Debug("replicated popular item", logging.Fields{"key": shortHex(key), "score": item.Score})
			} else {
				r.logger.Warn("replication failed", logging.Fields{"key": shortHex(key)})
			}
		}
	}

	return results
}

// EnsureMinReplication tops up keys below the minimum replication floor:
// re-STORE each key with the default TTL, regardless of current
// replication state (the replication factor is only observable
// indirectly, via peer STORE_RESP successes).
func (r *Replicator) EnsureMinReplication(ctx context.Context, keys [][]byte) map[string]bool {
	results := make(map[string]bool)
	for _, key := range keys {
		value, found, err := r.storer.LocalGet(ctx, key)
		if err != nil || !found {
			results[string(key)] = false
			continue
		}
		success, _ := r.storer.Store(ctx, key, value, DefaultTTL)
		results[string(key)] = success
	}
	return results
}

// EmergencyReplicate issues a single high-priority re-STORE of key with
// the popular TTL. Nothing in the node supervisor calls it; it is
// available to callers that detect a loss of coverage themselves.
func (r *Replicator) EmergencyReplicate(ctx context.Context, key, value []byte) bool {
	if r.logger != nil {
		r.logger.Warn("emergency replication", logging.Fields{"key": shortHex(key)})
	}
	success, err := r.storer.Store(ctx, key, value, PopularTTL)
	if err != nil || !success {
		if r.logger != nil {
			r.logger.Error("emergency replication failed", logging.Fields{"key": shortHex(key)})
		}
		return false
	}
	if r.logger != nil {
		r.logger.Info("emergency replication successful", logging.Fields{"key": shortHex(key)})
	}
	return true
}

func shortHex(key []byte) string {
	const n = 8
	if len(key) < n {
		n = len(key)
	}
	const digits = "0123456789abcdef"
	out := make([]byte, n*2)
	for i, b := range key[:n] {
		out[i*2] = digits[b>>4]
		out[i*2+1] = digits[b&0x0F]
	}
	return string(out)
}
