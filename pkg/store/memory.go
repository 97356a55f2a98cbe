package store

import (
	"context"
	"sync"
	"time"

	"github.com/vazonhub/rhizome/pkg/rherrors"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemEngine is an in-process Engine backed by a map, used by tests and by
// standalone/demo nodes that are not wired to a Redis instance. It
// implements the same TTL and capacity semantics as RedisEngine so engine
// and node-level tests do not require a running Redis server.
type MemEngine struct {
	mu      sync.Mutex
	entries map[string]memEntry
	maxSize int64
}

// NewMemEngine constructs an empty in-memory store. maxBytes=0 means
// unbounded.
func NewMemEngine(maxBytes int64) *MemEngine {
	return &MemEngine{entries: make(map[string]memEntry), maxSize: maxBytes}
}

func (e *MemEngine) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.entries[string(key)]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(ent.expiresAt) {
		delete(e.entries, string(key))
		return nil, false, nil
	}
	out := make([]byte, len(ent.value))
	copy(out, ent.value)
	return out, true, nil
}

func (e *MemEngine) Put(ctx context.Context, key, value []byte, ttl time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.maxSize > 0 {
		used := e.usedBytesLocked()
		existing, had := e.entries[string(key)]
		delta := int64(len(value))
		if had {
			delta -= int64(len(existing.value))
		}
		if used+delta > e.maxSize {
			return rherrors.NewStorageFull(used, e.maxSize)
		}
	}

	v := make([]byte, len(value))
	copy(v, value)
	e.entries[string(key)] = memEntry{value: v, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (e *MemEngine) Delete(ctx context.Context, key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.entries, string(key))
	return nil
}

func (e *MemEngine) ExtendTTL(ctx context.Context, key []byte, extensionFraction float64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.entries[string(key)]
	if !ok {
		return false, nil
	}
	remaining := time.Until(ent.expiresAt)
	if remaining <= 0 {
		delete(e.entries, string(key))
		return false, nil
	}

	newTTL := time.Duration(float64(remaining) * (1 + extensionFraction))
	if newTTL > PopularTTL {
		newTTL = PopularTTL
	}
	ent.expiresAt = time.Now().Add(newTTL)
	e.entries[string(key)] = ent
	return true, nil
}

func (e *MemEngine) CleanupExpired(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	removed := 0
	for k, ent := range e.entries {
		if now.After(ent.expiresAt) {
			delete(e.entries, k)
			removed++
		}
	}
	return removed, nil
}

func (e *MemEngine) usedBytesLocked() int64 {
	var total int64
	for _, ent := range e.entries {
		total += int64(len(ent.value))
	}
	return total
}

func (e *MemEngine) Stats(ctx context.Context) (map[string]interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := map[string]interface{}{"entries": len(e.entries), "used_bytes": e.usedBytesLocked()}
	if e.maxSize > 0 {
		stats["max_bytes"] = e.maxSize
	}
	return stats, nil
}

func (e *MemEngine) Close() error { return nil }
