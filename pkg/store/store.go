// Package store is the local store facade: a thin interface over an
// external KV engine exposing get/put/delete/extend_ttl and a periodic
// expiry sweep. Errors are reported, never fatal — a StorageFull or
// backend I/O failure is logged and returned to the caller; it never
// aborts the process.
package store

import (
	"context"
	"time"
)

// PopularTTL is the maximum TTL extend_ttl can grow an entry to.
const PopularTTL = 30 * 24 * time.Hour

// Engine is the contract consumed from an external KV engine.
type Engine interface {
	// Get returns the value for key, or (nil, false) if absent or expired.
	Get(ctx context.Context, key []byte) (value []byte, found bool, err error)

	// Put stores value under key with the given TTL.
	Put(ctx context.Context, key, value []byte, ttl time.Duration) error

	// Delete removes key. Idempotent.
	Delete(ctx context.Context, key []byte) error

	// ExtendTTL sets the new TTL to the remaining TTL times
	// (1 + extensionFraction), capped at PopularTTL. Returns false if
	// the key does not exist.
	ExtendTTL(ctx context.Context, key []byte, extensionFraction float64) (bool, error)

	// CleanupExpired sweeps entries the backend has not already reaped
	// on its own and returns the count removed. For a TTL-native
	// backend like Redis this will typically be a no-op / report 0.
	CleanupExpired(ctx context.Context) (int, error)

	// Stats reports size/usage for introspection and the size cap.
	Stats(ctx context.Context) (map[string]interface{}, error)

	Close() error
}
