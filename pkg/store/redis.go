package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vazonhub/rhizome/pkg/rherrors"
)

// RedisEngine implements Engine against Redis. Redis's native
// SET key value EX ttl is an exact match for put(key, value, ttl);
// TTL/EXPIRE back extend_ttl; the size cap sums STRLEN over the
// namespace's keys (found with KEYS). Keys are
// namespaced under "rhizome:value:" to share a Redis instance safely with
// other uses.
type RedisEngine struct {
	client  *redis.Client
	maxSize int64 // maximum total bytes, 0 = unbounded
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	MaxBytes int64
}

const keyPrefix = "rhizome:value:"

// NewRedisEngine connects to Redis and verifies reachability with PING.
func NewRedisEngine(cfg RedisConfig) (*RedisEngine, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisEngine{client: client, maxSize: cfg.MaxBytes}, nil
}

func (e *RedisEngine) namespacedKey(key []byte) string {
	return keyPrefix + string(key)
}

// Get returns the stored value, or found=false if absent/expired.
func (e *RedisEngine) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	data, err := e.client.Get(ctx, e.namespacedKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return data, true, nil
}

// Put stores value under key with the given TTL, enforcing the
// configured size cap first.
func (e *RedisEngine) Put(ctx context.Context, key, value []byte, ttl time.Duration) error {
	if e.maxSize > 0 {
		used, err := e.usedBytes(ctx)
		if err != nil {
			return err
		}
		if used+int64(len(value)) > e.maxSize {
			return rherrors.NewStorageFull(used, e.maxSize)
		}
	}

	if err := e.client.Set(ctx, e.namespacedKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

// Delete removes key. Idempotent.
func (e *RedisEngine) Delete(ctx context.Context, key []byte) error {
	if err := e.client.Del(ctx, e.namespacedKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// ExtendTTL grows the remaining TTL by (1+extensionFraction), capped at
// PopularTTL.
func (e *RedisEngine) ExtendTTL(ctx context.Context, key []byte, extensionFraction float64) (bool, error) {
	nk := e.namespacedKey(key)
	remaining, err := e.client.TTL(ctx, nk).Result()
	if err != nil {
		return false, fmt.Errorf("redis ttl: %w", err)
	}
	if remaining < 0 {
		// -1: no expiry set, -2: key does not exist.
		return false, nil
	}

	newTTL := time.Duration(float64(remaining) * (1 + extensionFraction))
	if newTTL > PopularTTL {
		newTTL = PopularTTL
	}

	ok, err := e.client.Expire(ctx, nk, newTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis expire: %w", err)
	}
	return ok, nil
}

// CleanupExpired is a no-op for Redis: expiry is enforced natively by the
// backend. Reported as 0 so callers can log a consistent sweep count
// across store implementations.
func (e *RedisEngine) CleanupExpired(ctx context.Context) (int, error) {
	return 0, nil
}

func (e *RedisEngine) usedBytes(ctx context.Context) (int64, error) {
	keys, err := e.client.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return 0, fmt.Errorf("redis keys: %w", err)
	}
	var total int64
	for _, k := range keys {
		if n, err := e.client.StrLen(ctx, k).Result(); err == nil {
			total += n
		}
	}
	return total, nil
}

// Stats reports key count and (if a cap is configured) byte usage.
func (e *RedisEngine) Stats(ctx context.Context) (map[string]interface{}, error) {
	keys, err := e.client.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys: %w", err)
	}
	stats := map[string]interface{}{"entries": len(keys)}
	if e.maxSize > 0 {
		used, err := e.usedBytes(ctx)
		if err == nil {
			stats["used_bytes"] = used
			stats["max_bytes"] = e.maxSize
		}
	}
	return stats, nil
}

// Close closes the underlying Redis connection.
func (e *RedisEngine) Close() error {
	return e.client.Close()
}
