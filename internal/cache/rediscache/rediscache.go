// Package rediscache provides an optional second-level cache for
// multi-instance deployments, backed by Redis. It implements the same
// read-mostly semantics as internal/cache but shares state across process
// instances; the in-process cache.Cache remains the default when no Redis
// address is configured (see internal/config CacheConfig.RedisAddr).
package rediscache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/regulens/compliance-core/internal/errs"
)

// Cache wraps a Redis client for JSON-serialized cache entries.
type Cache struct {
	client *redis.Client
	prefix string
}

// New creates a Redis-backed cache against addr (e.g. "localhost:6379").
func New(addr, prefix string) *Cache {
	return &Cache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

// Ping verifies connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return errs.Transient("redis_ping", err)
	}
	return nil
}

func (c *Cache) key(key string) string {
	return c.prefix + ":" + key
}

// Get retrieves and unmarshals a cached value into dest. Returns
// (false, nil) on a clean cache miss.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errs.Transient("redis_get", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, errs.Fatal("redis_cache_decode", err)
	}
	return true, nil
}

// Set marshals value as JSON and stores it with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errs.Fatal("redis_cache_encode", err)
	}
	if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		return errs.Transient("redis_set", err)
	}
	return nil
}

// Invalidate removes key from the cache.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return errs.Transient("redis_del", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}
