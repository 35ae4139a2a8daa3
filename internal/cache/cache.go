// internal/cache/cache.go
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResponseCache is a small TTL cache for query API payloads, backed by
// Redis. A nil *ResponseCache is a valid no-op cache, so the API layer never
// has to branch on whether caching is configured.
type ResponseCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New connects to Redis at addr and verifies the connection.
func New(ctx context.Context, addr string, ttl time.Duration, logger *slog.Logger) (*ResponseCache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &ResponseCache{rdb: rdb, ttl: ttl, logger: logger}, nil
}

// Get returns the cached payload for key, if present. Cache errors are
// logged and treated as misses.
func (c *ResponseCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	payload, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	return payload, true
}

// Set stores payload under key with the configured TTL. Failures are logged
// and otherwise ignored; the cache is best-effort.
func (c *ResponseCache) Set(ctx context.Context, key string, payload []byte) {
	if c == nil {
		return
	}
	if err := c.rdb.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("Cache write failed", "key", key, "error", err)
	}
}

// Close releases the underlying Redis connection.
func (c *ResponseCache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}
