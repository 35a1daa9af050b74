package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a StepCache backed by Redis. Entries use native key expiry:
//
//	<prefix>step:<key>  => JSON-encoded step result
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a RedisCache.
// prefix is optional but recommended (e.g. "plangraph:").
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "plangraph:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) keyStep(key string) string {
	return c.prefix + "step:" + key
}

// Get implements StepCache.
func (c *RedisCache) Get(ctx context.Context, key string) (any, bool, error) {
	data, err := c.client.Get(ctx, c.keyStep(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	v, err := decode(data)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set implements StepCache.
func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, c.keyStep(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

var _ StepCache = (*RedisCache)(nil)
