package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pulse/internal/logger"
	"pulse/pkg/metrics"
)

// Cache wraps the pooled Redis client. Connection acquisition is bounded by
// the client's pool settings; a miss is reported as (found=false) semantics
// via empty string + nil error from Get. Every operation is timed and
// slow-guarded the same way Gateway times row-store operations, so slow pool
// acquisition is visible through the same metrics.
type Cache struct {
	client *redis.Client
	logger logger.Logger
}

func NewCache(client *redis.Client, log logger.Logger) *Cache {
	return &Cache{client: client, logger: log}
}

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	done := slowGuard(c.logger, "cache_get", "redis")
	defer done()

	start := time.Now()
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		err = nil
		val = ""
	}
	metrics.ObserveStorageOperation("cache_get", "redis", time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("redis GET failed: %w", err)
	}
	return val, nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	done := slowGuard(c.logger, "cache_set", "redis")
	defer done()

	start := time.Now()
	err := c.client.Set(ctx, key, value, ttl).Err()
	metrics.ObserveStorageOperation("cache_set", "redis", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

// SetNX returns true when the key was newly set, false when it already
// existed.
func (c *Cache) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	done := slowGuard(c.logger, "cache_setnx", "redis")
	defer done()

	start := time.Now()
	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	metrics.ObserveStorageOperation("cache_setnx", "redis", time.Since(start), err)
	if err != nil {
		return false, fmt.Errorf("redis SETNX failed: %w", err)
	}
	return ok, nil
}

func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	done := slowGuard(c.logger, "cache_incr", "redis")
	defer done()

	start := time.Now()
	val, err := c.client.Incr(ctx, key).Result()
	metrics.ObserveStorageOperation("cache_incr", "redis", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("redis INCR failed: %w", err)
	}
	return val, nil
}

func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	done := slowGuard(c.logger, "cache_expire", "redis")
	defer done()

	start := time.Now()
	err := c.client.Expire(ctx, key, ttl).Err()
	metrics.ObserveStorageOperation("cache_expire", "redis", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("redis EXPIRE failed: %w", err)
	}
	return nil
}

func (c *Cache) Del(ctx context.Context, keys ...string) error {
	done := slowGuard(c.logger, "cache_del", "redis")
	defer done()

	start := time.Now()
	err := c.client.Del(ctx, keys...).Err()
	metrics.ObserveStorageOperation("cache_del", "redis", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	return nil
}
