package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"catimage/internal/core"
)

const (
	// DefaultRedisPrefix is the default key prefix for cached image bytes in Redis.
	DefaultRedisPrefix = "catimage:img"

	// DefaultRedisTTL is the default time-to-live for cached bytes (24 hours).
	DefaultRedisTTL = 24 * time.Hour

	clearScanCount = 500
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379" or "redis://:password@host:6379/0")
	URL string

	// Prefix namespaces every key (defaults to "catimage:img")
	Prefix string

	// TTL is the time-to-live for cached bytes (defaults to 24 hours)
	TTL time.Duration
}

// RedisCache implements Store using Redis for distributed storage.
// This is suitable for multi-instance deployments sharing one encoded-bytes tier.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a new Redis-based store.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultRedisTTL
	}

	slog.Info("redis cache connected", "prefix", prefix, "ttl", ttl)

	return &RedisCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

func (c *RedisCache) redisKey(key core.Key) string {
	return c.prefix + ":" + HashKey(key)
}

// Get retrieves the bytes for key from Redis.
func (c *RedisCache) Get(ctx context.Context, key core.Key) ([]byte, error) {
	data, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.NewNotCachedError(key)
		}
		return nil, fmt.Errorf("failed to get cache from redis: %w", err)
	}
	return data, nil
}

// Set stores the bytes for key in Redis.
func (c *RedisCache) Set(ctx context.Context, key core.Key, data []byte) error {
	if err := c.client.Set(ctx, c.redisKey(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache in redis: %w", err)
	}
	return nil
}

// Clear deletes every key under the configured prefix.
func (c *RedisCache) Clear(ctx context.Context) error {
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+":*", clearScanCount).Result()
		if err != nil {
			return fmt.Errorf("failed to scan redis keys: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete redis keys: %w", err)
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	slog.Info("redis cache cleared", "prefix", c.prefix, "deleted", deleted)
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

var _ Store = (*RedisCache)(nil)
