// Package redis provides a storage.Cache backed by Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/mcp-gateway/storage"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis cache.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix is prepended to every Redis key.
	// Default: "mcpgw:"
	KeyPrefix string
}

// Cache implements storage.Cache using Redis. Expiry is enforced both by the
// Redis key TTL and by the stored expiry timestamp.
type Cache struct {
	storage.Counters

	client    *redis.Client
	keyPrefix string
}

// storedItem is the JSON document kept under each Redis key.
type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a Redis-backed cache.
func New(config Config) (*Cache, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "mcpgw:"
	}
	return &Cache{client: config.Client, keyPrefix: config.KeyPrefix}, nil
}

func (c *Cache) Get(ctx context.Context, ns storage.Namespace, key string) (*storage.Item, error) {
	redisKey := c.buildKey(ns, key)

	val, err := c.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.Miss()
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", redisKey, err)
	}
	return c.decode(ctx, redisKey, val, true)
}

func (c *Cache) Set(ctx context.Context, ns storage.Namespace, key string, data []byte, opts ...storage.Option) error {
	o, err := storage.ApplyOptions(opts...)
	if err != nil {
		return err
	}
	redisKey := c.buildKey(ns, key)

	now := time.Now()
	item := storedItem{Data: data, CreatedAt: now}
	var redisTTL time.Duration
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		item.ExpiresAt = &exp
		redisTTL = *o.TTL
	}

	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal storage item: %w", err)
	}
	if err := c.client.Set(ctx, redisKey, b, redisTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", redisKey, err)
	}
	return nil
}

func (c *Cache) Take(ctx context.Context, ns storage.Namespace, key string) (*storage.Item, error) {
	redisKey := c.buildKey(ns, key)

	val, err := c.client.GetDel(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.Miss()
			return nil, nil
		}
		return nil, fmt.Errorf("failed to take key %s: %w", redisKey, err)
	}
	return c.decode(ctx, redisKey, val, false)
}

func (c *Cache) Delete(ctx context.Context, ns storage.Namespace, key string) error {
	redisKey := c.buildKey(ns, key)
	if err := c.client.Del(ctx, redisKey).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", redisKey, err)
	}
	return nil
}

func (c *Cache) Keys(ctx context.Context, ns storage.Namespace) ([]string, error) {
	prefix := c.buildKey(ns, "")
	keys, err := c.scanKeys(ctx, prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to scan keys for namespace %s: %w", ns, err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, prefix))
	}
	return out, nil
}

func (c *Cache) Stats() storage.Stats { return c.Snapshot() }

func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) decode(ctx context.Context, redisKey string, val []byte, cleanup bool) (*storage.Item, error) {
	var stored storedItem
	if err := json.Unmarshal(val, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored data: %w", err)
	}
	item := &storage.Item{Data: stored.Data, CreatedAt: stored.CreatedAt, ExpiresAt: stored.ExpiresAt}
	if item.IsExpired() {
		if cleanup {
			c.client.Del(ctx, redisKey)
		}
		c.Expire()
		c.Miss()
		return nil, nil
	}
	c.Hit()
	return item, nil
}

func (c *Cache) buildKey(ns storage.Namespace, key string) string {
	return c.keyPrefix + string(ns) + ":" + key
}

// scanKeys uses SCAN to find all keys matching a pattern.
func (c *Cache) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

var _ storage.Cache = (*Cache)(nil)
