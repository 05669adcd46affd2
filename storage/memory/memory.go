// Package memory provides an in-process storage.Cache backed by
// github.com/hashicorp/golang-lru/v2 with per-entry TTL.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxItems bounds the cache when New is given a non-positive size.
const DefaultMaxItems = 100_000

// Cache implements storage.Cache in memory. Entries beyond the size bound
// are evicted least-recently-used first.
type Cache struct {
	storage.Counters

	mu     sync.Mutex
	cache  *lru.Cache[string, *storage.Item]
	stop   chan struct{}
	closed bool
}

// Option configures a memory Cache.
type Option func(*options)

type options struct {
	sweepInterval time.Duration
}

// WithSweepInterval sets how often expired entries are purged in the
// background. Zero disables the sweeper; expired entries are still hidden
// from readers.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// New creates a memory cache holding at most maxItems entries.
func New(maxItems int, opts ...Option) (*Cache, error) {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	o := options{sweepInterval: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}

	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	c := &Cache{cache: cache, stop: make(chan struct{})}
	if o.sweepInterval > 0 {
		go c.sweep(o.sweepInterval)
	}
	return c, nil
}

func (c *Cache) Get(ctx context.Context, ns storage.Namespace, key string) (*storage.Item, error) {
	k := buildKey(ns, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, storage.ErrClosed
	}

	item, ok := c.cache.Get(k)
	if !ok {
		c.Miss()
		return nil, nil
	}
	if item.IsExpired() {
		c.cache.Remove(k)
		c.Expire()
		c.Miss()
		return nil, nil
	}
	c.Hit()
	return cloneItem(item), nil
}

func (c *Cache) Set(ctx context.Context, ns storage.Namespace, key string, data []byte, opts ...storage.Option) error {
	o, err := storage.ApplyOptions(opts...)
	if err != nil {
		return err
	}

	now := time.Now()
	item := &storage.Item{Data: append([]byte(nil), data...), CreatedAt: now}
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		item.ExpiresAt = &exp
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return storage.ErrClosed
	}
	c.cache.Add(buildKey(ns, key), item)
	return nil
}

func (c *Cache) Take(ctx context.Context, ns storage.Namespace, key string) (*storage.Item, error) {
	k := buildKey(ns, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, storage.ErrClosed
	}

	item, ok := c.cache.Peek(k)
	if !ok {
		c.Miss()
		return nil, nil
	}
	c.cache.Remove(k)
	if item.IsExpired() {
		c.Expire()
		c.Miss()
		return nil, nil
	}
	c.Hit()
	return item, nil
}

func (c *Cache) Delete(ctx context.Context, ns storage.Namespace, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return storage.ErrClosed
	}
	c.cache.Remove(buildKey(ns, key))
	return nil
}

func (c *Cache) Keys(ctx context.Context, ns storage.Namespace) ([]string, error) {
	prefix := buildKey(ns, "")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, storage.ErrClosed
	}

	var out []string
	for _, k := range c.cache.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if item, ok := c.cache.Peek(k); ok && !item.IsExpired() {
			out = append(out, k[len(prefix):])
		}
	}
	return out, nil
}

func (c *Cache) Stats() storage.Stats { return c.Snapshot() }

// Len reports the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.stop)
	c.cache.Purge()
	return nil
}

// buildKey flattens a namespaced key. Namespaces never contain '|'.
func buildKey(ns storage.Namespace, key string) string {
	return string(ns) + "|" + key
}

func cloneItem(it *storage.Item) *storage.Item {
	out := *it
	out.Data = append([]byte(nil), it.Data...)
	return &out
}

func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		now := time.Now()
		for _, k := range c.cache.Keys() {
			if item, ok := c.cache.Peek(k); ok && item.ExpiresAt != nil && now.After(*item.ExpiresAt) {
				c.cache.Remove(k)
				c.Expire()
			}
		}
		c.mu.Unlock()
	}
}

var _ storage.Cache = (*Cache)(nil)
