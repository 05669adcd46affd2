package memory

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/storage"
	"github.com/ggoodman/mcp-gateway/storage/storagetest"
)

func TestMemoryCache(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Cache {
		c, err := New(1000)
		if err != nil {
			t.Fatalf("Failed to create memory cache: %v", err)
		}
		t.Cleanup(func() { _ = c.Close() })
		return c
	})
}

func TestSweepCountsExpired(t *testing.T) {
	c, err := New(10, WithSweepInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("Failed to create memory cache: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	_ = c.Set(ctx, storage.NamespaceTokens, "t", []byte("x"), storage.WithTTL(10*time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for c.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.Len() != 0 {
		t.Fatalf("expected sweeper to purge expired entry, %d left", c.Len())
	}
	if got := c.Stats().Expired; got != 1 {
		t.Fatalf("unexpected expired count: want 1, got %d", got)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := New(2, WithSweepInterval(0))
	if err != nil {
		t.Fatalf("Failed to create memory cache: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	_ = c.Set(ctx, storage.NamespaceSessions, "a", []byte("1"))
	_ = c.Set(ctx, storage.NamespaceSessions, "b", []byte("2"))
	_, _ = c.Get(ctx, storage.NamespaceSessions, "a")
	_ = c.Set(ctx, storage.NamespaceSessions, "c", []byte("3"))

	if item, _ := c.Get(ctx, storage.NamespaceSessions, "b"); item != nil {
		t.Fatalf("expected b to be evicted, got %+v", item)
	}
	if item, _ := c.Get(ctx, storage.NamespaceSessions, "a"); item == nil {
		t.Fatal("expected a to survive eviction")
	}
}

func TestClosedCacheRejectsOperations(t *testing.T) {
	c, err := New(10)
	if err != nil {
		t.Fatalf("Failed to create memory cache: %v", err)
	}
	_ = c.Close()

	if err := c.Set(context.Background(), storage.NamespaceTokens, "k", []byte("v")); err != storage.ErrClosed {
		t.Fatalf("unexpected error: want %v, got %v", storage.ErrClosed, err)
	}
}
