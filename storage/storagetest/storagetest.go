// Package storagetest holds a conformance suite for storage.Cache backends.
package storagetest

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/storage"
)

// CacheFactory creates a fresh, empty cache for one subtest.
type CacheFactory func(t *testing.T) storage.Cache

// Run executes the complete Cache test suite against caches built by factory.
func Run(t *testing.T, factory CacheFactory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaceIsolation(t, factory) })
	t.Run("TTLExpiry", func(t *testing.T) { testTTLExpiry(t, factory) })
	t.Run("InvalidTTL", func(t *testing.T) { testInvalidTTL(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("TakeIsSingleUse", func(t *testing.T) { testTakeSingleUse(t, factory) })
	t.Run("TakeConcurrent", func(t *testing.T) { testTakeConcurrent(t, factory) })
	t.Run("Keys", func(t *testing.T) { testKeys(t, factory) })
	t.Run("Stats", func(t *testing.T) { testStats(t, factory) })
}

func testSetAndGet(t *testing.T, factory CacheFactory) {
	c := factory(t)
	ctx := context.Background()

	if err := c.Set(ctx, storage.NamespaceSessions, "k1", []byte("v1")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	item, err := c.Get(ctx, storage.NamespaceSessions, "k1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if item == nil {
		t.Fatal("expected item, got nil")
	}
	if want, got := []byte("v1"), item.Data; !bytes.Equal(want, got) {
		t.Fatalf("unexpected data: want %q, got %q", want, got)
	}
	if item.ExpiresAt != nil {
		t.Fatalf("expected no expiry, got %v", item.ExpiresAt)
	}

	if err := c.Set(ctx, storage.NamespaceSessions, "k1", []byte("v2")); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	item, _ = c.Get(ctx, storage.NamespaceSessions, "k1")
	if item == nil || string(item.Data) != "v2" {
		t.Fatalf("expected overwritten value v2, got %+v", item)
	}
}

func testGetMissing(t *testing.T, factory CacheFactory) {
	c := factory(t)
	item, err := c.Get(context.Background(), storage.NamespaceTokens, "nope")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item, got %+v", item)
	}
}

func testNamespaceIsolation(t *testing.T, factory CacheFactory) {
	c := factory(t)
	ctx := context.Background()

	_ = c.Set(ctx, storage.NamespaceTokens, "same", []byte("token"))
	_ = c.Set(ctx, storage.NamespaceRefreshTokens, "same", []byte("refresh"))

	a, _ := c.Get(ctx, storage.NamespaceTokens, "same")
	b, _ := c.Get(ctx, storage.NamespaceRefreshTokens, "same")
	if a == nil || b == nil {
		t.Fatalf("expected both items, got %v and %v", a, b)
	}
	if string(a.Data) != "token" || string(b.Data) != "refresh" {
		t.Fatalf("namespaces leaked: %q / %q", a.Data, b.Data)
	}
}

func testTTLExpiry(t *testing.T, factory CacheFactory) {
	c := factory(t)
	ctx := context.Background()

	if err := c.Set(ctx, storage.NamespaceAuthorizationCodes, "code", []byte("x"), storage.WithTTL(100*time.Millisecond)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	item, _ := c.Get(ctx, storage.NamespaceAuthorizationCodes, "code")
	if item == nil || item.ExpiresAt == nil {
		t.Fatalf("expected item with expiry, got %+v", item)
	}

	time.Sleep(1100 * time.Millisecond)

	item, err := c.Get(ctx, storage.NamespaceAuthorizationCodes, "code")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if item != nil {
		t.Fatalf("expected expired item to be gone, got %+v", item)
	}
}

func testInvalidTTL(t *testing.T, factory CacheFactory) {
	c := factory(t)
	if err := c.Set(context.Background(), storage.NamespaceTokens, "k", []byte("v"), storage.WithTTL(-time.Second)); err == nil {
		t.Fatal("expected error for negative TTL")
	}
}

func testDelete(t *testing.T, factory CacheFactory) {
	c := factory(t)
	ctx := context.Background()

	_ = c.Set(ctx, storage.NamespaceClients, "k", []byte("v"))
	if err := c.Delete(ctx, storage.NamespaceClients, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if item, _ := c.Get(ctx, storage.NamespaceClients, "k"); item != nil {
		t.Fatalf("expected deleted item to be gone, got %+v", item)
	}
	if err := c.Delete(ctx, storage.NamespaceClients, "k"); err != nil {
		t.Fatalf("deleting a missing key should not fail: %v", err)
	}
}

func testTakeSingleUse(t *testing.T, factory CacheFactory) {
	c := factory(t)
	ctx := context.Background()

	_ = c.Set(ctx, storage.NamespaceAuthorizationCodes, "code", []byte("grant"), storage.WithTTL(time.Minute))

	first, err := c.Take(ctx, storage.NamespaceAuthorizationCodes, "code")
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	if first == nil || string(first.Data) != "grant" {
		t.Fatalf("unexpected first take: %+v", first)
	}
	second, err := c.Take(ctx, storage.NamespaceAuthorizationCodes, "code")
	if err != nil {
		t.Fatalf("second Take failed: %v", err)
	}
	if second != nil {
		t.Fatalf("expected second take to miss, got %+v", second)
	}
}

func testTakeConcurrent(t *testing.T, factory CacheFactory) {
	c := factory(t)
	ctx := context.Background()

	_ = c.Set(ctx, storage.NamespaceAuthorizationCodes, "race", []byte("grant"), storage.WithTTL(time.Minute))

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := c.Take(ctx, storage.NamespaceAuthorizationCodes, "race")
			if err == nil && item != nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if want, got := int32(1), winners.Load(); want != got {
		t.Fatalf("unexpected number of successful takes: want %d, got %d", want, got)
	}
}

func testKeys(t *testing.T, factory CacheFactory) {
	c := factory(t)
	ctx := context.Background()

	_ = c.Set(ctx, storage.NamespaceSessions, "a", []byte("1"))
	_ = c.Set(ctx, storage.NamespaceSessions, "b", []byte("2"))
	_ = c.Set(ctx, storage.NamespaceTokens, "c", []byte("3"))

	keys, err := c.Keys(ctx, storage.NamespaceSessions)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func testStats(t *testing.T, factory CacheFactory) {
	c := factory(t)
	ctx := context.Background()

	before := c.Stats()
	_ = c.Set(ctx, storage.NamespaceIntrospection, "k", []byte("v"))
	_, _ = c.Get(ctx, storage.NamespaceIntrospection, "k")
	_, _ = c.Get(ctx, storage.NamespaceIntrospection, "missing")
	after := c.Stats()

	if after.Hits-before.Hits != 1 {
		t.Errorf("unexpected hit delta: want 1, got %d", after.Hits-before.Hits)
	}
	if after.Misses-before.Misses != 1 {
		t.Errorf("unexpected miss delta: want 1, got %d", after.Misses-before.Misses)
	}
}
