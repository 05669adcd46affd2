// Package storage defines the namespaced key-value cache with TTL that backs
// gateway session metadata and OAuth state.
package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Namespace partitions the key space of a Cache.
type Namespace string

// Namespaces used by the gateway.
const (
	NamespaceSessions           Namespace = "sessions"
	NamespaceClients            Namespace = "clients"
	NamespaceTokens             Namespace = "tokens"
	NamespaceRefreshTokens      Namespace = "refresh_tokens"
	NamespaceAuthorizationCodes Namespace = "authorization_codes"
	NamespaceClientInfo         Namespace = "client_info"
	NamespaceIntrospection      Namespace = "introspection"
	NamespaceUpstreamTokens     Namespace = "upstream_tokens"
	NamespaceUpstreamFlows      Namespace = "upstream_flows"
)

// Cache is a namespaced key-value store with per-entry TTL.
type Cache interface {
	// Get returns the live item stored under (ns, key), or nil when the key is
	// absent or expired. An error is returned only for backend failures.
	Get(ctx context.Context, ns Namespace, key string) (*Item, error)

	// Set stores data under (ns, key), replacing any previous value.
	Set(ctx context.Context, ns Namespace, key string, data []byte, opts ...Option) error

	// Take atomically reads and removes the item stored under (ns, key). At
	// most one concurrent caller observes a non-nil item.
	Take(ctx context.Context, ns Namespace, key string) (*Item, error)

	// Delete removes (ns, key). Deleting a missing key is not an error.
	Delete(ctx context.Context, ns Namespace, key string) error

	// Keys lists the live keys of a namespace.
	Keys(ctx context.Context, ns Namespace) ([]string, error)

	// Stats reports hit, miss and expiry counters.
	Stats() Stats

	Close() error
}

// Item is a stored value with its metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// IsExpired reports whether the item has passed its expiry.
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Option configures a Set call.
type Option func(*Options)

// Options holds per-call settings.
type Options struct {
	TTL *time.Duration
}

// WithTTL sets a time-to-live for the stored data.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

// ApplyOptions folds opts into an Options value and validates it.
func ApplyOptions(opts ...Option) (*Options, error) {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.TTL != nil && *o.TTL <= 0 {
		return nil, ErrInvalidOptions
	}
	return o, nil
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Expired uint64 `json:"expired"`
}

// Counters is embedded by backends to track Stats.
type Counters struct {
	hits    atomic.Uint64
	misses  atomic.Uint64
	expired atomic.Uint64
}

func (c *Counters) Hit()    { c.hits.Add(1) }
func (c *Counters) Miss()   { c.misses.Add(1) }
func (c *Counters) Expire() { c.expired.Add(1) }
func (c *Counters) Snapshot() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Expired: c.expired.Load()}
}

var (
	// ErrInvalidOptions is returned when an option carries an unusable value.
	ErrInvalidOptions = errors.New("storage: invalid option combination")
	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("storage: closed")
)
