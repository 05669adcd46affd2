package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway/config"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/storage"
)

// Record is the persisted form of a session.
type Record struct {
	ID                    string               `json:"id"`
	ServerID              string               `json:"serverId"`
	WorkspaceID           string               `json:"workspaceId"`
	UserID                string               `json:"userId,omitempty"`
	CreatedAt             time.Time            `json:"createdAt"`
	LastActivity          time.Time            `json:"lastActivity"`
	TransportCapabilities TransportPair        `json:"transportCapabilities"`
	ClientTransportType   config.Transport     `json:"clientTransportType,omitempty"`
	TokenExpiresAt        *time.Time           `json:"tokenExpiresAt,omitempty"`
	UpstreamSessionID     string               `json:"upstreamSessionId,omitempty"`
	Config                *config.ServerConfig `json:"config"`
}

// Stats counts sessions by tier.
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Dormant int `json:"dormant"`
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMaxAge sets the TTL of persisted records. Default 24h.
func WithMaxAge(d time.Duration) StoreOption {
	return func(st *Store) { st.maxAge = d }
}

// WithIdleTimeout sets how long a session may sit unused before it is
// evicted to dormant. Default 30m.
func WithIdleTimeout(d time.Duration) StoreOption {
	return func(st *Store) { st.idleTimeout = d }
}

// WithSweepInterval sets the cleanup period. Default 1m.
func WithSweepInterval(d time.Duration) StoreOption {
	return func(st *Store) { st.sweepInterval = d }
}

func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(st *Store) { st.log = logctx.Wrap(l) }
}

// WithResolver makes restores pick up the current server configuration,
// falling back to the persisted copy when resolution fails.
func WithResolver(r config.Resolver) StoreOption {
	return func(st *Store) { st.resolver = r }
}

// WithSessionOptions sets options applied to restored sessions.
func WithSessionOptions(opts ...Option) StoreOption {
	return func(st *Store) { st.sessionOpts = append(st.sessionOpts, opts...) }
}

// Store keeps active sessions in memory and every session's metadata in a
// storage.Cache. Sessions found only in the cache are dormant and are
// restored on access.
type Store struct {
	cache         storage.Cache
	log           *slog.Logger
	resolver      config.Resolver
	sessionOpts   []Option
	maxAge        time.Duration
	idleTimeout   time.Duration
	sweepInterval time.Duration

	mu     sync.RWMutex
	active map[string]*Session

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewStore returns a store over cache.
func NewStore(cache storage.Cache, opts ...StoreOption) *Store {
	st := &Store{
		cache:         cache,
		log:           logctx.Wrap(nil),
		maxAge:        24 * time.Hour,
		idleTimeout:   30 * time.Minute,
		sweepInterval: time.Minute,
		active:        make(map[string]*Session),
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// Get returns the session for id. A session present only in the cache is
// restored in StateDormant and must pass InitializeOrRestore before serving
// requests. Unknown ids yield ErrSessionNotFound.
func (st *Store) Get(ctx context.Context, id string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.active[id]
	st.mu.RUnlock()
	if ok {
		if s.State() == StateClosed {
			return nil, ErrSessionNotFound
		}
		if expired(s.TokenExpiresAt(), time.Now()) {
			_ = s.Close(ctx)
			return nil, ErrSessionNotFound
		}
		s.touch()
		st.persist(ctx, s)
		return s, nil
	}

	rec, err := st.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrSessionNotFound
	}
	if expired(rec.TokenExpiresAt, time.Now()) {
		_ = st.cache.Delete(ctx, storage.NamespaceSessions, id)
		return nil, ErrSessionNotFound
	}

	cfg := rec.Config
	if st.resolver != nil {
		if fresh, rerr := st.resolver.Resolve(ctx, rec.WorkspaceID, rec.ServerID); rerr == nil {
			cfg = fresh
		} else if errors.Is(rerr, config.ErrServerNotFound) {
			_ = st.cache.Delete(ctx, storage.NamespaceSessions, id)
			return nil, ErrSessionNotFound
		}
	}
	if cfg == nil {
		return nil, fmt.Errorf("session %s: record carries no server config", id)
	}

	restored := restore(rec, cfg, st.sessionOpts...)

	st.mu.Lock()
	if existing, ok := st.active[id]; ok {
		// Another caller restored it first.
		st.mu.Unlock()
		return existing, nil
	}
	restored.store = st
	st.active[id] = restored
	st.mu.Unlock()

	st.persist(ctx, restored)
	st.log.InfoContext(restored.logContext(ctx), "session.store.restored")
	return restored, nil
}

// Set registers s as active and persists its metadata immediately.
func (st *Store) Set(ctx context.Context, s *Session) error {
	s.mu.Lock()
	s.store = st
	s.mu.Unlock()

	st.mu.Lock()
	st.active[s.ID()] = s
	st.mu.Unlock()

	return st.save(ctx, s)
}

// Delete removes id from both tiers and closes the in-memory session, if
// any.
func (st *Store) Delete(ctx context.Context, id string) error {
	st.mu.Lock()
	s := st.active[id]
	delete(st.active, id)
	st.mu.Unlock()
	if s != nil {
		s.mu.Lock()
		s.store = nil
		s.mu.Unlock()
		_ = s.Close(ctx)
	}
	return st.cache.Delete(ctx, storage.NamespaceSessions, id)
}

// forget is called by Session.Close.
func (st *Store) forget(ctx context.Context, id string) {
	st.mu.Lock()
	delete(st.active, id)
	st.mu.Unlock()
	if err := st.cache.Delete(ctx, storage.NamespaceSessions, id); err != nil {
		st.log.WarnContext(ctx, "session.store.delete.fail", slog.String("err", err.Error()))
	}
}

// persist is a best-effort save. Failures are logged; the session simply
// becomes unrestorable earlier.
func (st *Store) persist(ctx context.Context, s *Session) {
	if err := st.save(ctx, s); err != nil {
		st.log.WarnContext(s.logContext(ctx), "session.store.persist.fail", slog.String("err", err.Error()))
	}
}

func (st *Store) save(ctx context.Context, s *Session) error {
	if s.State() == StateClosed {
		return nil
	}
	b, err := json.Marshal(s.Record())
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}
	return st.cache.Set(ctx, storage.NamespaceSessions, s.ID(), b, storage.WithTTL(st.maxAge))
}

func (st *Store) load(ctx context.Context, id string) (*Record, error) {
	it, err := st.cache.Get(ctx, storage.NamespaceSessions, id)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if it == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(it.Data, &rec); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &rec, nil
}

// Stats counts sessions. Active counts in-memory sessions able to serve
// traffic; every other known session is dormant.
func (st *Store) Stats(ctx context.Context) (Stats, error) {
	keys, err := st.cache.Keys(ctx, storage.NamespaceSessions)
	if err != nil {
		return Stats{}, err
	}
	known := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		known[k] = struct{}{}
	}

	var out Stats
	st.mu.RLock()
	for id, s := range st.active {
		known[id] = struct{}{}
		if s.IsActive() {
			out.Active++
		}
	}
	st.mu.RUnlock()
	out.Total = len(known)
	out.Dormant = out.Total - out.Active
	return out, nil
}

// Start runs periodic cleanup until Stop is called or ctx ends.
func (st *Store) Start(ctx context.Context) {
	if st.sweepInterval <= 0 {
		return
	}
	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		ticker := time.NewTicker(st.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st.Sweep(ctx)
			case <-st.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the cleanup loop and suspends every active session. Persisted
// records are kept so sessions can be restored after a restart.
func (st *Store) Stop() {
	st.stopOnce.Do(func() { close(st.stop) })
	st.wg.Wait()

	st.mu.Lock()
	sessions := make([]*Session, 0, len(st.active))
	for _, s := range st.active {
		sessions = append(sessions, s)
	}
	st.active = make(map[string]*Session)
	st.mu.Unlock()
	for _, s := range sessions {
		st.persist(context.Background(), s)
		s.suspend()
	}
}

// Sweep deletes sessions whose token has expired, then evicts idle
// sessions without token expiry to dormant. It returns the number of
// sessions deleted and evicted.
func (st *Store) Sweep(ctx context.Context) (deleted, evicted int) {
	now := time.Now()

	st.mu.RLock()
	sessions := make([]*Session, 0, len(st.active))
	for _, s := range st.active {
		sessions = append(sessions, s)
	}
	st.mu.RUnlock()

	var idle []*Session
	for _, s := range sessions {
		exp := s.TokenExpiresAt()
		switch {
		case expired(exp, now):
			_ = s.Close(ctx)
			deleted++
		case exp == nil && st.idleTimeout > 0 && now.Sub(s.LastActivity()) > st.idleTimeout:
			idle = append(idle, s)
		}
	}

	keys, err := st.cache.Keys(ctx, storage.NamespaceSessions)
	if err != nil {
		st.log.WarnContext(ctx, "session.store.sweep.fail", slog.String("err", err.Error()))
	}
	for _, id := range keys {
		st.mu.RLock()
		_, live := st.active[id]
		st.mu.RUnlock()
		if live {
			continue
		}
		rec, err := st.load(ctx, id)
		if err != nil || rec == nil {
			continue
		}
		if expired(rec.TokenExpiresAt, now) {
			_ = st.cache.Delete(ctx, storage.NamespaceSessions, id)
			deleted++
		}
	}

	for _, s := range idle {
		st.mu.Lock()
		if st.active[s.ID()] == s {
			delete(st.active, s.ID())
		}
		st.mu.Unlock()
		st.persist(ctx, s)
		s.suspend()
		evicted++
	}

	if deleted > 0 || evicted > 0 {
		st.log.InfoContext(ctx, "session.store.sweep", slog.Int("deleted", deleted), slog.Int("evicted", evicted))
	}
	return deleted, evicted
}

func expired(t *time.Time, now time.Time) bool {
	return t != nil && now.After(*t)
}
