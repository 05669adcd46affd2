// Package session binds client-facing transports to upstream connectors. A
// Session owns the lifecycle state machine and the message router; a Store
// keeps sessions across idle periods and process restarts.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway/config"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/internal/telemetry"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/upstream"
)

// DefaultInitTimeout bounds how long a caller waits on another caller's
// initialization.
const DefaultInitTimeout = 30 * time.Second

// Upstream is the connector surface a Session depends on.
// *upstream.Connector satisfies it.
type Upstream interface {
	Connect(ctx context.Context) (upstream.Result, error)
	Connected() bool
	PendingAuthURL() string
	Transport() config.Transport
	SessionID() string
	Tools() ([]upstream.Tool, error)
	Tool(name string) (upstream.Tool, bool)
	InitializeResult() (*mcp.InitializeResult, error)
	CallTool(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
	Relay(ctx context.Context, msg *jsonrpc.AnyMessage) error
	Close() error
}

// UpstreamFactory builds the connector for a session. preferred is the
// upstream transport that worked before a restore, or "".
type UpstreamFactory func(cfg *config.ServerConfig, userID string, preferred config.Transport) Upstream

// DefaultUpstreamFactory builds SDK-backed connectors with no upstream
// OAuth support.
func DefaultUpstreamFactory(cfg *config.ServerConfig, userID string, preferred config.Transport) Upstream {
	return upstream.New(cfg, upstream.WithUserID(userID), upstream.WithPreferredTransport(preferred))
}

// TransportPair records the negotiated client and upstream transports.
type TransportPair struct {
	Client   config.Transport `json:"client"`
	Upstream config.Transport `json:"upstream"`
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = logctx.Wrap(l) }
}

func WithTelemetry(inst *telemetry.Instruments) Option {
	return func(s *Session) { s.tel = inst }
}

// WithUserID names the authenticated user. Per-user upstream tokens are
// looked up under it.
func WithUserID(id string) Option {
	return func(s *Session) { s.userID = id }
}

// WithTokenExpiry ties the session's lifetime to a gateway access token.
// When set it takes precedence over the idle timeout.
func WithTokenExpiry(t time.Time) Option {
	return func(s *Session) { s.tokenExpiresAt = &t }
}

func WithUpstreamFactory(f UpstreamFactory) Option {
	return func(s *Session) { s.factory = f }
}

// WithInitTimeout overrides DefaultInitTimeout.
func WithInitTimeout(d time.Duration) Option {
	return func(s *Session) { s.initTimeout = d }
}

// Session binds one downstream transport to one upstream connector.
type Session struct {
	id          string
	cfg         *config.ServerConfig
	userID      string
	createdAt   time.Time
	log         *slog.Logger
	tel         *telemetry.Instruments
	factory     UpstreamFactory
	initTimeout time.Duration
	policy      *toolPolicy

	mu                sync.Mutex
	state             State
	lastActivity      time.Time
	tokenExpiresAt    *time.Time
	transports        TransportPair
	upstreamSessionID string
	upstream          Upstream
	downstream        Downstream
	initDone          chan struct{}
	initErr           error
	store             *Store
}

// New returns a session in StateNew.
func New(id string, cfg *config.ServerConfig, opts ...Option) *Session {
	now := time.Now()
	s := &Session{
		id:           id,
		cfg:          cfg,
		userID:       "anonymous",
		createdAt:    now,
		lastActivity: now,
		log:          logctx.Wrap(nil),
		factory:      DefaultUpstreamFactory,
		initTimeout:  DefaultInitTimeout,
		policy:       newToolPolicy(cfg.Tools),
		state:        StateNew,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upstream = s.factory(cfg, s.userID, "")
	return s
}

// restore rebuilds a Dormant session from its persisted record.
func restore(rec *Record, cfg *config.ServerConfig, opts ...Option) *Session {
	s := &Session{
		id:                rec.ID,
		cfg:               cfg,
		userID:            rec.UserID,
		createdAt:         rec.CreatedAt,
		lastActivity:      time.Now(),
		log:               logctx.Wrap(nil),
		factory:           DefaultUpstreamFactory,
		initTimeout:       DefaultInitTimeout,
		policy:            newToolPolicy(cfg.Tools),
		state:             StateDormant,
		tokenExpiresAt:    rec.TokenExpiresAt,
		transports:        rec.TransportCapabilities,
		upstreamSessionID: rec.UpstreamSessionID,
	}
	if s.userID == "" {
		s.userID = "anonymous"
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upstream = s.factory(cfg, s.userID, rec.TransportCapabilities.Upstream)
	return s
}

func (s *Session) ID() string                   { return s.id }
func (s *Session) Config() *config.ServerConfig { return s.cfg }
func (s *Session) UserID() string               { return s.userID }
func (s *Session) CreatedAt() time.Time         { return s.createdAt }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) TokenExpiresAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenExpiresAt
}

// Transports returns the negotiated transport pair.
func (s *Session) Transports() TransportPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transports
}

// Downstream returns the bound client transport, or nil.
func (s *Session) Downstream() Downstream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downstream
}

// PendingAuthURL is the upstream authorization URL the user must visit
// before this session can reach its upstream server, or "".
func (s *Session) PendingAuthURL() string { return s.upstream.PendingAuthURL() }

// IsActive reports whether the session can serve requests right now.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActive && s.downstream != nil && s.upstream.Connected()
}

// SetTokenExpiry updates the token-based expiry, for example when a client
// presents a fresh access token on an existing session.
func (s *Session) SetTokenExpiry(t time.Time) {
	s.mu.Lock()
	s.tokenExpiresAt = &t
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) logContext(ctx context.Context) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:   s.id,
		UserID:      s.userID,
		WorkspaceID: s.cfg.WorkspaceID,
		ServerID:    s.cfg.ID,
		Transport:   string(s.Transports().Client),
	})
}

// InitializeOrRestore readies the session for traffic from a client using
// the given transport variant and returns the bound downstream transport.
//
// An Active session returns its existing transport. While another caller is
// initializing, InitializeOrRestore waits for that attempt, bounded by the
// init timeout; a timed-out wait closes the session. A Closed session fails
// with ErrSessionClosed. New and Dormant sessions are initialized.
//
// When the upstream demands user authorization the transport is still
// bound, the session stays New and upstream-dependent requests fail with an
// authorization-required error until a later attempt succeeds.
func (s *Session) InitializeOrRestore(ctx context.Context, kind config.Transport) (Downstream, error) {
	ctx = s.logContext(ctx)
	for {
		s.mu.Lock()
		switch s.state {
		case StateClosed:
			s.mu.Unlock()
			return nil, ErrSessionClosed

		case StateActive:
			if s.downstream != nil && s.upstream.Connected() {
				d := s.downstream
				s.mu.Unlock()
				return d, nil
			}
			// The upstream went away underneath us. Start over.
			s.state = StateNew

		case StateInitializing:
			done := s.initDone
			s.mu.Unlock()
			timer := time.NewTimer(s.initTimeout)
			select {
			case <-done:
				timer.Stop()
				s.mu.Lock()
				err, st, d := s.initErr, s.state, s.downstream
				s.mu.Unlock()
				switch {
				case st == StateClosed:
					return nil, ErrSessionClosed
				case err != nil:
					return nil, err
				case d != nil && d.Kind() == kind:
					return d, nil
				}
				continue
			case <-timer.C:
				s.log.WarnContext(ctx, "session.initialize.wait_timeout", slog.Duration("timeout", s.initTimeout))
				_ = s.Close(ctx)
				return nil, ErrInitializeTimeout
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}

		prev := s.state
		s.state = StateInitializing
		s.initDone = make(chan struct{})
		s.initErr = nil
		done := s.initDone
		s.mu.Unlock()

		d, err := s.initialize(ctx, kind, prev)

		s.mu.Lock()
		s.initErr = err
		close(done)
		s.mu.Unlock()
		return d, err
	}
}

func (s *Session) initialize(ctx context.Context, kind config.Transport, prev State) (d Downstream, err error) {
	ctx, span := s.tel.Start(ctx, "session.initialize")
	defer func() { telemetry.End(span, err) }()
	start := time.Now()

	res, err := s.upstream.Connect(ctx)
	if err != nil {
		s.mu.Lock()
		if s.state == StateInitializing {
			s.state = StateNew
		}
		s.mu.Unlock()
		s.tel.InitFailed(ctx, s.cfg.ID)
		s.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return nil, err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = s.upstream.Close()
		return nil, ErrSessionClosed
	}
	d = s.downstream
	if d == nil || d.Kind() != kind {
		if d != nil {
			_ = d.Close()
		}
		d = newDownstream(kind)
		d.OnMessage(s.routeFrom(d))
		s.downstream = d
	}
	s.transports.Client = kind

	if res.Status == upstream.StatusNeedsAuth {
		s.state = StateNew
		s.mu.Unlock()
		s.log.InfoContext(ctx, "session.initialize.needs_auth")
		return d, nil
	}

	if s.upstreamSessionID != "" && s.upstreamSessionID != res.SessionID {
		s.log.InfoContext(ctx, "session.upstream.replaced",
			slog.String("prior_transport", string(s.transports.Upstream)),
			slog.String("transport", string(res.Transport)),
		)
	}
	s.transports.Upstream = res.Transport
	s.upstreamSessionID = res.SessionID
	s.state = StateActive
	s.lastActivity = time.Now()
	store := s.store
	s.mu.Unlock()

	s.tel.SessionOpened(ctx, s.cfg.ID, prev == StateDormant)
	s.log.InfoContext(ctx, "session.initialize.ok",
		slog.String("upstream_transport", string(res.Transport)),
		slog.Bool("restored", prev == StateDormant),
		slog.Duration("dur", time.Since(start)),
	)
	if store != nil {
		store.persist(ctx, s)
	}
	return d, nil
}

// Close tears down both transports and removes the session from its store.
// Closing twice is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	d := s.downstream
	s.downstream = nil
	store := s.store
	s.mu.Unlock()

	if d != nil {
		_ = d.Close()
	}
	err := s.upstream.Close()
	if store != nil {
		store.forget(ctx, s.id)
	}
	s.tel.SessionClosed(ctx, s.cfg.ID)
	s.log.InfoContext(s.logContext(ctx), "session.closed")
	return err
}

// suspend drops live connections but keeps the session restorable.
func (s *Session) suspend() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateDormant
	d := s.downstream
	s.downstream = nil
	s.mu.Unlock()
	if d != nil {
		_ = d.Close()
	}
	_ = s.upstream.Close()
}

// Record returns the persisted form of the session.
func (s *Session) Record() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Record{
		ID:                    s.id,
		ServerID:              s.cfg.ID,
		WorkspaceID:           s.cfg.WorkspaceID,
		UserID:                s.userID,
		CreatedAt:             s.createdAt,
		LastActivity:          s.lastActivity,
		TransportCapabilities: s.transports,
		ClientTransportType:   s.transports.Client,
		TokenExpiresAt:        s.tokenExpiresAt,
		UpstreamSessionID:     s.upstreamSessionID,
		Config:                s.cfg,
	}
}
