// Package oauth implements the gateway's OAuth 2.1 authorization server and
// the client side of OAuth against upstream MCP servers that require user
// authorization.
package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-gateway/config"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/internal/telemetry"
	"github.com/ggoodman/mcp-gateway/storage"
	"golang.org/x/oauth2"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultAccessTokenTTL   = time.Hour
	DefaultRefreshTokenTTL  = 30 * 24 * time.Hour
	DefaultCodeTTL          = 10 * time.Minute
	DefaultFlowTTL          = 10 * time.Minute
	DefaultUpstreamTokenTTL = 90 * 24 * time.Hour
	DefaultSweepInterval    = time.Minute
	DefaultScope            = "mcp:*"
)

// Config holds the authorization server settings.
type Config struct {
	// Issuer is the externally reachable base URL of the gateway.
	Issuer string

	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	CodeTTL          time.Duration
	FlowTTL          time.Duration
	UpstreamTokenTTL time.Duration
	SweepInterval    time.Duration

	// DefaultScope is granted to registered clients that do not ask for one.
	DefaultScope string

	// AllowPKCEPlain accepts code_challenge_method=plain for legacy clients.
	AllowPKCEPlain bool

	// EncryptionKey, when set, encrypts upstream tokens at rest.
	EncryptionKey string

	// UserHeader names the request header carrying the authenticated user on
	// browser-facing endpoints. Requests without it act as "anonymous".
	UserHeader string
}

func (c *Config) applyDefaults() {
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = DefaultCodeTTL
	}
	if c.FlowTTL <= 0 {
		c.FlowTTL = DefaultFlowTTL
	}
	if c.UpstreamTokenTTL <= 0 {
		c.UpstreamTokenTTL = DefaultUpstreamTokenTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.DefaultScope == "" {
		c.DefaultScope = DefaultScope
	}
	if c.UserHeader == "" {
		c.UserHeader = "X-Gateway-User"
	}
	c.Issuer = strings.TrimRight(c.Issuer, "/")
}

// ControlPlane introspects tokens the gateway did not issue. It returns
// (nil, nil) for tokens it does not recognize as active.
type ControlPlane interface {
	Introspect(ctx context.Context, token string) (*Introspection, error)
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.log = logctx.Wrap(l) }
}

func WithTelemetry(inst *telemetry.Instruments) Option {
	return func(g *Gateway) { g.tel = inst }
}

// WithControlPlane delegates introspection of unknown tokens.
func WithControlPlane(cp ControlPlane) Option {
	return func(g *Gateway) { g.controlPlane = cp }
}

// WithResolver lets the gateway look up upstream servers for the consent
// page and the upstream OAuth handshake.
func WithResolver(r config.Resolver) Option {
	return func(g *Gateway) { g.resolver = r }
}

// WithHTTPClient sets the client used for upstream discovery, registration
// and token exchange.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *Gateway) { g.httpClient = hc }
}

// WithConsentRenderer replaces the built-in consent page.
func WithConsentRenderer(r ConsentRenderer) Option {
	return func(g *Gateway) { g.renderer = r }
}

// Gateway is the OAuth authorization server for gateway clients and the
// OAuth client for upstream servers.
type Gateway struct {
	cfg          Config
	cache        storage.Cache
	log          *slog.Logger
	tel          *telemetry.Instruments
	controlPlane ControlPlane
	resolver     config.Resolver
	httpClient   *http.Client
	renderer     ConsentRenderer
	sealer       *sealer
	now          func() time.Time

	// refreshMu serializes read-modify-write of refresh token records.
	refreshMu sync.Mutex

	// started is set by the first Start or Stop; whichever wins owns done.
	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a Gateway backed by cache.
func New(cfg Config, cache storage.Cache, opts ...Option) (*Gateway, error) {
	cfg.applyDefaults()
	s, err := newSealer(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("oauth: encryption key: %w", err)
	}
	g := &Gateway{
		cfg:        cfg,
		cache:      cache,
		log:        logctx.Wrap(slog.Default()),
		httpClient: http.DefaultClient,
		renderer:   defaultConsent{},
		sealer:     s,
		now:        time.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Issuer returns the configured issuer URL.
func (g *Gateway) Issuer() string { return g.cfg.Issuer }

// Start runs the expiry sweep until ctx is done or Stop is called.
func (g *Gateway) Start(ctx context.Context) {
	if !g.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(g.done)
		t := time.NewTicker(g.cfg.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stop:
				return
			case <-t.C:
				if n, err := g.Sweep(ctx); err != nil {
					g.log.WarnContext(ctx, "oauth.sweep.fail", slog.String("err", err.Error()))
				} else if n > 0 {
					g.log.DebugContext(ctx, "oauth.sweep.ok", slog.Int("deleted", n))
				}
			}
		}
	}()
}

// Stop ends the sweep started by Start and waits for it to exit.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
	if g.started.CompareAndSwap(false, true) {
		close(g.done)
	}
	select {
	case <-g.done:
	case <-time.After(5 * time.Second):
	}
}

// Sweep deletes expired tokens and prunes refresh tokens' lists of minted
// access tokens that no longer exist. It returns the number of deleted
// records.
func (g *Gateway) Sweep(ctx context.Context) (int, error) {
	deleted := 0
	now := g.now()

	keys, err := g.cache.Keys(ctx, storage.NamespaceTokens)
	if err != nil {
		return 0, fmt.Errorf("list tokens: %w", err)
	}
	for _, k := range keys {
		var at accessToken
		ok, err := g.getJSON(ctx, storage.NamespaceTokens, k, &at)
		if err != nil || !ok {
			continue
		}
		if at.expired(now) {
			if err := g.cache.Delete(ctx, storage.NamespaceTokens, k); err == nil {
				deleted++
			}
		}
	}

	keys, err = g.cache.Keys(ctx, storage.NamespaceRefreshTokens)
	if err != nil {
		return deleted, fmt.Errorf("list refresh tokens: %w", err)
	}
	for _, k := range keys {
		n, err := g.sweepRefresh(ctx, k, now)
		if err != nil {
			return deleted, err
		}
		deleted += n
	}

	keys, err = g.cache.Keys(ctx, storage.NamespaceIntrospection)
	if err != nil {
		return deleted, fmt.Errorf("list introspection cache: %w", err)
	}
	for _, k := range keys {
		var in Introspection
		ok, err := g.getJSON(ctx, storage.NamespaceIntrospection, k, &in)
		if err != nil || !ok {
			continue
		}
		if in.Exp != 0 && now.Unix() >= in.Exp {
			if err := g.cache.Delete(ctx, storage.NamespaceIntrospection, k); err == nil {
				deleted++
			}
		}
	}
	return deleted, nil
}

func (g *Gateway) sweepRefresh(ctx context.Context, key string, now time.Time) (int, error) {
	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()

	var rt refreshToken
	ok, err := g.getJSON(ctx, storage.NamespaceRefreshTokens, key, &rt)
	if err != nil || !ok {
		return 0, nil
	}
	if rt.expired(now) {
		n := g.deleteAccessTokens(ctx, rt.AccessTokens)
		if err := g.cache.Delete(ctx, storage.NamespaceRefreshTokens, key); err != nil {
			return n, fmt.Errorf("delete refresh token: %w", err)
		}
		return n + 1, nil
	}
	live := rt.AccessTokens[:0]
	for _, k := range rt.AccessTokens {
		it, err := g.cache.Get(ctx, storage.NamespaceTokens, k)
		if err == nil && it != nil {
			live = append(live, k)
		}
	}
	if len(live) == len(rt.AccessTokens) {
		return 0, nil
	}
	rt.AccessTokens = live
	return 0, g.putJSON(ctx, storage.NamespaceRefreshTokens, key, rt, rt.ExpiresAt.Sub(now))
}

func (g *Gateway) deleteAccessTokens(ctx context.Context, keys []string) int {
	n := 0
	for _, k := range keys {
		if err := g.cache.Delete(ctx, storage.NamespaceTokens, k); err == nil {
			n++
		}
	}
	return n
}

// tokenKey is the storage key for a bearer credential. Raw token values are
// never used as keys.
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// newToken returns a fresh opaque credential with 256 bits of entropy.
func newToken() string {
	return oauth2.GenerateVerifier()
}

func (g *Gateway) getJSON(ctx context.Context, ns storage.Namespace, key string, v any) (bool, error) {
	it, err := g.cache.Get(ctx, ns, key)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", ns, err)
	}
	if it == nil {
		return false, nil
	}
	if err := json.Unmarshal(it.Data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", ns, err)
	}
	return true, nil
}

func (g *Gateway) takeJSON(ctx context.Context, ns storage.Namespace, key string, v any) (bool, error) {
	it, err := g.cache.Take(ctx, ns, key)
	if err != nil {
		return false, fmt.Errorf("take %s: %w", ns, err)
	}
	if it == nil {
		return false, nil
	}
	if err := json.Unmarshal(it.Data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", ns, err)
	}
	return true, nil
}

func (g *Gateway) putJSON(ctx context.Context, ns storage.Namespace, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ns, err)
	}
	var opts []storage.Option
	if ttl > 0 {
		opts = append(opts, storage.WithTTL(ttl))
	} else if ttl < 0 {
		return nil
	}
	if err := g.cache.Set(ctx, ns, key, b, opts...); err != nil {
		return fmt.Errorf("write %s: %w", ns, err)
	}
	return nil
}

// serverError wraps a backend failure so callers see server_error while
// logs keep the cause.
func (g *Gateway) serverError(ctx context.Context, event string, err error) error {
	g.log.ErrorContext(ctx, event, slog.String("err", err.Error()))
	return errors.Join(&Error{Code: CodeServerError, Description: "internal error"}, err)
}
