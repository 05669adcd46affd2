// Package upstream owns the gateway's connection to one upstream MCP server.
// A Connector negotiates the wire transport, caches the tool catalogue and
// server capabilities, and exposes calls independent of wire format.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway/config"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/internal/telemetry"
	"github.com/ggoodman/mcp-gateway/mcp"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
)

var (
	// ErrNotConnected is returned by calls made before a successful Connect.
	ErrNotConnected = errors.New("upstream: not connected")
	// ErrUnsupported is returned when an operation cannot be carried by the
	// negotiated transport.
	ErrUnsupported = errors.New("upstream: unsupported on transport")
)

// AuthRequiredError reports that the upstream server needs the user to
// complete an authorization flow before the gateway can connect.
type AuthRequiredError struct {
	ServerID string
	URL      string
}

func (e *AuthRequiredError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("upstream %s requires authorization", e.ServerID)
	}
	return fmt.Sprintf("upstream %s requires authorization at %s", e.ServerID, e.URL)
}

// Status discriminates the outcome of Connect.
type Status int

const (
	StatusConnected Status = iota + 1
	// StatusNeedsAuth means the user must visit Result.AuthURL first.
	StatusNeedsAuth
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusNeedsAuth:
		return "needs_auth"
	}
	return "unknown"
}

// Result is the outcome of a Connect call that did not fail outright.
type Result struct {
	Status    Status
	Transport config.Transport
	SessionID string
	AuthURL   string
}

// Tool is an upstream tool definition. Definition is the upstream's JSON
// object exactly as reported.
type Tool struct {
	Name       string
	Definition json.RawMessage
}

// Option configures a Connector.
type Option func(*Connector)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Connector) { c.log = logctx.Wrap(l) }
}

// WithDialer replaces the SDK-backed dialer.
func WithDialer(d Dialer) Option {
	return func(c *Connector) { c.dialer = d }
}

// WithHTTPClient sets the base client used for upstream traffic.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Connector) { c.httpClient = hc }
}

// WithTokenProvider supplies per-user tokens for oauth_auto servers.
func WithTokenProvider(tp TokenProvider) Option {
	return func(c *Connector) { c.tokens = tp }
}

// WithAuthURL sets how authorization URLs are built for oauth_auto servers.
func WithAuthURL(fn AuthURLFunc) Option {
	return func(c *Connector) { c.authURL = fn }
}

// WithUserID names the user on whose behalf the connector connects.
func WithUserID(id string) Option {
	return func(c *Connector) { c.userID = id }
}

// WithPreferredTransport moves t to the front of the transport order when
// the configuration allows it. Restored sessions use it to retry the
// transport that worked before.
func WithPreferredTransport(t config.Transport) Option {
	return func(c *Connector) { c.preferred = t }
}

// WithTelemetry sets the instruments.
func WithTelemetry(inst *telemetry.Instruments) Option {
	return func(c *Connector) { c.tel = inst }
}

// Connector owns one live connection to one upstream server.
type Connector struct {
	cfg        *config.ServerConfig
	log        *slog.Logger
	dialer     Dialer
	httpClient *http.Client
	tokens     TokenProvider
	authURL    AuthURLFunc
	userID     string
	preferred  config.Transport
	tel        *telemetry.Instruments

	// connectMu serializes Connect; mu guards the fields below.
	connectMu sync.Mutex
	mu        sync.RWMutex
	conn      Conn
	transport config.Transport
	tools     []Tool
	init      json.RawMessage
	pending   string
}

// New returns a disconnected Connector for cfg.
func New(cfg *config.ServerConfig, opts ...Option) *Connector {
	c := &Connector{
		cfg:    cfg,
		log:    logctx.Wrap(slog.Default()),
		dialer: &SDKDialer{},
		userID: "anonymous",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the upstream connection, trying the primary transport
// and then the secondary. An authorization demand is reported as a
// StatusNeedsAuth result rather than an error. Connecting an already
// connected Connector is a no-op.
func (c *Connector) Connect(ctx context.Context) (res Result, err error) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.RLock()
	if c.conn != nil {
		res = Result{Status: StatusConnected, Transport: c.transport, SessionID: c.conn.SessionID()}
		c.mu.RUnlock()
		return res, nil
	}
	c.mu.RUnlock()

	ctx, span := c.tel.Start(ctx, "upstream.connect",
		attribute.String(telemetry.AttrServerID, c.cfg.ID),
		attribute.String("mcpgw.auth_type", string(c.cfg.AuthType)),
	)
	defer func() { telemetry.End(span, err) }()

	var ts oauth2.TokenSource
	switch c.cfg.AuthType {
	case config.AuthOAuthAuto:
		if c.tokens == nil {
			return c.needsAuth(ctx)
		}
		src, terr := c.tokens.TokenSource(ctx, c.userID, c.cfg.WorkspaceID, c.cfg.ID)
		if errors.Is(terr, ErrNoUpstreamToken) {
			return c.needsAuth(ctx)
		}
		if terr != nil {
			return Result{}, fmt.Errorf("upstream token: %w", terr)
		}
		ts = src
	case config.AuthOAuthClientCredentials:
		ts = clientCredentialsSource(ctx, c.cfg.Credentials, c.httpClient)
	}
	client, obs := buildHTTPClient(c.httpClient, c.cfg.Headers, ts)

	var errs []error
	for i, t := range c.order() {
		start := time.Now()
		obs.reset()
		conn, derr := c.dialer.Dial(ctx, t, c.cfg.URL, client)
		if derr == nil {
			derr = c.adopt(ctx, t, conn)
		}
		if derr == nil {
			c.tel.UpstreamConnect(ctx, c.cfg.ID, string(t), "ok")
			c.log.InfoContext(ctx, "upstream.connect.ok",
				slog.String("server_id", c.cfg.ID),
				slog.String("transport", string(t)),
				slog.Int("tools", len(c.tools)),
				slog.Duration("dur", time.Since(start)),
			)
			return Result{Status: StatusConnected, Transport: t, SessionID: conn.SessionID()}, nil
		}

		unauthorized, challenge := obs.sawUnauthorized()
		if !unauthorized && GrantRejected(derr) {
			unauthorized, challenge = true, "refresh rejected"
		}
		if unauthorized && c.cfg.NeedsUserOAuth() {
			c.tel.UpstreamConnect(ctx, c.cfg.ID, string(t), "needs_auth")
			c.log.InfoContext(ctx, "upstream.connect.unauthorized",
				slog.String("server_id", c.cfg.ID),
				slog.String("challenge", challenge),
			)
			return c.needsAuth(ctx)
		}

		c.tel.UpstreamConnect(ctx, c.cfg.ID, string(t), "fail")
		c.log.WarnContext(ctx, "upstream.connect.fail",
			slog.String("server_id", c.cfg.ID),
			slog.String("transport", string(t)),
			slog.Int("attempt", i+1),
			slog.String("err", derr.Error()),
		)
		errs = append(errs, fmt.Errorf("%s: %w", t, derr))
	}
	return Result{}, fmt.Errorf("connect upstream %s: %w", c.cfg.ID, errors.Join(errs...))
}

// adopt fetches the tool catalogue over a fresh conn and installs it.
func (c *Connector) adopt(ctx context.Context, t config.Transport, conn Conn) error {
	tools, err := fetchTools(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("list tools: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.transport = t
	c.tools = tools
	c.init = conn.InitializeResult()
	c.pending = ""
	c.mu.Unlock()
	return nil
}

func (c *Connector) needsAuth(ctx context.Context) (Result, error) {
	if c.authURL == nil {
		return Result{}, &AuthRequiredError{ServerID: c.cfg.ID}
	}
	u, err := c.authURL(ctx, c.userID, c.cfg.WorkspaceID, c.cfg.ID)
	if err != nil {
		return Result{}, fmt.Errorf("build authorization url: %w", err)
	}
	c.mu.Lock()
	c.pending = u
	c.mu.Unlock()
	c.log.InfoContext(ctx, "upstream.connect.needs_auth", slog.String("server_id", c.cfg.ID))
	return Result{Status: StatusNeedsAuth, AuthURL: u}, nil
}

func (c *Connector) order() []config.Transport {
	order := c.cfg.Transport.Order()
	if c.preferred == "" || order[0] == c.preferred {
		return order
	}
	if i := slices.Index(order, c.preferred); i > 0 {
		return []config.Transport{order[i], order[0]}
	}
	return order
}

// fetchTools pages through tools/list. Servers that do not advertise tools
// yield an empty catalogue.
func fetchTools(ctx context.Context, conn Conn) ([]Tool, error) {
	var ir struct {
		Capabilities map[string]json.RawMessage `json:"capabilities"`
	}
	if err := json.Unmarshal(conn.InitializeResult(), &ir); err == nil && ir.Capabilities != nil {
		if _, ok := ir.Capabilities["tools"]; !ok {
			return []Tool{}, nil
		}
	}

	tools := []Tool{}
	cursor := ""
	for page := 0; page < 100; page++ {
		var params json.RawMessage
		if cursor != "" {
			params, _ = json.Marshal(map[string]string{"cursor": cursor})
		}
		raw, err := conn.Call(ctx, string(mcp.ToolsListMethod), params)
		if err != nil {
			return nil, err
		}
		var res mcp.ListToolsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("decode tools/list result: %w", err)
		}
		for _, def := range res.Tools {
			var named struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(def, &named); err != nil || named.Name == "" {
				continue
			}
			tools = append(tools, Tool{Name: named.Name, Definition: def})
		}
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	return tools, nil
}

// Connected reports whether a live upstream connection exists.
func (c *Connector) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// PendingAuthURL is the authorization URL captured by the last connect
// attempt that needed user authorization, or "".
func (c *Connector) PendingAuthURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pending
}

// Transport is the negotiated upstream transport, or "" when disconnected.
func (c *Connector) Transport() config.Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

// SessionID is the upstream-assigned session id, if any.
func (c *Connector) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.SessionID()
}

// Tools returns the catalogue cached at connect time.
func (c *Connector) Tools() ([]Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return slices.Clone(c.tools), nil
}

// Tool looks up one tool in the cached catalogue.
func (c *Connector) Tool(name string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// InitializeResult is the upstream's initialize result cached at connect.
func (c *Connector) InitializeResult() (*mcp.InitializeResult, error) {
	c.mu.RLock()
	raw := c.init
	c.mu.RUnlock()
	if raw == nil {
		return nil, ErrNotConnected
	}
	var ir mcp.InitializeResult
	if err := json.Unmarshal(raw, &ir); err != nil {
		return nil, fmt.Errorf("decode upstream initialize result: %w", err)
	}
	return &ir, nil
}

// CallTool invokes a tool upstream and returns its raw result.
func (c *Connector) CallTool(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	return c.Call(ctx, string(mcp.ToolsCallMethod), params)
}

// Call performs any request upstream. Upstream JSON-RPC errors are returned
// as *jsonrpc.Error so they can be relayed unchanged.
func (c *Connector) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	return conn.Call(ctx, method, params)
}

// Relay sends a client response or notification upstream unchanged.
func (c *Connector) Relay(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	return conn.Relay(ctx, msg)
}

func (c *Connector) current() (Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Close tears down the upstream connection. The cached catalogue is
// discarded; a later Connect fetches it again.
func (c *Connector) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.transport = ""
	c.tools = nil
	c.init = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
