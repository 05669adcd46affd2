package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ggoodman/mcp-gateway/config"
	"github.com/ggoodman/mcp-gateway/internal/wellknown"
	"github.com/ggoodman/mcp-gateway/storage"
	"github.com/ggoodman/mcp-gateway/upstream"
	"golang.org/x/oauth2"
)

// Upstream handshake endpoints, relative to the issuer.
const (
	UpstreamStartPath    = "/oauth/upstream/start"
	UpstreamCallbackPath = "/oauth/upstream/callback"
)

// upstreamTicket binds a start link to the user it was issued for.
type upstreamTicket struct {
	UserID      string `json:"user_id"`
	WorkspaceID string `json:"workspace_id"`
	ServerID    string `json:"server_id"`
	ReturnTo    string `json:"return_to,omitempty"`
}

// upstreamClient is the gateway's client registration at an upstream
// authorization server.
type upstreamClient struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty"`
	AuthURL      string   `json:"auth_url"`
	TokenURL     string   `json:"token_url"`
	Scopes       []string `json:"scopes,omitempty"`
}

func (c *upstreamClient) oauth2Config(redirect string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  redirect,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthURL,
			TokenURL: c.TokenURL,
		},
	}
}

// upstreamFlow is the state-bound record of one authorization round trip.
type upstreamFlow struct {
	upstreamTicket
	Verifier string         `json:"verifier"`
	Client   upstreamClient `json:"client"`
	Resource string         `json:"resource"`
}

// upstreamToken is a stored upstream grant for (user, workspace, server).
type upstreamToken struct {
	Token  *oauth2.Token  `json:"token"`
	Client upstreamClient `json:"client"`
}

func ticketKey(ticket string) string { return "ticket:" + tokenKey(ticket) }
func flowKey(state string) string    { return "flow:" + tokenKey(state) }

func upstreamTokenKey(userID, workspaceID, serverID string) string {
	return url.PathEscape(userID) + "/" + url.PathEscape(workspaceID) + "/" + url.PathEscape(serverID)
}

func upstreamClientKey(workspaceID, serverID string) string {
	return "upstream/" + url.PathEscape(workspaceID) + "/" + url.PathEscape(serverID)
}

// UpstreamAuthURL returns a single-use link that starts the upstream
// handshake for userID. It satisfies upstream.AuthURLFunc.
func (g *Gateway) UpstreamAuthURL(ctx context.Context, userID, workspaceID, serverID string) (string, error) {
	return g.upstreamAuthURL(ctx, upstreamTicket{UserID: userID, WorkspaceID: workspaceID, ServerID: serverID})
}

func (g *Gateway) upstreamAuthURL(ctx context.Context, t upstreamTicket) (string, error) {
	ticket := newToken()
	if err := g.putJSON(ctx, storage.NamespaceUpstreamFlows, ticketKey(ticket), t, g.cfg.FlowTTL); err != nil {
		return "", err
	}
	return g.cfg.Issuer + UpstreamStartPath + "?" + url.Values{"ticket": {ticket}}.Encode(), nil
}

// BeginUpstream redeems a start ticket and returns the upstream authorization
// URL the user agent should be sent to.
func (g *Gateway) BeginUpstream(ctx context.Context, ticket string) (string, error) {
	var t upstreamTicket
	ok, err := g.takeJSON(ctx, storage.NamespaceUpstreamFlows, ticketKey(ticket), &t)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrUnknownFlow
	}
	if g.resolver == nil {
		return "", errors.New("oauth: no server resolver configured")
	}
	srv, err := g.resolver.Resolve(ctx, t.WorkspaceID, t.ServerID)
	if err != nil {
		return "", fmt.Errorf("resolve server: %w", err)
	}
	client, err := g.upstreamClient(ctx, srv)
	if err != nil {
		return "", err
	}

	state := newToken()
	flow := upstreamFlow{
		upstreamTicket: t,
		Verifier:       oauth2.GenerateVerifier(),
		Client:         *client,
		Resource:       srv.URL,
	}
	b, err := json.Marshal(flow)
	if err != nil {
		return "", err
	}
	sealed, err := g.sealer.seal(b, []byte(flowKey(state)))
	if err != nil {
		return "", err
	}
	if err := g.cache.Set(ctx, storage.NamespaceUpstreamFlows, flowKey(state), sealed, storage.WithTTL(g.cfg.FlowTTL)); err != nil {
		return "", fmt.Errorf("store flow: %w", err)
	}

	g.log.InfoContext(ctx, "oauth.upstream.start",
		slog.String("server_id", t.ServerID),
		slog.String("workspace_id", t.WorkspaceID))
	return client.oauth2Config(g.callbackURL()).AuthCodeURL(state,
		oauth2.S256ChallengeOption(flow.Verifier),
		oauth2.SetAuthURLParam("resource", srv.URL),
	), nil
}

// CompleteUpstream resolves the round trip for state, exchanges code for an
// upstream token and stores it for the user. It returns the page to send the
// user agent to afterwards, or "" when there is none.
func (g *Gateway) CompleteUpstream(ctx context.Context, state, code string) (string, error) {
	it, err := g.cache.Take(ctx, storage.NamespaceUpstreamFlows, flowKey(state))
	if err != nil {
		return "", fmt.Errorf("take flow: %w", err)
	}
	if it == nil {
		return "", ErrUnknownFlow
	}
	b, err := g.sealer.open(it.Data, []byte(flowKey(state)))
	if err != nil {
		return "", err
	}
	var flow upstreamFlow
	if err := json.Unmarshal(b, &flow); err != nil {
		return "", fmt.Errorf("decode flow: %w", err)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	tok, err := flow.Client.oauth2Config(g.callbackURL()).Exchange(ctx, code,
		oauth2.VerifierOption(flow.Verifier),
		oauth2.SetAuthURLParam("resource", flow.Resource),
	)
	if err != nil {
		g.log.WarnContext(ctx, "oauth.upstream.exchange.fail",
			slog.String("server_id", flow.ServerID),
			slog.String("err", err.Error()))
		return "", fmt.Errorf("exchange upstream code: %w", err)
	}
	if err := g.storeUpstreamToken(ctx, flow.UserID, flow.WorkspaceID, flow.ServerID, upstreamToken{Token: tok, Client: flow.Client}); err != nil {
		return "", err
	}
	g.log.InfoContext(ctx, "oauth.upstream.exchange.ok",
		slog.String("server_id", flow.ServerID),
		slog.String("workspace_id", flow.WorkspaceID))
	return flow.ReturnTo, nil
}

func (g *Gateway) callbackURL() string { return g.cfg.Issuer + UpstreamCallbackPath }

// upstreamClient returns the gateway's registration at the upstream's
// authorization server, discovering and registering on first use.
func (g *Gateway) upstreamClient(ctx context.Context, srv *config.ServerConfig) (*upstreamClient, error) {
	key := upstreamClientKey(srv.WorkspaceID, srv.ID)
	it, err := g.cache.Get(ctx, storage.NamespaceClientInfo, key)
	if err != nil {
		return nil, fmt.Errorf("read upstream client: %w", err)
	}
	if it != nil {
		b, err := g.sealer.open(it.Data, []byte(key))
		if err == nil {
			var c upstreamClient
			if err := json.Unmarshal(b, &c); err == nil {
				return &c, nil
			}
		}
	}

	md, err := g.discover(ctx, srv.URL)
	if err != nil {
		return nil, err
	}
	if md.AuthorizationEndpoint == "" {
		return nil, fmt.Errorf("upstream %s: authorization server has no authorization_endpoint", srv.ID)
	}
	c := &upstreamClient{
		AuthURL:  md.AuthorizationEndpoint,
		TokenURL: md.TokenEndpoint,
		Scopes:   srv.OAuthScopes,
	}
	if cc := srv.Credentials; cc != nil && cc.ClientID != "" {
		c.ClientID, c.ClientSecret = cc.ClientID, cc.ClientSecret
		if cc.TokenURL != "" {
			c.TokenURL = cc.TokenURL
		}
	} else {
		if md.RegistrationEndpoint == "" {
			return nil, fmt.Errorf("upstream %s: no client configured and dynamic registration is not supported", srv.ID)
		}
		if err := g.registerUpstream(ctx, md.RegistrationEndpoint, c); err != nil {
			return nil, err
		}
	}

	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	sealed, err := g.sealer.seal(b, []byte(key))
	if err != nil {
		return nil, err
	}
	if err := g.cache.Set(ctx, storage.NamespaceClientInfo, key, sealed); err != nil {
		return nil, fmt.Errorf("store upstream client: %w", err)
	}
	return c, nil
}

// discover finds the authorization server for resource through RFC 9728,
// falling back to the resource origin.
func (g *Gateway) discover(ctx context.Context, resource string) (*wellknown.AuthServerMetadata, error) {
	issuer := ""
	prm, err := wellknown.FetchProtectedResource(ctx, g.httpClient, resource)
	if err == nil && len(prm.AuthorizationServers) > 0 {
		issuer = prm.AuthorizationServers[0]
	} else {
		u, perr := url.Parse(resource)
		if perr != nil {
			return nil, fmt.Errorf("parse upstream url: %w", perr)
		}
		issuer = u.Scheme + "://" + u.Host
	}
	md, err := wellknown.FetchAuthServer(ctx, g.httpClient, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover authorization server %s: %w", issuer, err)
	}
	return md, nil
}

func (g *Gateway) registerUpstream(ctx context.Context, endpoint string, c *upstreamClient) error {
	body, err := json.Marshal(RegistrationRequest{
		ClientName:              "mcp-gateway",
		RedirectURIs:            []string{g.callbackURL()},
		GrantTypes:              []string{GrantAuthorizationCode, GrantRefreshToken},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: AuthMethodNone,
		Scope:                   strings.Join(c.Scopes, " "),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("register with upstream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("register with upstream: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out RegistrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode upstream registration: %w", err)
	}
	if out.ClientID == "" {
		return errors.New("upstream registration returned no client_id")
	}
	c.ClientID, c.ClientSecret = out.ClientID, out.ClientSecret
	g.log.InfoContext(ctx, "oauth.upstream.register.ok", slog.String("endpoint", endpoint))
	return nil
}

func (g *Gateway) storeUpstreamToken(ctx context.Context, userID, workspaceID, serverID string, t upstreamToken) error {
	key := upstreamTokenKey(userID, workspaceID, serverID)
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	sealed, err := g.sealer.seal(b, []byte(key))
	if err != nil {
		return err
	}
	if err := g.cache.Set(ctx, storage.NamespaceUpstreamTokens, key, sealed, storage.WithTTL(g.cfg.UpstreamTokenTTL)); err != nil {
		return fmt.Errorf("store upstream token: %w", err)
	}
	return nil
}

func (g *Gateway) loadUpstreamToken(ctx context.Context, userID, workspaceID, serverID string) (*upstreamToken, error) {
	key := upstreamTokenKey(userID, workspaceID, serverID)
	it, err := g.cache.Get(ctx, storage.NamespaceUpstreamTokens, key)
	if err != nil {
		return nil, fmt.Errorf("read upstream token: %w", err)
	}
	if it == nil {
		return nil, nil
	}
	b, err := g.sealer.open(it.Data, []byte(key))
	if err != nil {
		return nil, err
	}
	var t upstreamToken
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decode upstream token: %w", err)
	}
	return &t, nil
}

// HasUpstreamToken reports whether userID holds a usable upstream grant.
func (g *Gateway) HasUpstreamToken(ctx context.Context, userID, workspaceID, serverID string) bool {
	t, err := g.loadUpstreamToken(ctx, userID, workspaceID, serverID)
	if err != nil || t == nil || t.Token == nil {
		return false
	}
	return t.Token.Valid() || t.Token.RefreshToken != ""
}

// TokenSource returns a refreshing source over the stored upstream grant.
// Refreshed tokens are written back. It satisfies upstream.TokenProvider.
func (g *Gateway) TokenSource(ctx context.Context, userID, workspaceID, serverID string) (oauth2.TokenSource, error) {
	t, err := g.loadUpstreamToken(ctx, userID, workspaceID, serverID)
	if err != nil {
		return nil, err
	}
	if t == nil || t.Token == nil {
		return nil, upstream.ErrNoUpstreamToken
	}
	if !t.Token.Valid() && t.Token.RefreshToken == "" {
		return nil, upstream.ErrNoUpstreamToken
	}
	// The source outlives the connect call that asked for it.
	bg := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, g.httpClient)
	return &persistingSource{
		base: t.Client.oauth2Config(g.callbackURL()).TokenSource(bg, t.Token),
		last: t.Token.AccessToken,
		save: func(tok *oauth2.Token) {
			rec := upstreamToken{Token: tok, Client: t.Client}
			if err := g.storeUpstreamToken(bg, userID, workspaceID, serverID, rec); err != nil {
				g.log.WarnContext(bg, "oauth.upstream.refresh.store.fail", slog.String("err", err.Error()))
			}
		},
		drop: func() {
			g.log.InfoContext(bg, "oauth.upstream.refresh.rejected",
				slog.String("workspace_id", workspaceID),
				slog.String("server_id", serverID),
			)
			if err := g.DeleteUpstreamToken(bg, userID, workspaceID, serverID); err != nil {
				g.log.WarnContext(bg, "oauth.upstream.token.delete.fail", slog.String("err", err.Error()))
			}
		},
	}, nil
}

// persistingSource writes refreshed tokens back to the store and forgets
// the grant once the upstream refuses to refresh it.
type persistingSource struct {
	base oauth2.TokenSource
	save func(*oauth2.Token)
	drop func()

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		if upstream.GrantRejected(err) {
			s.drop()
		}
		return nil, err
	}
	s.mu.Lock()
	changed := tok.AccessToken != s.last
	s.last = tok.AccessToken
	s.mu.Unlock()
	if changed {
		s.save(tok)
	}
	return tok, nil
}

// DeleteUpstreamToken forgets a stored upstream grant.
func (g *Gateway) DeleteUpstreamToken(ctx context.Context, userID, workspaceID, serverID string) error {
	return g.cache.Delete(ctx, storage.NamespaceUpstreamTokens, upstreamTokenKey(userID, workspaceID, serverID))
}

var _ upstream.TokenProvider = (*Gateway)(nil)
