package upstream

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/ggoodman/mcp-gateway/config"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrNoUpstreamToken is returned by a TokenProvider when the user has not
// yet authorized the gateway against the upstream server.
var ErrNoUpstreamToken = errors.New("upstream: no token for user")

// TokenProvider supplies per-user upstream OAuth tokens for servers whose
// auth type is oauth_auto. Returned sources may refresh on their own.
type TokenProvider interface {
	TokenSource(ctx context.Context, userID, workspaceID, serverID string) (oauth2.TokenSource, error)
}

// AuthURLFunc returns the URL a user visits to authorize the gateway against
// an upstream server on behalf of userID.
type AuthURLFunc func(ctx context.Context, userID, workspaceID, serverID string) (string, error)

// headerTransport injects static headers into every upstream request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) == 0 {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		r.Header.Set(k, v)
	}
	return t.base.RoundTrip(r)
}

// GrantRejected reports whether err carries a token endpoint's refusal of a
// stored grant, such as invalid_grant for a revoked refresh token. Server
// errors from the token endpoint are not refusals.
func GrantRejected(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		return false
	}
	return re.Response.StatusCode >= 400 && re.Response.StatusCode < 500
}

// statusObserver remembers whether the upstream ever answered 401, or the
// token source failed to refresh a rejected grant. Either is how a connect
// failure is told apart from an authorization demand.
type statusObserver struct {
	base http.RoundTripper

	mu           sync.Mutex
	unauthorized bool
	challenge    string
}

func (t *statusObserver) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	switch {
	case err != nil && GrantRejected(err):
		t.mu.Lock()
		t.unauthorized = true
		t.challenge = "refresh rejected"
		t.mu.Unlock()
	case err == nil && resp.StatusCode == http.StatusUnauthorized:
		t.mu.Lock()
		t.unauthorized = true
		t.challenge = resp.Header.Get("WWW-Authenticate")
		t.mu.Unlock()
	}
	return resp, err
}

func (t *statusObserver) sawUnauthorized() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unauthorized, t.challenge
}

func (t *statusObserver) reset() {
	t.mu.Lock()
	t.unauthorized = false
	t.challenge = ""
	t.mu.Unlock()
}

// buildHTTPClient layers header injection, OAuth bearer injection and 401
// observation over base.
func buildHTTPClient(base *http.Client, headers map[string]string, ts oauth2.TokenSource) (*http.Client, *statusObserver) {
	rt := http.DefaultTransport
	if base != nil && base.Transport != nil {
		rt = base.Transport
	}
	rt = &headerTransport{base: rt, headers: headers}
	if ts != nil {
		rt = &oauth2.Transport{Source: ts, Base: rt}
	}
	obs := &statusObserver{base: rt}

	out := &http.Client{Transport: obs}
	if base != nil {
		out.Timeout = base.Timeout
		out.CheckRedirect = base.CheckRedirect
		out.Jar = base.Jar
	}
	return out, obs
}

// clientCredentialsSource builds a refreshing token source for the
// oauth_client_credentials auth type. Token fetches use base for transport.
func clientCredentialsSource(ctx context.Context, cc *config.ClientCredentials, base *http.Client) oauth2.TokenSource {
	cfg := &clientcredentials.Config{
		ClientID:     cc.ClientID,
		ClientSecret: cc.ClientSecret,
		TokenURL:     cc.TokenURL,
		Scopes:       cc.Scopes,
	}
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	return cfg.TokenSource(context.WithoutCancel(ctx))
}
