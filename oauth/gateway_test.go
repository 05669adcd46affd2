package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/internal/testlog"
	"github.com/ggoodman/mcp-gateway/storage"
	"github.com/ggoodman/mcp-gateway/storage/memory"
	"golang.org/x/oauth2"
)

const testRedirect = "http://localhost:9999/callback"

func newTestGateway(t *testing.T, opts ...Option) *Gateway {
	t.Helper()
	cache, err := memory.New(10000)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	opts = append([]Option{WithLogger(testlog.New(t))}, opts...)
	g, err := New(Config{Issuer: "https://gw.example/", AllowPKCEPlain: true}, cache, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func registerPublic(t *testing.T, g *Gateway) *RegistrationResponse {
	t.Helper()
	reg, err := g.Register(context.Background(), RegistrationRequest{
		ClientName:   "desktop",
		RedirectURIs: []string{testRedirect},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

func registerConfidential(t *testing.T, g *Gateway, grants ...string) *RegistrationResponse {
	t.Helper()
	req := RegistrationRequest{ClientName: "service", GrantTypes: grants, Scope: "mcp:*"}
	if len(grants) == 0 || contains(grants, GrantAuthorizationCode) {
		req.RedirectURIs = []string{testRedirect}
		req.TokenEndpointAuthMethod = AuthMethodClientSecretBasic
	}
	reg, err := g.Register(context.Background(), req)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.ClientSecret == "" {
		t.Fatalf("want a client secret for a confidential client")
	}
	return reg
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// authorize runs the consent approval for a PKCE request and returns the
// code from the redirect.
func authorize(t *testing.T, g *Gateway, clientID, challenge, method, user string) string {
	t.Helper()
	ctx := context.Background()
	req := AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            clientID,
		RedirectURI:         testRedirect,
		State:               "xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
	}
	client, err := g.ValidateAuthorize(ctx, req)
	if err != nil {
		t.Fatalf("ValidateAuthorize: %v", err)
	}
	loc, err := g.Approve(ctx, client, req, user)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	u, err := url.Parse(loc)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if got := u.Query().Get("state"); got != "xyz" {
		t.Fatalf("want state xyz, got %q", got)
	}
	code := u.Query().Get("code")
	if code == "" {
		t.Fatalf("redirect %q carries no code", loc)
	}
	return code
}

func TestClientCredentialsIntrospectAndExpiry(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	reg := registerConfidential(t, g, GrantClientCredentials)

	tok, err := g.Token(ctx, TokenRequest{
		GrantType:    GrantClientCredentials,
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
	})
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.ExpiresIn != 3600 || tok.TokenType != "Bearer" || tok.Scope != "mcp:*" {
		t.Fatalf("unexpected token response: %+v", tok)
	}
	if tok.RefreshToken != "" {
		t.Fatalf("client_credentials must not issue a refresh token")
	}

	in, err := g.Introspect(ctx, tok.AccessToken)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if !in.Active || in.ClientID != reg.ClientID || in.Scope != "mcp:*" {
		t.Fatalf("want active introspection, got %+v", in)
	}

	// Force exp into the past while leaving the record stored.
	key := tokenKey(tok.AccessToken)
	var at accessToken
	if ok, err := g.getJSON(ctx, storage.NamespaceTokens, key, &at); err != nil || !ok {
		t.Fatalf("stored token missing: ok=%v err=%v", ok, err)
	}
	at.ExpiresAt = time.Now().Add(-time.Minute)
	if err := g.putJSON(ctx, storage.NamespaceTokens, key, at, time.Hour); err != nil {
		t.Fatalf("putJSON: %v", err)
	}
	in, err = g.Introspect(ctx, tok.AccessToken)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if in.Active {
		t.Fatalf("want inactive after exp passed, got %+v", in)
	}
}

func TestClientCredentialsRejections(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	conf := registerConfidential(t, g, GrantClientCredentials)
	pub := registerPublic(t, g)

	tests := []struct {
		name string
		req  TokenRequest
		want string
	}{
		{"wrong secret", TokenRequest{GrantType: GrantClientCredentials, ClientID: conf.ClientID, ClientSecret: "nope"}, CodeInvalidClient},
		{"missing secret", TokenRequest{GrantType: GrantClientCredentials, ClientID: conf.ClientID}, CodeInvalidClient},
		{"unknown client", TokenRequest{GrantType: GrantClientCredentials, ClientID: "ghost", ClientSecret: "x"}, CodeInvalidClient},
		{"public client", TokenRequest{GrantType: GrantClientCredentials, ClientID: pub.ClientID}, CodeUnauthorizedClient},
		{"scope too wide", TokenRequest{GrantType: GrantClientCredentials, ClientID: conf.ClientID, ClientSecret: conf.ClientSecret, Scope: "admin"}, CodeInvalidScope},
		{"bad grant", TokenRequest{GrantType: "password"}, CodeUnsupportedGrantType},
		{"no grant", TokenRequest{}, CodeInvalidRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.Token(ctx, tc.req)
			var oe *Error
			if !errors.As(err, &oe) {
				t.Fatalf("want *Error, got %v", err)
			}
			if oe.Code != tc.want {
				t.Fatalf("want %s, got %s", tc.want, oe.Code)
			}
		})
	}
}

func TestAuthorizationCodeWithPKCE(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	reg := registerPublic(t, g)
	if reg.TokenEndpointAuthMethod != AuthMethodNone || reg.ClientSecret != "" {
		t.Fatalf("want a public client, got %+v", reg)
	}

	verifier := oauth2.GenerateVerifier()
	code := authorize(t, g, reg.ClientID, oauth2.S256ChallengeFromVerifier(verifier), PKCEMethodS256, "alice")

	req := TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: verifier,
		ClientID:     reg.ClientID,
	}
	tok, err := g.Token(ctx, req)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		t.Fatalf("want access and refresh tokens, got %+v", tok)
	}
	in, err := g.Introspect(ctx, tok.AccessToken)
	if err != nil || !in.Active || in.Subject != "alice" {
		t.Fatalf("want active token for alice, got %+v err=%v", in, err)
	}

	if _, err := g.Token(ctx, req); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("want invalid_grant on code replay, got %v", err)
	}
}

func TestAuthorizationCodeFailures(t *testing.T) {
	ctx := context.Background()
	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	tests := []struct {
		name   string
		mutate func(*TokenRequest)
		want   string
	}{
		{"wrong verifier", func(r *TokenRequest) { r.CodeVerifier = oauth2.GenerateVerifier() }, CodeInvalidGrant},
		{"short verifier", func(r *TokenRequest) { r.CodeVerifier = "short" }, CodeInvalidGrant},
		{"missing verifier", func(r *TokenRequest) { r.CodeVerifier = "" }, CodeInvalidGrant},
		{"redirect mismatch", func(r *TokenRequest) { r.RedirectURI = "http://localhost:1/other" }, CodeInvalidGrant},
		{"other client", func(r *TokenRequest) { r.ClientID = "someone-else" }, CodeInvalidGrant},
		{"unknown code", func(r *TokenRequest) { r.Code = "nope" }, CodeInvalidGrant},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := newTestGateway(t)
			reg := registerPublic(t, g)
			code := authorize(t, g, reg.ClientID, challenge, PKCEMethodS256, "alice")
			req := TokenRequest{
				GrantType:    GrantAuthorizationCode,
				Code:         code,
				RedirectURI:  testRedirect,
				CodeVerifier: verifier,
				ClientID:     reg.ClientID,
			}
			tc.mutate(&req)
			_, err := g.Token(ctx, req)
			var oe *Error
			if !errors.As(err, &oe) || oe.Code != tc.want {
				t.Fatalf("want %s, got %v", tc.want, err)
			}
		})
	}
}

func TestAuthorizationCodeExpired(t *testing.T) {
	g := newTestGateway(t)
	reg := registerPublic(t, g)
	verifier := oauth2.GenerateVerifier()
	code := authorize(t, g, reg.ClientID, oauth2.S256ChallengeFromVerifier(verifier), "", "alice")

	g.now = func() time.Time { return time.Now().Add(DefaultCodeTTL + time.Second) }
	_, err := g.Token(context.Background(), TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: verifier,
		ClientID:     reg.ClientID,
	})
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("want invalid_grant for an expired code, got %v", err)
	}
}

func TestPKCEPlainLegacy(t *testing.T) {
	g := newTestGateway(t)
	reg := registerPublic(t, g)
	verifier := oauth2.GenerateVerifier()
	code := authorize(t, g, reg.ClientID, verifier, PKCEMethodPlain, "bob")
	_, err := g.Token(context.Background(), TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: verifier,
		ClientID:     reg.ClientID,
	})
	if err != nil {
		t.Fatalf("plain PKCE exchange: %v", err)
	}

	g.cfg.AllowPKCEPlain = false
	_, err = g.ValidateAuthorize(context.Background(), AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            reg.ClientID,
		RedirectURI:         testRedirect,
		CodeChallenge:       verifier,
		CodeChallengeMethod: PKCEMethodPlain,
	})
	var re *RedirectError
	if !errors.As(err, &re) || re.Err.Code != CodeInvalidRequest {
		t.Fatalf("want redirected invalid_request when plain is disabled, got %v", err)
	}
}

func TestPublicClientWithoutChallenge(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	reg := registerPublic(t, g)
	req := AuthorizeRequest{ResponseType: "code", ClientID: reg.ClientID, RedirectURI: testRedirect, State: "s1"}

	_, err := g.ValidateAuthorize(ctx, req)
	var re *RedirectError
	if !errors.As(err, &re) {
		t.Fatalf("want *RedirectError, got %v", err)
	}
	loc, _ := url.Parse(re.Location())
	if loc.Query().Get("error") != CodeInvalidRequest || loc.Query().Get("state") != "s1" {
		t.Fatalf("unexpected error redirect %q", re.Location())
	}

	// A code minted without a challenge still cannot be exchanged by a
	// public client.
	client, err := g.client(ctx, reg.ClientID)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	locStr, err := g.Approve(ctx, client, req, "alice")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	u, _ := url.Parse(locStr)
	_, err = g.Token(ctx, TokenRequest{
		GrantType:   GrantAuthorizationCode,
		Code:        u.Query().Get("code"),
		RedirectURI: testRedirect,
		ClientID:    reg.ClientID,
	})
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("want invalid_grant without PKCE, got %v", err)
	}
}

func TestValidateAuthorizeUntrustedRedirect(t *testing.T) {
	g := newTestGateway(t)
	reg := registerPublic(t, g)
	_, err := g.ValidateAuthorize(context.Background(), AuthorizeRequest{
		ResponseType:  "code",
		ClientID:      reg.ClientID,
		RedirectURI:   "https://evil.example/cb",
		CodeChallenge: "abc",
	})
	var re *RedirectError
	if errors.As(err, &re) {
		t.Fatalf("must not redirect to an unregistered uri")
	}
	var oe *Error
	if !errors.As(err, &oe) || oe.Code != CodeInvalidRequest {
		t.Fatalf("want invalid_request, got %v", err)
	}
}

func TestConfidentialCodeFlowRequiresSecret(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	reg := registerConfidential(t, g)
	code := authorize(t, g, reg.ClientID, "", "", "carol")

	req := TokenRequest{GrantType: GrantAuthorizationCode, Code: code, RedirectURI: testRedirect, ClientID: reg.ClientID}
	if _, err := g.Token(ctx, req); !errors.Is(err, ErrInvalidClient) {
		t.Fatalf("want invalid_client without secret, got %v", err)
	}

	code = authorize(t, g, reg.ClientID, "", "", "carol")
	req.Code = code
	req.ClientSecret = reg.ClientSecret
	tok, err := g.Token(ctx, req)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	_, err = g.Token(ctx, TokenRequest{GrantType: GrantRefreshToken, RefreshToken: tok.RefreshToken, ClientID: reg.ClientID})
	if !errors.Is(err, ErrInvalidClient) {
		t.Fatalf("want refresh to require the secret, got %v", err)
	}
	if _, err := g.Token(ctx, TokenRequest{GrantType: GrantRefreshToken, RefreshToken: tok.RefreshToken, ClientID: reg.ClientID, ClientSecret: reg.ClientSecret}); err != nil {
		t.Fatalf("refresh with secret: %v", err)
	}
}

func TestRefreshCascadeRevocation(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	reg := registerPublic(t, g)
	verifier := oauth2.GenerateVerifier()
	code := authorize(t, g, reg.ClientID, oauth2.S256ChallengeFromVerifier(verifier), PKCEMethodS256, "alice")
	first, err := g.Token(ctx, TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: verifier,
		ClientID:     reg.ClientID,
	})
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	access := []string{first.AccessToken}
	for i := 0; i < 2; i++ {
		tok, err := g.Token(ctx, TokenRequest{GrantType: GrantRefreshToken, RefreshToken: first.RefreshToken})
		if err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
		if tok.RefreshToken != first.RefreshToken {
			t.Fatalf("want the same refresh token back")
		}
		access = append(access, tok.AccessToken)
	}
	for _, a := range access {
		if in, _ := g.Introspect(ctx, a); !in.Active {
			t.Fatalf("want access token active before revocation")
		}
	}

	if err := g.Revoke(ctx, first.RefreshToken, ""); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	for i, a := range access {
		in, err := g.Introspect(ctx, a)
		if err != nil {
			t.Fatalf("Introspect: %v", err)
		}
		if in.Active {
			t.Fatalf("access token %d still active after cascade", i)
		}
	}
	if in, _ := g.Introspect(ctx, first.RefreshToken); in.Active {
		t.Fatalf("refresh token still active")
	}
	if _, err := g.Token(ctx, TokenRequest{GrantType: GrantRefreshToken, RefreshToken: first.RefreshToken}); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("want invalid_grant for a revoked refresh token, got %v", err)
	}
	if err := g.Revoke(ctx, first.RefreshToken, "refresh_token"); err != nil {
		t.Fatalf("second revoke must be a no-op, got %v", err)
	}
}

func TestRevokeAccessToken(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	reg := registerConfidential(t, g, GrantClientCredentials)
	tok, err := g.Token(ctx, TokenRequest{GrantType: GrantClientCredentials, ClientID: reg.ClientID, ClientSecret: reg.ClientSecret})
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if err := g.Revoke(ctx, tok.AccessToken, "access_token"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if in, _ := g.Introspect(ctx, tok.AccessToken); in.Active {
		t.Fatalf("want inactive after revocation")
	}
	if err := g.Revoke(ctx, "never-issued", ""); err != nil {
		t.Fatalf("unknown token revocation must succeed, got %v", err)
	}
	if err := g.Revoke(ctx, "", ""); err == nil {
		t.Fatalf("want an error for an empty token")
	}
}

func TestAuthenticateRejectsRefreshTokens(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	reg := registerPublic(t, g)
	verifier := oauth2.GenerateVerifier()
	code := authorize(t, g, reg.ClientID, oauth2.S256ChallengeFromVerifier(verifier), PKCEMethodS256, "alice")
	tok, err := g.Token(ctx, TokenRequest{GrantType: GrantAuthorizationCode, Code: code, RedirectURI: testRedirect, CodeVerifier: verifier})
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if _, err := g.Authenticate(ctx, tok.RefreshToken); !errors.Is(err, ErrInactiveToken) {
		t.Fatalf("want ErrInactiveToken for a refresh token, got %v", err)
	}
	in, err := g.Authenticate(ctx, tok.AccessToken)
	if err != nil || in.Subject != "alice" {
		t.Fatalf("want alice, got %+v err=%v", in, err)
	}
}

func TestRegisterDerivesStableIDs(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	a := registerPublic(t, g)
	b := registerPublic(t, g)
	if a.ClientID != b.ClientID {
		t.Fatalf("want the same id for identical metadata, got %s and %s", a.ClientID, b.ClientID)
	}

	first := registerConfidential(t, g, GrantClientCredentials)
	second, err := g.Register(ctx, RegistrationRequest{ClientName: "service", GrantTypes: []string{GrantClientCredentials}, Scope: "mcp:*"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if first.ClientID != second.ClientID {
		t.Fatalf("want a stable confidential id")
	}
	if second.ClientSecret != "" {
		t.Fatalf("want no secret on a repeat registration, got %q", second.ClientSecret)
	}
	if _, err := g.Token(ctx, TokenRequest{GrantType: GrantClientCredentials, ClientID: first.ClientID, ClientSecret: first.ClientSecret}); err != nil {
		t.Fatalf("want the first secret to keep working, got %v", err)
	}

	explicit, err := g.Register(ctx, RegistrationRequest{ClientID: "my-cli", RedirectURIs: []string{testRedirect}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if explicit.ClientID != "my-cli" || explicit.Scope != DefaultScope {
		t.Fatalf("unexpected registration %+v", explicit)
	}
}

func TestRegisterCannotReplaceClient(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	victim := registerConfidential(t, g, GrantClientCredentials)
	pub := registerPublic(t, g)

	tests := []struct {
		name string
		req  RegistrationRequest
	}{
		{"rename confidential", RegistrationRequest{ClientID: victim.ClientID, ClientName: "evil", GrantTypes: []string{GrantClientCredentials}}},
		{"downgrade to public", RegistrationRequest{ClientID: victim.ClientID, ClientName: "service", RedirectURIs: []string{testRedirect}, TokenEndpointAuthMethod: AuthMethodNone}},
		{"swap redirect", RegistrationRequest{ClientID: pub.ClientID, ClientName: "desktop", RedirectURIs: []string{"https://evil.example/cb"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.Register(ctx, tc.req)
			var oe *Error
			if !errors.As(err, &oe) || oe.Code != CodeInvalidClientMetadata {
				t.Fatalf("want %s, got %v", CodeInvalidClientMetadata, err)
			}
		})
	}

	if _, err := g.Token(ctx, TokenRequest{GrantType: GrantClientCredentials, ClientID: victim.ClientID, ClientSecret: victim.ClientSecret}); err != nil {
		t.Fatalf("want the original secret to keep working, got %v", err)
	}
	var stored Client
	if ok, _ := g.getJSON(ctx, storage.NamespaceClients, pub.ClientID, &stored); !ok || !slices.Equal(stored.RedirectURIs, []string{testRedirect}) {
		t.Fatalf("public client modified: %+v", stored)
	}
}

func TestRegisterValidation(t *testing.T) {
	g := newTestGateway(t)
	tests := []struct {
		name string
		req  RegistrationRequest
		want string
	}{
		{"no redirect", RegistrationRequest{GrantTypes: []string{GrantAuthorizationCode}}, CodeInvalidRedirectURI},
		{"script scheme", RegistrationRequest{RedirectURIs: []string{"javascript:alert(1)"}}, CodeInvalidRedirectURI},
		{"remote http", RegistrationRequest{RedirectURIs: []string{"http://example.com/cb"}}, CodeInvalidRedirectURI},
		{"fragment", RegistrationRequest{RedirectURIs: []string{"https://app.example/cb#x"}}, CodeInvalidRedirectURI},
		{"public client credentials", RegistrationRequest{GrantTypes: []string{GrantClientCredentials}, TokenEndpointAuthMethod: AuthMethodNone}, CodeInvalidClientMetadata},
		{"bad grant", RegistrationRequest{GrantTypes: []string{"password"}}, CodeInvalidClientMetadata},
		{"bad method", RegistrationRequest{GrantTypes: []string{GrantClientCredentials}, TokenEndpointAuthMethod: "private_key_jwt"}, CodeInvalidClientMetadata},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.Register(context.Background(), tc.req)
			var oe *Error
			if !errors.As(err, &oe) || oe.Code != tc.want {
				t.Fatalf("want %s, got %v", tc.want, err)
			}
		})
	}
}

func TestRegisterClassification(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	both, err := g.Register(ctx, RegistrationRequest{
		RedirectURIs: []string{testRedirect},
		GrantTypes:   []string{GrantAuthorizationCode, GrantClientCredentials},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if both.ClientSecret == "" || both.TokenEndpointAuthMethod != AuthMethodClientSecretBasic {
		t.Fatalf("want a confidential client when client_credentials is requested, got %+v", both)
	}
	var stored Client
	if ok, _ := g.getJSON(ctx, storage.NamespaceClients, both.ClientID, &stored); !ok {
		t.Fatalf("client not stored")
	}
	if stored.SecretHash == both.ClientSecret {
		t.Fatalf("secret stored in the clear")
	}
}

type fakeControlPlane struct {
	mu    sync.Mutex
	calls int
	known map[string]*Introspection
}

func (f *fakeControlPlane) Introspect(ctx context.Context, token string) (*Introspection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.known[token], nil
}

func TestIntrospectDelegatesToControlPlane(t *testing.T) {
	cp := &fakeControlPlane{known: map[string]*Introspection{
		"external": {Active: true, Subject: "dave", Scope: "mcp:*", Exp: time.Now().Add(time.Hour).Unix()},
		"stale":    {Active: true, Subject: "erin", Exp: time.Now().Add(-time.Hour).Unix()},
	}}
	g := newTestGateway(t, WithControlPlane(cp))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		in, err := g.Introspect(ctx, "external")
		if err != nil {
			t.Fatalf("Introspect: %v", err)
		}
		if !in.Active || in.Subject != "dave" {
			t.Fatalf("want dave active, got %+v", in)
		}
	}
	if cp.calls != 1 {
		t.Fatalf("want the positive result cached, got %d control plane calls", cp.calls)
	}

	if in, _ := g.Introspect(ctx, "stale"); in.Active {
		t.Fatalf("want an expired control plane token inactive")
	}
	if in, _ := g.Introspect(ctx, "unknown"); in.Active {
		t.Fatalf("want unknown inactive")
	}
	keys, _ := g.cache.Keys(ctx, storage.NamespaceIntrospection)
	if len(keys) != 1 {
		t.Fatalf("want only the positive result cached, got %d entries", len(keys))
	}
}

func TestSweepDeletesExpiredTokens(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	reg := registerPublic(t, g)
	verifier := oauth2.GenerateVerifier()
	code := authorize(t, g, reg.ClientID, oauth2.S256ChallengeFromVerifier(verifier), PKCEMethodS256, "alice")
	tok, err := g.Token(ctx, TokenRequest{GrantType: GrantAuthorizationCode, Code: code, RedirectURI: testRedirect, CodeVerifier: verifier})
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	// Past the access token TTL: the access token goes and the refresh
	// token forgets it.
	g.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err := g.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 deleted, got %d", n)
	}
	var rt refreshToken
	if ok, _ := g.getJSON(ctx, storage.NamespaceRefreshTokens, tokenKey(tok.RefreshToken), &rt); !ok {
		t.Fatalf("refresh token should survive")
	}
	if len(rt.AccessTokens) != 0 {
		t.Fatalf("want pruned access token list, got %v", rt.AccessTokens)
	}

	g.now = func() time.Time { return time.Now().Add(DefaultRefreshTokenTTL + time.Hour) }
	if n, err := g.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("want refresh token swept, got n=%d err=%v", n, err)
	}
	keys, _ := g.cache.Keys(ctx, storage.NamespaceRefreshTokens)
	if len(keys) != 0 {
		t.Fatalf("want no refresh tokens left, got %d", len(keys))
	}
}

func TestStartStop(t *testing.T) {
	g := newTestGateway(t)
	g.cfg.SweepInterval = 10 * time.Millisecond
	g.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	g.Stop()
	g.Stop()
}

func TestStopWithoutStart(t *testing.T) {
	g := newTestGateway(t)
	start := time.Now()
	g.Stop()
	if d := time.Since(start); d > time.Second {
		t.Fatalf("want Stop to return at once, took %v", d)
	}
	// A Start after Stop never runs the sweep.
	g.Start(context.Background())
	g.Stop()
}

func TestSealer(t *testing.T) {
	s, err := newSealer("correct horse battery staple")
	if err != nil {
		t.Fatalf("newSealer: %v", err)
	}
	plain := []byte(`{"access_token":"secret"}`)
	sealed, err := s.seal(plain, []byte("k1"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if string(sealed) == string(plain) || sealed[0] != sealedPrefix {
		t.Fatalf("value not sealed")
	}
	got, err := s.open(sealed, []byte("k1"))
	if err != nil || string(got) != string(plain) {
		t.Fatalf("open: got %q err=%v", got, err)
	}
	if _, err := s.open(sealed, []byte("k2")); err == nil {
		t.Fatalf("want failure when opened under another key")
	}
	var none *sealer
	if _, err := none.open(sealed, nil); !errors.Is(err, errSealed) {
		t.Fatalf("want errSealed without a key, got %v", err)
	}
	if got, _ := none.open(plain, nil); string(got) != string(plain) {
		t.Fatalf("plain values pass through")
	}
	if _, err := newSealer("short"); err == nil {
		t.Fatalf("want short keys rejected")
	}
}

func TestErrorJSONShape(t *testing.T) {
	b, _ := json.Marshal(errorf(CodeInvalidGrant, "nope"))
	if string(b) != `{"error":"invalid_grant","error_description":"nope"}` {
		t.Fatalf("unexpected body %s", b)
	}
}
