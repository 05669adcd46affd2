package oauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-gateway/internal/telemetry"
	"github.com/ggoodman/mcp-gateway/storage"
	"golang.org/x/crypto/bcrypt"
)

// PKCE methods.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// TokenRequest holds the token endpoint parameters. ClientSecret comes from
// HTTP Basic auth or the form body.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
	ClientID     string
	ClientSecret string
}

// Token runs a grant and returns the issued tokens.
func (g *Gateway) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	ctx, span := g.tel.Start(ctx, "oauth.token")
	var (
		resp *TokenResponse
		err  error
	)
	switch req.GrantType {
	case GrantAuthorizationCode:
		resp, err = g.exchangeCode(ctx, req)
	case GrantRefreshToken:
		resp, err = g.refresh(ctx, req)
	case GrantClientCredentials:
		resp, err = g.clientCredentials(ctx, req)
	case "":
		err = errorf(CodeInvalidRequest, "grant_type is required")
	default:
		err = ErrUnsupportedGrantType
	}
	telemetry.End(span, err)
	if err != nil {
		oe := asError(err)
		g.log.InfoContext(ctx, "oauth.token.issue.fail",
			slog.String("grant_type", req.GrantType),
			slog.String("client_id", req.ClientID),
			slog.String("error", oe.Code))
		return nil, err
	}
	g.tel.TokenIssued(ctx, req.GrantType)
	g.log.InfoContext(ctx, "oauth.token.issue.ok",
		slog.String("grant_type", req.GrantType),
		slog.String("client_id", req.ClientID))
	return resp, nil
}

func (g *Gateway) exchangeCode(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, errorf(CodeInvalidRequest, "code is required")
	}
	// Take consumes the code before validation so a replayed code never
	// reaches the checks below twice.
	var code authorizationCode
	ok, err := g.takeJSON(ctx, storage.NamespaceAuthorizationCodes, tokenKey(req.Code), &code)
	if err != nil {
		return nil, g.serverError(ctx, "oauth.code.read.fail", err)
	}
	if !ok || !g.now().Before(code.ExpiresAt) {
		return nil, errorf(CodeInvalidGrant, "authorization code is invalid or expired")
	}
	if req.ClientID == "" {
		req.ClientID = code.ClientID
	}
	if req.ClientID != code.ClientID {
		return nil, errorf(CodeInvalidGrant, "authorization code was issued to another client")
	}
	if req.RedirectURI != code.RedirectURI {
		return nil, errorf(CodeInvalidGrant, "redirect_uri does not match the authorization request")
	}
	client, err := g.client(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if client.IsPublic() {
		if code.CodeChallenge == "" {
			return nil, errorf(CodeInvalidGrant, "PKCE is required for public clients")
		}
	} else if err := g.authenticate(client, req.ClientSecret); err != nil {
		return nil, err
	}
	if code.CodeChallenge != "" {
		if err := g.verifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
			return nil, err
		}
	}
	return g.issue(ctx, client.ID, code.Subject, code.Scope, true)
}

func (g *Gateway) refresh(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, errorf(CodeInvalidRequest, "refresh_token is required")
	}
	key := tokenKey(req.RefreshToken)

	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()

	var rt refreshToken
	ok, err := g.getJSON(ctx, storage.NamespaceRefreshTokens, key, &rt)
	if err != nil {
		return nil, g.serverError(ctx, "oauth.refresh.read.fail", err)
	}
	now := g.now()
	if !ok || rt.expired(now) {
		return nil, errorf(CodeInvalidGrant, "refresh token is invalid or expired")
	}
	if req.ClientID == "" {
		req.ClientID = rt.ClientID
	}
	if req.ClientID != rt.ClientID {
		return nil, errorf(CodeInvalidGrant, "refresh token was issued to another client")
	}
	client, err := g.client(ctx, rt.ClientID)
	if err != nil {
		return nil, err
	}
	if !client.IsPublic() {
		if err := g.authenticate(client, req.ClientSecret); err != nil {
			return nil, err
		}
	}
	scope := rt.Scope
	if req.Scope != "" {
		if !scopeSubset(req.Scope, rt.Scope) {
			return nil, errorf(CodeInvalidScope, "requested scope exceeds the original grant")
		}
		scope = req.Scope
	}

	access := newToken()
	at := accessToken{
		ClientID:  rt.ClientID,
		Subject:   rt.Subject,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(g.cfg.AccessTokenTTL),
		Refresh:   key,
	}
	atKey := tokenKey(access)
	if err := g.putJSON(ctx, storage.NamespaceTokens, atKey, at, g.cfg.AccessTokenTTL); err != nil {
		return nil, g.serverError(ctx, "oauth.token.write.fail", err)
	}
	rt.AccessTokens = append(rt.AccessTokens, atKey)
	if err := g.putJSON(ctx, storage.NamespaceRefreshTokens, key, rt, rt.ExpiresAt.Sub(now)); err != nil {
		return nil, g.serverError(ctx, "oauth.refresh.write.fail", err)
	}
	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(g.cfg.AccessTokenTTL / time.Second),
		RefreshToken: req.RefreshToken,
		Scope:        scope,
	}, nil
}

func (g *Gateway) clientCredentials(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.ClientID == "" {
		return nil, errorf(CodeInvalidClient, "client_id is required")
	}
	client, err := g.client(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if client.IsPublic() {
		return nil, errorf(CodeUnauthorizedClient, "public clients cannot use client_credentials")
	}
	if err := g.authenticate(client, req.ClientSecret); err != nil {
		return nil, err
	}
	scope := client.Scope
	if req.Scope != "" {
		if !scopeSubset(req.Scope, client.Scope) {
			return nil, errorf(CodeInvalidScope, "requested scope exceeds the client's scope")
		}
		scope = req.Scope
	}
	return g.issue(ctx, client.ID, client.ID, scope, false)
}

// issue mints an access token and, when withRefresh is set, a refresh token
// that tracks it.
func (g *Gateway) issue(ctx context.Context, clientID, subject, scope string, withRefresh bool) (*TokenResponse, error) {
	now := g.now()
	access := newToken()
	atKey := tokenKey(access)
	at := accessToken{
		ClientID:  clientID,
		Subject:   subject,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(g.cfg.AccessTokenTTL),
	}
	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(g.cfg.AccessTokenTTL / time.Second),
		Scope:       scope,
	}
	if withRefresh {
		refresh := newToken()
		rtKey := tokenKey(refresh)
		at.Refresh = rtKey
		rt := refreshToken{
			ClientID:     clientID,
			Subject:      subject,
			Scope:        scope,
			IssuedAt:     now,
			ExpiresAt:    now.Add(g.cfg.RefreshTokenTTL),
			AccessTokens: []string{atKey},
		}
		if err := g.putJSON(ctx, storage.NamespaceRefreshTokens, rtKey, rt, g.cfg.RefreshTokenTTL); err != nil {
			return nil, g.serverError(ctx, "oauth.refresh.write.fail", err)
		}
		resp.RefreshToken = refresh
	}
	if err := g.putJSON(ctx, storage.NamespaceTokens, atKey, at, g.cfg.AccessTokenTTL); err != nil {
		return nil, g.serverError(ctx, "oauth.token.write.fail", err)
	}
	return resp, nil
}

// client loads a registered client, failing with invalid_client when it is
// unknown.
func (g *Gateway) client(ctx context.Context, id string) (*Client, error) {
	var c Client
	ok, err := g.getJSON(ctx, storage.NamespaceClients, id, &c)
	if err != nil {
		return nil, g.serverError(ctx, "oauth.client.read.fail", err)
	}
	if !ok {
		return nil, errorf(CodeInvalidClient, "unknown client")
	}
	return &c, nil
}

// authenticate checks a confidential client's secret.
func (g *Gateway) authenticate(c *Client, secret string) error {
	if secret == "" {
		return errorf(CodeInvalidClient, "client authentication required")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)); err != nil {
		return ErrInvalidClient
	}
	return nil
}

// verifyPKCE checks verifier against the recorded challenge (RFC 7636).
func (g *Gateway) verifyPKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return errorf(CodeInvalidGrant, "code_verifier is required")
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		return errorf(CodeInvalidGrant, "code_verifier must be 43-128 characters")
	}
	for _, r := range verifier {
		if !isUnreserved(r) {
			return errorf(CodeInvalidGrant, "code_verifier contains invalid characters")
		}
	}
	var computed string
	switch method {
	case "", PKCEMethodS256:
		sum := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(sum[:])
	case PKCEMethodPlain:
		computed = verifier
	default:
		return errorf(CodeInvalidGrant, "unsupported code_challenge_method %q", method)
	}
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return errorf(CodeInvalidGrant, "code_verifier does not match code_challenge")
	}
	return nil
}

// isUnreserved reports whether r is in the RFC 3986 unreserved set.
func isUnreserved(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') ||
		r == '-' || r == '.' || r == '_' || r == '~'
}

func (g *Gateway) checkChallengeMethod(method string) error {
	switch method {
	case "", PKCEMethodS256:
		return nil
	case PKCEMethodPlain:
		if g.cfg.AllowPKCEPlain {
			return nil
		}
		return errorf(CodeInvalidRequest, "code_challenge_method plain is not allowed")
	}
	return errorf(CodeInvalidRequest, "unsupported code_challenge_method %q", method)
}
