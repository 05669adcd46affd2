package oauth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ggoodman/mcp-gateway/storage"
)

// ErrInactiveToken is returned by Authenticate for tokens that are unknown,
// revoked or expired.
var ErrInactiveToken = errors.New("oauth: token is not active")

// Introspect reports the state of token. Access tokens are checked first,
// then refresh tokens, then the control plane. Tokens past their expiry are
// inactive whatever the storage state.
func (g *Gateway) Introspect(ctx context.Context, token string) (*Introspection, error) {
	if token == "" {
		return &Introspection{}, nil
	}
	key := tokenKey(token)
	now := g.now()

	var at accessToken
	ok, err := g.getJSON(ctx, storage.NamespaceTokens, key, &at)
	if err != nil {
		return nil, err
	}
	if ok {
		if at.expired(now) {
			return &Introspection{}, nil
		}
		return &Introspection{
			Active:    true,
			Scope:     at.Scope,
			ClientID:  at.ClientID,
			Subject:   at.Subject,
			TokenType: "Bearer",
			Exp:       at.ExpiresAt.Unix(),
			Iat:       at.IssuedAt.Unix(),
			Issuer:    g.cfg.Issuer,
		}, nil
	}

	var rt refreshToken
	ok, err = g.getJSON(ctx, storage.NamespaceRefreshTokens, key, &rt)
	if err != nil {
		return nil, err
	}
	if ok {
		if rt.expired(now) {
			return &Introspection{}, nil
		}
		return &Introspection{
			Active:    true,
			Scope:     rt.Scope,
			ClientID:  rt.ClientID,
			Subject:   rt.Subject,
			TokenType: "refresh_token",
			Exp:       rt.ExpiresAt.Unix(),
			Iat:       rt.IssuedAt.Unix(),
			Issuer:    g.cfg.Issuer,
		}, nil
	}

	if g.controlPlane == nil {
		return &Introspection{}, nil
	}

	var cached Introspection
	ok, err = g.getJSON(ctx, storage.NamespaceIntrospection, key, &cached)
	if err != nil {
		return nil, err
	}
	if ok {
		if cached.Exp != 0 && now.Unix() >= cached.Exp {
			return &Introspection{}, nil
		}
		return &cached, nil
	}

	res, err := g.controlPlane.Introspect(ctx, token)
	if err != nil {
		g.log.WarnContext(ctx, "oauth.introspect.controlplane.fail", slog.String("err", err.Error()))
		return &Introspection{}, nil
	}
	if res == nil || !res.Active {
		return &Introspection{}, nil
	}
	if res.Exp != 0 && now.Unix() >= res.Exp {
		return &Introspection{}, nil
	}
	ttl := g.cfg.AccessTokenTTL
	if exp := res.ExpiresAt(); exp != nil {
		ttl = exp.Sub(now)
	}
	if err := g.putJSON(ctx, storage.NamespaceIntrospection, key, res, ttl); err != nil {
		g.log.WarnContext(ctx, "oauth.introspect.cache.fail", slog.String("err", err.Error()))
	}
	return res, nil
}

// Authenticate validates a bearer access token presented to the MCP
// endpoints. Refresh tokens are not accepted.
func (g *Gateway) Authenticate(ctx context.Context, token string) (*Introspection, error) {
	in, err := g.Introspect(ctx, token)
	if err != nil {
		return nil, err
	}
	if !in.Active || in.TokenType == "refresh_token" {
		return nil, ErrInactiveToken
	}
	return in, nil
}

// Revoke invalidates token (RFC 7009). Revoking a refresh token also revokes
// every access token it minted. Unknown tokens are not an error.
func (g *Gateway) Revoke(ctx context.Context, token, hint string) error {
	if token == "" {
		return errorf(CodeInvalidRequest, "token is required")
	}
	key := tokenKey(token)

	// The hint only orders the lookups.
	if hint != "access_token" {
		revoked, err := g.revokeRefresh(ctx, key)
		if err != nil || revoked {
			return err
		}
	}
	var at accessToken
	ok, err := g.getJSON(ctx, storage.NamespaceTokens, key, &at)
	if err != nil {
		return g.serverError(ctx, "oauth.revoke.fail", err)
	}
	if ok {
		if err := g.cache.Delete(ctx, storage.NamespaceTokens, key); err != nil {
			return g.serverError(ctx, "oauth.revoke.fail", err)
		}
		g.tel.TokenRevoked(ctx, "access_token", 1)
		g.log.InfoContext(ctx, "oauth.revoke.ok", slog.String("kind", "access_token"), slog.String("client_id", at.ClientID))
		return nil
	}
	if hint == "access_token" {
		revoked, err := g.revokeRefresh(ctx, key)
		if err != nil || revoked {
			return err
		}
	}
	if err := g.cache.Delete(ctx, storage.NamespaceIntrospection, key); err != nil {
		return g.serverError(ctx, "oauth.revoke.fail", err)
	}
	return nil
}

func (g *Gateway) revokeRefresh(ctx context.Context, key string) (bool, error) {
	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()

	var rt refreshToken
	ok, err := g.getJSON(ctx, storage.NamespaceRefreshTokens, key, &rt)
	if err != nil {
		return false, g.serverError(ctx, "oauth.revoke.fail", err)
	}
	if !ok {
		return false, nil
	}
	n := g.deleteAccessTokens(ctx, rt.AccessTokens)
	if err := g.cache.Delete(ctx, storage.NamespaceRefreshTokens, key); err != nil {
		return false, g.serverError(ctx, "oauth.revoke.fail", err)
	}
	g.tel.TokenRevoked(ctx, "refresh_token", 1)
	g.tel.TokenRevoked(ctx, "access_token", n)
	g.log.InfoContext(ctx, "oauth.revoke.ok",
		slog.String("kind", "refresh_token"),
		slog.String("client_id", rt.ClientID),
		slog.Int("cascaded", n))
	return true, nil
}
