// Package controlplane validates access tokens issued by an external
// authorization server so the gateway can accept them alongside its own.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/oauth"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls which tokens are accepted.
type Config struct {
	Issuer string
	// Audiences lists accepted aud values. A token must carry at least one.
	Audiences []string
	// RequiredScopes must all be present in the token's scope claim.
	RequiredScopes []string
	AllowedAlgs    []string
	Leeway         time.Duration
	// JWKSURL skips OIDC discovery when set.
	JWKSURL string
	// RequireATJWT rejects tokens whose typ header is not at+jwt (RFC 9068).
	RequireATJWT bool
}

// Option configures a JWTIntrospector.
type Option func(*JWTIntrospector)

func WithLogger(l *slog.Logger) Option {
	return func(j *JWTIntrospector) { j.log = logctx.Wrap(l) }
}

// JWTIntrospector verifies JWT access tokens against the issuer's JWKS. It
// implements oauth.ControlPlane.
type JWTIntrospector struct {
	cfg     Config
	iss     string
	keyfunc jwt.Keyfunc
	log     *slog.Logger
}

// New builds an introspector. Unless cfg.JWKSURL is set, the JWKS location
// and canonical issuer come from OIDC discovery. Keys refresh in the
// background until ctx is done.
func New(ctx context.Context, cfg Config, opts ...Option) (*JWTIntrospector, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("controlplane: issuer is required")
	}
	if len(cfg.Audiences) == 0 {
		return nil, errors.New("controlplane: at least one audience is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}

	iss, jwksURL := cfg.Issuer, cfg.JWKSURL
	if jwksURL == "" {
		provider, err := oidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("controlplane: oidc discovery: %w", err)
		}
		var meta struct {
			Issuer  string `json:"issuer"`
			JwksURI string `json:"jwks_uri"`
		}
		if err := provider.Claims(&meta); err != nil {
			return nil, fmt.Errorf("controlplane: invalid discovery metadata: %w", err)
		}
		if meta.JwksURI == "" {
			return nil, errors.New("controlplane: discovery metadata has no jwks_uri")
		}
		iss, jwksURL = meta.Issuer, meta.JwksURI
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("controlplane: jwks init: %w", err)
	}

	j := &JWTIntrospector{
		cfg: cfg,
		iss: iss,
		log: logctx.Wrap(slog.Default()),
		keyfunc: func(t *jwt.Token) (any, error) {
			if !slices.Contains(cfg.AllowedAlgs, t.Method.Alg()) {
				return nil, fmt.Errorf("disallowed alg: %s", t.Method.Alg())
			}
			return kf.Keyfunc(t)
		},
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Introspect returns the claims of a valid token, or (nil, nil) when the
// token is not one this issuer vouches for.
func (j *JWTIntrospector) Introspect(ctx context.Context, token string) (*oauth.Introspection, error) {
	claims, err := j.verify(token)
	if err != nil {
		j.log.DebugContext(ctx, "controlplane.verify.fail", slog.String("err", err.Error()))
		return nil, nil
	}
	in := &oauth.Introspection{
		Active:    true,
		Subject:   stringClaim(claims, "sub"),
		Scope:     scopeClaim(claims),
		ClientID:  stringClaim(claims, "client_id"),
		TokenType: "Bearer",
		Issuer:    j.iss,
	}
	if in.ClientID == "" {
		in.ClientID = stringClaim(claims, "azp")
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		in.Exp = exp.Unix()
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		in.Iat = iat.Unix()
	}
	return in, nil
}

func (j *JWTIntrospector) verify(token string) (jwt.MapClaims, error) {
	if strings.Count(token, ".") != 2 {
		return nil, errors.New("not a JWT")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(j.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(j.iss),
		jwt.WithLeeway(j.cfg.Leeway),
		jwt.WithIssuedAt(),
	)
	parsed, err := parser.Parse(token, j.keyfunc)
	if err != nil {
		return nil, err
	}
	if j.cfg.RequireATJWT {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, errors.New("typ is not at+jwt")
		}
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	aud, err := claims.GetAudience()
	if err != nil || !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(j.cfg.Audiences, a) }) {
		return nil, errors.New("audience mismatch")
	}
	if stringClaim(claims, "sub") == "" {
		return nil, errors.New("missing sub")
	}
	have := strings.Fields(scopeClaim(claims))
	for _, want := range j.cfg.RequiredScopes {
		if !slices.Contains(have, want) {
			return nil, fmt.Errorf("missing scope %q", want)
		}
	}
	return claims, nil
}

func stringClaim(c jwt.MapClaims, name string) string {
	s, _ := c[name].(string)
	return s
}

// scopeClaim reads "scope" as a space-delimited string or "scp" as an
// array.
func scopeClaim(c jwt.MapClaims) string {
	if s := stringClaim(c, "scope"); s != "" {
		return s
	}
	arr, _ := c["scp"].([]any)
	parts := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

var _ oauth.ControlPlane = (*JWTIntrospector)(nil)
