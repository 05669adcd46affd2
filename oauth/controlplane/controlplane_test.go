package controlplane

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const testAudience = "https://gw.example"

type mockIssuer struct {
	srv     *httptest.Server
	issuer  string
	noJWKS  bool
	keysRaw []byte
}

func newMockIssuer(t *testing.T, keys []byte) *mockIssuer {
	t.Helper()
	m := &mockIssuer{keysRaw: keys}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		meta := map[string]any{
			"issuer":                   m.issuer,
			"authorization_endpoint":   m.issuer + "/authorize",
			"token_endpoint":           m.issuer + "/token",
			"response_types_supported": []string{"code"},
		}
		if !m.noJWKS {
			meta["jwks_uri"] = m.issuer + "/keys"
		}
		_ = json.NewEncoder(w).Encode(meta)
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(m.keysRaw)
	})
	m.srv = httptest.NewServer(mux)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func genRSA(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"}}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, b
}

func sign(t *testing.T, pk *rsa.PrivateKey, typ string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "k1"
	if typ != "" {
		tok.Header["typ"] = typ
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims(issuer string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":       issuer,
		"sub":       "user-123",
		"aud":       testAudience,
		"exp":       now.Add(time.Hour).Unix(),
		"iat":       now.Unix(),
		"scope":     "mcp:read mcp:write",
		"client_id": "ext-client",
	}
}

func TestIntrospectValidToken(t *testing.T) {
	pk, keys := genRSA(t)
	m := newMockIssuer(t, keys)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, err := New(ctx, Config{Issuer: m.issuer, Audiences: []string{testAudience}, Leeway: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	claims := validClaims(m.issuer)
	in, err := j.Introspect(ctx, sign(t, pk, "at+jwt", claims))
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if in == nil || !in.Active {
		t.Fatalf("want an active result")
	}
	if in.Subject != "user-123" || in.Scope != "mcp:read mcp:write" || in.ClientID != "ext-client" {
		t.Fatalf("unexpected claims %+v", in)
	}
	if in.Exp != claims["exp"].(int64) {
		t.Fatalf("want exp %d, got %d", claims["exp"], in.Exp)
	}
}

func TestIntrospectRejections(t *testing.T) {
	pk, keys := genRSA(t)
	other, _ := genRSA(t)
	m := newMockIssuer(t, keys)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, err := New(ctx, Config{
		Issuer:         m.issuer,
		Audiences:      []string{testAudience},
		RequiredScopes: []string{"mcp:read"},
		Leeway:         time.Second,
		RequireATJWT:   true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name  string
		token func() string
	}{
		{"opaque", func() string { return "not-a-jwt" }},
		{"wrong key", func() string { return sign(t, other, "at+jwt", validClaims(m.issuer)) }},
		{"wrong audience", func() string {
			c := validClaims(m.issuer)
			c["aud"] = "https://elsewhere.example"
			return sign(t, pk, "at+jwt", c)
		}},
		{"wrong issuer", func() string { return sign(t, pk, "at+jwt", validClaims("https://evil.example")) }},
		{"expired", func() string {
			c := validClaims(m.issuer)
			c["exp"] = time.Now().Add(-time.Hour).Unix()
			return sign(t, pk, "at+jwt", c)
		}},
		{"missing scope", func() string {
			c := validClaims(m.issuer)
			c["scope"] = "mcp:write"
			return sign(t, pk, "at+jwt", c)
		}},
		{"missing sub", func() string {
			c := validClaims(m.issuer)
			delete(c, "sub")
			return sign(t, pk, "at+jwt", c)
		}},
		{"plain jwt typ", func() string { return sign(t, pk, "JWT", validClaims(m.issuer)) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in, err := j.Introspect(ctx, tc.token())
			if err != nil {
				t.Fatalf("Introspect: %v", err)
			}
			if in != nil {
				t.Fatalf("want nil for a rejected token, got %+v", in)
			}
		})
	}
}

func TestScopeArrayClaim(t *testing.T) {
	pk, keys := genRSA(t)
	m := newMockIssuer(t, keys)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, err := New(ctx, Config{Issuer: m.issuer, Audiences: []string{testAudience}, JWKSURL: m.issuer + "/keys"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := validClaims(m.issuer)
	delete(c, "scope")
	delete(c, "client_id")
	c["scp"] = []string{"a", "b"}
	c["azp"] = "azp-client"
	in, err := j.Introspect(ctx, sign(t, pk, "", c))
	if err != nil || in == nil {
		t.Fatalf("want active result, got %+v err=%v", in, err)
	}
	if in.Scope != "a b" || in.ClientID != "azp-client" {
		t.Fatalf("unexpected claims %+v", in)
	}
}

func TestNewValidation(t *testing.T) {
	_, keys := genRSA(t)
	m := newMockIssuer(t, keys)
	m.noJWKS = true
	ctx := context.Background()

	if _, err := New(ctx, Config{Audiences: []string{testAudience}}); err == nil {
		t.Fatalf("want an error without issuer")
	}
	if _, err := New(ctx, Config{Issuer: m.issuer}); err == nil {
		t.Fatalf("want an error without audiences")
	}
	if _, err := New(ctx, Config{Issuer: m.issuer, Audiences: []string{testAudience}}); err == nil {
		t.Fatalf("want an error when discovery has no jwks_uri")
	}
}
