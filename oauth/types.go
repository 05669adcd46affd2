package oauth

import (
	"slices"
	"strings"
	"time"
)

// Grant types.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// Token endpoint authentication methods.
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
)

// Client is a registered gateway client.
type Client struct {
	ID                      string    `json:"client_id"`
	Name                    string    `json:"client_name,omitempty"`
	SecretHash              string    `json:"secret_hash,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris,omitempty"`
	GrantTypes              []string  `json:"grant_types"`
	Scope                   string    `json:"scope"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	CreatedAt               time.Time `json:"created_at"`
}

// IsPublic reports whether the client has no secret. Public clients must use
// PKCE.
func (c *Client) IsPublic() bool { return c.SecretHash == "" }

func (c *Client) allowsGrant(grant string) bool {
	return slices.Contains(c.GrantTypes, grant)
}

func (c *Client) allowsRedirect(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// accessToken is the stored form of an issued access token.
type accessToken struct {
	ClientID  string    `json:"client_id"`
	Subject   string    `json:"sub"`
	Scope     string    `json:"scope"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
	// Refresh is the storage key of the refresh token that minted it.
	Refresh string `json:"refresh,omitempty"`
}

func (t *accessToken) expired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// refreshToken is the stored form of an issued refresh token.
type refreshToken struct {
	ClientID  string    `json:"client_id"`
	Subject   string    `json:"sub"`
	Scope     string    `json:"scope"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
	// AccessTokens holds the storage keys of every access token minted with
	// this refresh token.
	AccessTokens []string `json:"access_tokens"`
}

func (t *refreshToken) expired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// authorizationCode is a pending code awaiting exchange.
type authorizationCode struct {
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope"`
	Subject             string    `json:"sub"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	ExpiresAt           time.Time `json:"exp"`
}

// TokenResponse is the successful token endpoint body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Introspection is an RFC 7662 introspection response.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Issuer    string `json:"iss,omitempty"`
}

// ExpiresAt returns the expiry as a time, or nil when Exp is unset.
func (in *Introspection) ExpiresAt() *time.Time {
	if in.Exp == 0 {
		return nil
	}
	t := time.Unix(in.Exp, 0)
	return &t
}

// scopeSubset reports whether every scope in requested is granted by
// allowed. "mcp:*" grants any "mcp:" scope.
func scopeSubset(requested, allowed string) bool {
	have := strings.Fields(allowed)
	for _, s := range strings.Fields(requested) {
		if slices.Contains(have, s) {
			continue
		}
		ok := false
		for _, h := range have {
			if prefix, found := strings.CutSuffix(h, "*"); found && strings.HasPrefix(s, prefix) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
