package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/ggoodman/mcp-gateway/storage"
	"golang.org/x/crypto/bcrypt"
)

// RegistrationRequest is an RFC 7591 client registration request.
type RegistrationRequest struct {
	ClientID                string   `json:"client_id,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegistrationResponse is the RFC 7591 registration result. ClientSecret is
// only present for confidential clients and only in this response.
type RegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope"`
}

// Register creates a client. Without an explicit client_id the id is derived
// from the registration metadata, so registering the same metadata twice
// resolves to the same client. An existing client is never modified: a
// repeat registration returns the stored record without a secret, and a
// registration naming an existing client_id with different metadata fails.
func (g *Gateway) Register(ctx context.Context, req RegistrationRequest) (*RegistrationResponse, error) {
	if len(req.GrantTypes) == 0 {
		req.GrantTypes = []string{GrantAuthorizationCode, GrantRefreshToken}
	}
	for _, gt := range req.GrantTypes {
		switch gt {
		case GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials:
		default:
			return nil, errorf(CodeInvalidClientMetadata, "unsupported grant type %q", gt)
		}
	}
	usesCode := slices.Contains(req.GrantTypes, GrantAuthorizationCode)
	usesCC := slices.Contains(req.GrantTypes, GrantClientCredentials)

	method := req.TokenEndpointAuthMethod
	switch method {
	case "":
		if usesCode && !usesCC {
			method = AuthMethodNone
		} else {
			method = AuthMethodClientSecretBasic
		}
	case AuthMethodNone:
		if usesCC {
			return nil, errorf(CodeInvalidClientMetadata, "client_credentials requires a confidential client")
		}
	case AuthMethodClientSecretBasic, AuthMethodClientSecretPost:
	default:
		return nil, errorf(CodeInvalidClientMetadata, "unsupported token_endpoint_auth_method %q", method)
	}
	public := method == AuthMethodNone

	if usesCode {
		if len(req.RedirectURIs) == 0 {
			return nil, errorf(CodeInvalidRedirectURI, "redirect_uris is required for authorization_code")
		}
		for _, u := range req.RedirectURIs {
			if err := validateRedirectURI(u); err != nil {
				return nil, err
			}
		}
	}
	if req.Scope == "" {
		req.Scope = g.cfg.DefaultScope
	}

	id := req.ClientID
	if id == "" {
		id = deriveClientID(req, method)
	}

	var existing Client
	found, err := g.getJSON(ctx, storage.NamespaceClients, id, &existing)
	if err != nil {
		return nil, g.serverError(ctx, "oauth.register.fail", err)
	}
	if found {
		if !existing.sameRegistration(req, method) {
			g.log.WarnContext(ctx, "oauth.register.conflict", slog.String("client_id", id))
			return nil, errorf(CodeInvalidClientMetadata, "client_id %q is already registered", id)
		}
		g.log.InfoContext(ctx, "oauth.register.existing", slog.String("client_id", id))
		return registrationResponse(&existing, "", req.ResponseTypes), nil
	}

	c := Client{
		ID:                      id,
		Name:                    req.ClientName,
		RedirectURIs:            slices.Clone(req.RedirectURIs),
		GrantTypes:              slices.Clone(req.GrantTypes),
		Scope:                   req.Scope,
		TokenEndpointAuthMethod: method,
		CreatedAt:               g.now(),
	}
	var secret string
	if !public {
		secret = newToken()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, g.serverError(ctx, "oauth.register.fail", err)
		}
		c.SecretHash = string(hash)
	}
	if err := g.putJSON(ctx, storage.NamespaceClients, id, c, 0); err != nil {
		return nil, g.serverError(ctx, "oauth.register.fail", err)
	}

	kind := "confidential"
	if public {
		kind = "public"
	}
	g.tel.ClientRegistered(ctx, kind)
	g.log.InfoContext(ctx, "oauth.register.ok",
		slog.String("client_id", id),
		slog.String("client_type", kind))
	return registrationResponse(&c, secret, req.ResponseTypes), nil
}

func registrationResponse(c *Client, secret string, responseTypes []string) *RegistrationResponse {
	if len(responseTypes) == 0 && c.allowsGrant(GrantAuthorizationCode) {
		responseTypes = []string{"code"}
	}
	return &RegistrationResponse{
		ClientID:                c.ID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        c.CreatedAt.Unix(),
		ClientName:              c.Name,
		RedirectURIs:            c.RedirectURIs,
		GrantTypes:              c.GrantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		Scope:                   c.Scope,
	}
}

// sameRegistration reports whether req, already normalized, describes c.
func (c *Client) sameRegistration(req RegistrationRequest, method string) bool {
	return c.Name == req.ClientName &&
		c.TokenEndpointAuthMethod == method &&
		c.Scope == req.Scope &&
		sameSet(c.RedirectURIs, req.RedirectURIs) &&
		sameSet(c.GrantTypes, req.GrantTypes)
}

func sameSet(a, b []string) bool {
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

// deriveClientID hashes the identifying registration metadata.
func deriveClientID(req RegistrationRequest, method string) string {
	redirects := slices.Clone(req.RedirectURIs)
	slices.Sort(redirects)
	grants := slices.Clone(req.GrantTypes)
	slices.Sort(grants)
	b, _ := json.Marshal(struct {
		Name      string   `json:"n"`
		Redirects []string `json:"r"`
		Grants    []string `json:"g"`
		Method    string   `json:"m"`
		Scope     string   `json:"s"`
	}{req.ClientName, redirects, grants, method, req.Scope})
	sum := sha256.Sum256(b)
	return "mcpgw_" + hex.EncodeToString(sum[:16])
}

func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return errorf(CodeInvalidRedirectURI, "redirect_uri %q is not an absolute URI", raw)
	}
	if u.Fragment != "" {
		return errorf(CodeInvalidRedirectURI, "redirect_uri %q must not contain a fragment", raw)
	}
	switch strings.ToLower(u.Scheme) {
	case "javascript", "data", "vbscript", "file":
		return errorf(CodeInvalidRedirectURI, "redirect_uri scheme %q is not allowed", u.Scheme)
	case "http":
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return errorf(CodeInvalidRedirectURI, "http redirect_uri must target a loopback host")
		}
	}
	return nil
}
