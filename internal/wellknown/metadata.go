// Package wellknown holds the OAuth discovery documents served by the
// gateway and read from upstream servers.
package wellknown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	ProtectedResourcePath   = "/.well-known/oauth-protected-resource"
	AuthorizationServerPath = "/.well-known/oauth-authorization-server"
	OpenIDConfigurationPath = "/.well-known/openid-configuration"
)

// ErrNotFound is returned when no candidate location serves the document.
var ErrNotFound = errors.New("wellknown: metadata not found")

// ProtectedResourceMetadata is the RFC 9728 document.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// AuthServerMetadata is the RFC 8414 document.
type AuthServerMetadata struct {
	Issuer                                 string   `json:"issuer"`
	AuthorizationEndpoint                  string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                          string   `json:"token_endpoint"`
	RegistrationEndpoint                   string   `json:"registration_endpoint,omitempty"`
	IntrospectionEndpoint                  string   `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint                     string   `json:"revocation_endpoint,omitempty"`
	JwksURI                                string   `json:"jwks_uri,omitempty"`
	ScopesSupported                        []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported                 []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported                    []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported      []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported          []string `json:"code_challenge_methods_supported,omitempty"`
	IntrospectionEndpointAuthMethods       []string `json:"introspection_endpoint_auth_methods_supported,omitempty"`
	RevocationEndpointAuthMethodsSupported []string `json:"revocation_endpoint_auth_methods_supported,omitempty"`
}

// FetchProtectedResource reads the RFC 9728 document for resource, trying
// the path-specific location first and then the origin root.
func FetchProtectedResource(ctx context.Context, hc *http.Client, resource string) (*ProtectedResourceMetadata, error) {
	var md ProtectedResourceMetadata
	if err := fetchFirst(ctx, hc, candidates(resource, ProtectedResourcePath), &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// FetchAuthServer reads the RFC 8414 document for issuer, falling back to
// OpenID Connect discovery.
func FetchAuthServer(ctx context.Context, hc *http.Client, issuer string) (*AuthServerMetadata, error) {
	urls := append(candidates(issuer, AuthorizationServerPath), candidates(issuer, OpenIDConfigurationPath)...)
	var md AuthServerMetadata
	if err := fetchFirst(ctx, hc, urls, &md); err != nil {
		return nil, err
	}
	if md.TokenEndpoint == "" {
		return nil, fmt.Errorf("authorization server %s: metadata has no token_endpoint", issuer)
	}
	return &md, nil
}

// candidates lists well-known URLs for base: the suffix inserted between
// host and path, then at the root.
func candidates(base, suffix string) []string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return nil
	}
	root := u.Scheme + "://" + u.Host
	path := strings.TrimSuffix(u.Path, "/")
	if path == "" {
		return []string{root + suffix}
	}
	return []string{root + suffix + path, root + suffix}
}

func fetchFirst(ctx context.Context, hc *http.Client, urls []string, out any) error {
	if hc == nil {
		hc = http.DefaultClient
	}
	var errs []error
	for _, u := range urls {
		err := fetchJSON(ctx, hc, u, out)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %w", ErrNotFound, errors.Join(errs...))
}

func fetchJSON(ctx context.Context, hc *http.Client, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("GET %s: %w", u, err)
	}
	return nil
}
