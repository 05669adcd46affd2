// Package config describes upstream MCP servers and how the gateway reaches
// them. ServerConfig values are immutable once resolved.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
)

// AuthType selects how the gateway authenticates to an upstream server.
type AuthType string

const (
	// AuthHeaders sends the configured static headers.
	AuthHeaders AuthType = "headers"
	// AuthOAuthAuto requires a per-user upstream token obtained through the
	// gateway's upstream OAuth handshake.
	AuthOAuthAuto AuthType = "oauth_auto"
	// AuthOAuthClientCredentials obtains a service token with the OAuth
	// client_credentials grant.
	AuthOAuthClientCredentials AuthType = "oauth_client_credentials"
)

// Transport identifies an MCP wire transport.
type Transport string

const (
	TransportStreamableHTTP Transport = "streamable_http"
	TransportSSE            Transport = "sse"
)

// TransportPreference is the configured connection style for an upstream.
type TransportPreference string

const (
	// PreferAuto tries streamable HTTP first and falls back to SSE.
	PreferAuto           TransportPreference = "auto"
	PreferStreamableHTTP TransportPreference = "streamable_http"
	PreferSSE            TransportPreference = "sse"
	// PreferSSEFirst tries SSE first and falls back to streamable HTTP.
	PreferSSEFirst TransportPreference = "sse_first"
)

// Order resolves the preference to an ordered (primary, secondary)
// transport list. The secondary is absent for pinned preferences.
func (p TransportPreference) Order() []Transport {
	switch p {
	case PreferStreamableHTTP:
		return []Transport{TransportStreamableHTTP}
	case PreferSSE:
		return []Transport{TransportSSE}
	case PreferSSEFirst:
		return []Transport{TransportSSE, TransportStreamableHTTP}
	default:
		return []Transport{TransportStreamableHTTP, TransportSSE}
	}
}

// RateLimit bounds tool calls per session.
type RateLimit struct {
	PerMinute int `yaml:"per_minute" json:"per_minute" jsonschema:"minimum=1"`
	Burst     int `yaml:"burst,omitempty" json:"burst,omitempty" jsonschema:"minimum=0"`
}

// ToolPolicy restricts which upstream tools a session may see and invoke.
// Blocked always wins over Allowed; an empty Allowed list admits every tool.
type ToolPolicy struct {
	Allowed   []string   `yaml:"allowed,omitempty" json:"allowed,omitempty"`
	Blocked   []string   `yaml:"blocked,omitempty" json:"blocked,omitempty"`
	RateLimit *RateLimit `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
}

// IsBlocked reports whether name is on the block list.
func (p ToolPolicy) IsBlocked(name string) bool {
	return slices.Contains(p.Blocked, name)
}

// HasAllowList reports whether an allow list is configured.
func (p ToolPolicy) HasAllowList() bool { return len(p.Allowed) > 0 }

// Permits reports whether name passes both lists.
func (p ToolPolicy) Permits(name string) bool {
	if p.IsBlocked(name) {
		return false
	}
	return !p.HasAllowList() || slices.Contains(p.Allowed, name)
}

// ClientCredentials configures the oauth_client_credentials auth type.
type ClientCredentials struct {
	TokenURL     string   `yaml:"token_url" json:"token_url"`
	ClientID     string   `yaml:"client_id" json:"client_id"`
	ClientSecret string   `yaml:"client_secret" json:"client_secret"`
	Scopes       []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// ServerConfig describes one upstream MCP server within a workspace.
type ServerConfig struct {
	ID          string              `yaml:"id" json:"id" jsonschema:"required"`
	WorkspaceID string              `yaml:"workspace" json:"workspace" jsonschema:"required"`
	Name        string              `yaml:"name,omitempty" json:"name,omitempty"`
	URL         string              `yaml:"url" json:"url" jsonschema:"required,format=uri"`
	Headers     map[string]string   `yaml:"headers,omitempty" json:"headers,omitempty"`
	AuthType    AuthType            `yaml:"auth_type,omitempty" json:"auth_type,omitempty" jsonschema:"enum=headers,enum=oauth_auto,enum=oauth_client_credentials"`
	OAuthScopes []string            `yaml:"oauth_scopes,omitempty" json:"oauth_scopes,omitempty"`
	Credentials *ClientCredentials  `yaml:"client_credentials,omitempty" json:"client_credentials,omitempty"`
	Tools       ToolPolicy          `yaml:"tools,omitempty" json:"tools,omitempty"`
	Transport   TransportPreference `yaml:"transport,omitempty" json:"transport,omitempty" jsonschema:"enum=auto,enum=streamable_http,enum=sse,enum=sse_first"`
}

// Validate checks required fields and fills defaults.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return errors.New("server id is required")
	}
	if c.WorkspaceID == "" {
		return fmt.Errorf("server %q: workspace is required", c.ID)
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server %q: url must be an absolute http(s) URL", c.ID)
	}
	if c.AuthType == "" {
		c.AuthType = AuthHeaders
	}
	switch c.AuthType {
	case AuthHeaders, AuthOAuthAuto:
	case AuthOAuthClientCredentials:
		if c.Credentials == nil || c.Credentials.TokenURL == "" || c.Credentials.ClientID == "" {
			return fmt.Errorf("server %q: client_credentials.token_url and client_id are required", c.ID)
		}
	default:
		return fmt.Errorf("server %q: unknown auth_type %q", c.ID, c.AuthType)
	}
	if c.Transport == "" {
		c.Transport = PreferAuto
	}
	switch c.Transport {
	case PreferAuto, PreferStreamableHTTP, PreferSSE, PreferSSEFirst:
	default:
		return fmt.Errorf("server %q: unknown transport %q", c.ID, c.Transport)
	}
	if rl := c.Tools.RateLimit; rl != nil && rl.PerMinute <= 0 {
		return fmt.Errorf("server %q: rate_limit.per_minute must be positive", c.ID)
	}
	return nil
}

// NeedsUserOAuth reports whether connecting requires a per-user upstream
// token.
func (c *ServerConfig) NeedsUserOAuth() bool { return c.AuthType == AuthOAuthAuto }

// Clone returns a deep copy.
func (c *ServerConfig) Clone() *ServerConfig {
	out := *c
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	out.OAuthScopes = slices.Clone(c.OAuthScopes)
	out.Tools.Allowed = slices.Clone(c.Tools.Allowed)
	out.Tools.Blocked = slices.Clone(c.Tools.Blocked)
	if c.Tools.RateLimit != nil {
		rl := *c.Tools.RateLimit
		out.Tools.RateLimit = &rl
	}
	if c.Credentials != nil {
		cc := *c.Credentials
		cc.Scopes = slices.Clone(c.Credentials.Scopes)
		out.Credentials = &cc
	}
	return &out
}

// Resolver maps (workspaceID, serverID) to a ServerConfig.
type Resolver interface {
	Resolve(ctx context.Context, workspaceID, serverID string) (*ServerConfig, error)
}

// ErrServerNotFound is returned by resolvers for unknown servers.
var ErrServerNotFound = errors.New("config: server not found")

// StaticResolver serves a fixed set of servers.
type StaticResolver struct {
	servers map[string]*ServerConfig
}

// NewStaticResolver validates servers and indexes them.
func NewStaticResolver(servers ...*ServerConfig) (*StaticResolver, error) {
	idx, err := index(servers)
	if err != nil {
		return nil, err
	}
	return &StaticResolver{servers: idx}, nil
}

func (r *StaticResolver) Resolve(ctx context.Context, workspaceID, serverID string) (*ServerConfig, error) {
	c, ok := r.servers[key(workspaceID, serverID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrServerNotFound, workspaceID, serverID)
	}
	return c.Clone(), nil
}

func key(workspaceID, serverID string) string { return workspaceID + "/" + serverID }

func index(servers []*ServerConfig) (map[string]*ServerConfig, error) {
	out := make(map[string]*ServerConfig, len(servers))
	for _, s := range servers {
		c := s.Clone()
		if err := c.Validate(); err != nil {
			return nil, err
		}
		k := key(c.WorkspaceID, c.ID)
		if _, dup := out[k]; dup {
			return nil, fmt.Errorf("duplicate server %s", k)
		}
		out[k] = c
	}
	return out, nil
}

var (
	_ Resolver = (*StaticResolver)(nil)
	_ Resolver = (*FileResolver)(nil)
)
