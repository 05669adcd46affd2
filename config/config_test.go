package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/internal/testlog"
)

func TestToolPolicy(t *testing.T) {
	p := ToolPolicy{Allowed: []string{"search", "deleteIssue"}, Blocked: []string{"deleteIssue"}}

	tests := []struct {
		name    string
		permits bool
	}{
		{"search", true},
		{"deleteIssue", false},
		{"createIssue", false},
	}
	for _, tt := range tests {
		if got := p.Permits(tt.name); got != tt.permits {
			t.Errorf("Permits(%q): want %v, got %v", tt.name, tt.permits, got)
		}
	}

	open := ToolPolicy{Blocked: []string{"deleteIssue"}}
	if !open.Permits("anything") {
		t.Error("expected empty allow list to admit unlisted tools")
	}
	if open.Permits("deleteIssue") {
		t.Error("expected blocked tool to be rejected")
	}
}

func TestTransportOrder(t *testing.T) {
	tests := []struct {
		pref TransportPreference
		want []Transport
	}{
		{PreferAuto, []Transport{TransportStreamableHTTP, TransportSSE}},
		{"", []Transport{TransportStreamableHTTP, TransportSSE}},
		{PreferSSEFirst, []Transport{TransportSSE, TransportStreamableHTTP}},
		{PreferSSE, []Transport{TransportSSE}},
		{PreferStreamableHTTP, []Transport{TransportStreamableHTTP}},
	}
	for _, tt := range tests {
		got := tt.pref.Order()
		if len(got) != len(tt.want) {
			t.Fatalf("%q: want %v, got %v", tt.pref, tt.want, got)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("%q: want %v, got %v", tt.pref, tt.want, got)
			}
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"minimal", ServerConfig{ID: "gh", WorkspaceID: "w", URL: "https://example.com/mcp"}, false},
		{"missing id", ServerConfig{WorkspaceID: "w", URL: "https://example.com"}, true},
		{"relative url", ServerConfig{ID: "gh", WorkspaceID: "w", URL: "/mcp"}, true},
		{"bad auth", ServerConfig{ID: "gh", WorkspaceID: "w", URL: "https://x", AuthType: "magic"}, true},
		{"cc without creds", ServerConfig{ID: "gh", WorkspaceID: "w", URL: "https://x", AuthType: AuthOAuthClientCredentials}, true},
		{"zero rate", ServerConfig{ID: "gh", WorkspaceID: "w", URL: "https://x", Tools: ToolPolicy{RateLimit: &RateLimit{}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (cfg.AuthType != AuthHeaders || cfg.Transport != PreferAuto) {
				t.Fatalf("expected defaults to be filled, got auth=%q transport=%q", cfg.AuthType, cfg.Transport)
			}
		})
	}
}

func TestStaticResolverReturnsCopies(t *testing.T) {
	r, err := NewStaticResolver(&ServerConfig{ID: "gh", WorkspaceID: "w", URL: "https://x", Tools: ToolPolicy{Blocked: []string{"a"}}})
	if err != nil {
		t.Fatalf("NewStaticResolver: %v", err)
	}
	c, err := r.Resolve(context.Background(), "w", "gh")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	c.Tools.Blocked[0] = "mutated"

	again, _ := r.Resolve(context.Background(), "w", "gh")
	if again.Tools.Blocked[0] != "a" {
		t.Fatalf("resolver state was mutated through a returned copy")
	}

	if _, err := r.Resolve(context.Background(), "w", "missing"); !errors.Is(err, ErrServerNotFound) {
		t.Fatalf("unexpected error: want %v, got %v", ErrServerNotFound, err)
	}
}

const serversYAML = `
servers:
  - id: github
    workspace: acme
    url: https://mcp.github.example/mcp
    auth_type: oauth_auto
    tools:
      blocked: [deleteIssue]
      rate_limit:
        per_minute: 60
`

func TestFileResolverReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	if err := os.WriteFile(path, []byte(serversYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := NewFileResolver(path, testlog.New(t))
	if err != nil {
		t.Fatalf("NewFileResolver: %v", err)
	}
	c, err := r.Resolve(context.Background(), "acme", "github")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c.AuthType != AuthOAuthAuto || !c.Tools.IsBlocked("deleteIssue") || c.Tools.RateLimit.PerMinute != 60 {
		t.Fatalf("unexpected config: %+v", c)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	updated := serversYAML + `
  - id: linear
    workspace: acme
    url: https://mcp.linear.example/sse
    transport: sse
`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := r.Resolve(context.Background(), "acme", "linear"); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected reloaded server to become resolvable")
}

func TestParseFileRejectsDuplicates(t *testing.T) {
	doc := serversYAML + `
  - id: github
    workspace: acme
    url: https://other.example/mcp
`
	if _, err := ParseFile([]byte(doc)); err == nil {
		t.Fatal("expected duplicate server error")
	}
}

func TestSchemaDescribesServers(t *testing.T) {
	b, err := Schema()
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	props, _ := doc["properties"].(map[string]any)
	if _, ok := props["servers"]; !ok {
		t.Fatalf("expected servers property in schema: %s", b)
	}
}
