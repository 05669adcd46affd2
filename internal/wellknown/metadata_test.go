package wellknown

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCandidates(t *testing.T) {
	got := candidates("https://api.example.com/mcp/", ProtectedResourcePath)
	want := []string{
		"https://api.example.com/.well-known/oauth-protected-resource/mcp",
		"https://api.example.com/.well-known/oauth-protected-resource",
	}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("want %v, got %v", want, got)
	}
	if got := candidates("https://as.example.com", AuthorizationServerPath); len(got) != 1 {
		t.Fatalf("want a single root candidate, got %v", got)
	}
}

func TestFetchProtectedResourceFallsBackToRoot(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(ProtectedResourcePath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ProtectedResourceMetadata{Resource: "x", AuthorizationServers: []string{"https://as.example.com"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	md, err := FetchProtectedResource(context.Background(), srv.Client(), srv.URL+"/mcp")
	if err != nil {
		t.Fatalf("FetchProtectedResource: %v", err)
	}
	if len(md.AuthorizationServers) != 1 || md.AuthorizationServers[0] != "https://as.example.com" {
		t.Fatalf("unexpected metadata %+v", md)
	}
}

func TestFetchAuthServerOpenIDFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(OpenIDConfigurationPath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(AuthServerMetadata{Issuer: "x", TokenEndpoint: "https://as/token"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	md, err := FetchAuthServer(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("FetchAuthServer: %v", err)
	}
	if md.TokenEndpoint != "https://as/token" {
		t.Fatalf("unexpected token endpoint %q", md.TokenEndpoint)
	}
}

func TestFetchAuthServerNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	if _, err := FetchAuthServer(context.Background(), srv.Client(), srv.URL); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
