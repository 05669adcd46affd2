package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ggoodman/mcp-gateway/config"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/session"
	"github.com/ggoodman/mcp-gateway/upstream"
)

// spy is shared by every fake connector a factory hands out, so tests can
// count upstream traffic across sessions and restarts.
type spy struct {
	mu         sync.Mutex
	connectErr error
	authURL    string
	connects   int
	toolCalls  int
	users      []string
}

func (s *spy) set(fn func(*spy)) {
	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
}

func (s *spy) counts() (connects, toolCalls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects, s.toolCalls
}

func (s *spy) factory() session.UpstreamFactory {
	return func(cfg *config.ServerConfig, userID string, preferred config.Transport) session.Upstream {
		s.mu.Lock()
		s.users = append(s.users, userID)
		s.mu.Unlock()
		return &fakeUpstream{spy: s}
	}
}

type fakeUpstream struct {
	spy *spy

	mu        sync.Mutex
	connected bool
	pending   string
}

var fakeTools = []string{"listIssues", "deleteIssue"}

func (f *fakeUpstream) Connect(ctx context.Context) (upstream.Result, error) {
	f.spy.mu.Lock()
	f.spy.connects++
	err, authURL := f.spy.connectErr, f.spy.authURL
	f.spy.mu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		return upstream.Result{}, err
	}
	if authURL != "" {
		f.pending = authURL
		return upstream.Result{Status: upstream.StatusNeedsAuth, AuthURL: authURL}, nil
	}
	f.connected, f.pending = true, ""
	return upstream.Result{Status: upstream.StatusConnected, Transport: config.TransportStreamableHTTP, SessionID: "up-1"}, nil
}

func (f *fakeUpstream) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeUpstream) PendingAuthURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *fakeUpstream) Transport() config.Transport { return config.TransportStreamableHTTP }
func (f *fakeUpstream) SessionID() string           { return "up-1" }

func (f *fakeUpstream) Tools() ([]upstream.Tool, error) {
	if !f.Connected() {
		return nil, upstream.ErrNotConnected
	}
	out := make([]upstream.Tool, 0, len(fakeTools))
	for _, n := range fakeTools {
		def, _ := json.Marshal(map[string]any{"name": n, "inputSchema": map[string]any{"type": "object"}})
		out = append(out, upstream.Tool{Name: n, Definition: def})
	}
	return out, nil
}

func (f *fakeUpstream) Tool(name string) (upstream.Tool, bool) {
	tools, _ := f.Tools()
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return upstream.Tool{}, false
}

func (f *fakeUpstream) InitializeResult() (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{
		ProtocolVersion: "2025-06-18",
		Capabilities:    json.RawMessage(`{"tools":{}}`),
		ServerInfo:      mcp.ImplementationInfo{Name: "fake-upstream", Version: "1.0.0"},
	}, nil
}

func (f *fakeUpstream) CallTool(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	f.spy.mu.Lock()
	f.spy.toolCalls++
	f.spy.mu.Unlock()
	return json.RawMessage(`{"content":[{"type":"text","text":"done"}]}`), nil
}

func (f *fakeUpstream) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (f *fakeUpstream) Relay(ctx context.Context, msg *jsonrpc.AnyMessage) error { return nil }

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}
