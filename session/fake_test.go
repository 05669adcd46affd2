package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/config"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/testlog"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/upstream"
)

// fakeUpstream implements Upstream with call-count spies.
type fakeUpstream struct {
	mu         sync.Mutex
	connected  bool
	pending    string
	authURL    string
	connectErr error
	gate       chan struct{}
	tools      []upstream.Tool
	callErr    error
	preferred  config.Transport

	connects  int
	toolCalls int
	calls     map[string]int
	relayed   []*jsonrpc.AnyMessage
}

func newFakeUpstream(tools ...string) *fakeUpstream {
	f := &fakeUpstream{calls: map[string]int{}}
	for _, n := range tools {
		def, _ := json.Marshal(map[string]any{"name": n, "description": "tool " + n, "inputSchema": map[string]any{"type": "object"}})
		f.tools = append(f.tools, upstream.Tool{Name: n, Definition: def})
	}
	return f
}

func (f *fakeUpstream) Connect(ctx context.Context) (upstream.Result, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return upstream.Result{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return upstream.Result{}, f.connectErr
	}
	if f.authURL != "" {
		f.pending = f.authURL
		return upstream.Result{Status: upstream.StatusNeedsAuth, AuthURL: f.authURL}, nil
	}
	f.connected = true
	f.pending = ""
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
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, upstream.ErrNotConnected
	}
	return f.tools, nil
}

func (f *fakeUpstream) Tool(name string) (upstream.Tool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tools {
		if t.Name == name {
			return t, true
		}
	}
	return upstream.Tool{}, false
}

func (f *fakeUpstream) InitializeResult() (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{
		ProtocolVersion: "2025-06-18",
		Capabilities:    json.RawMessage(`{"tools":{"listChanged":true}}`),
		ServerInfo:      mcp.ImplementationInfo{Name: "fake-upstream", Version: "1.0.0"},
	}, nil
}

func (f *fakeUpstream) CallTool(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolCalls++
	if f.callErr != nil {
		return nil, f.callErr
	}
	return json.RawMessage(`{"content":[{"type":"text","text":"done"}]}`), nil
}

func (f *fakeUpstream) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if method == "unknown/method" {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeMethodNotFound, "Method not found", nil)
	}
	return json.RawMessage(`{"echo":"` + method + `"}`), nil
}

func (f *fakeUpstream) Relay(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relayed = append(f.relayed, msg)
	return nil
}

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeUpstream) counts() (connects, toolCalls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.toolCalls
}

func (f *fakeUpstream) factory() UpstreamFactory {
	return func(cfg *config.ServerConfig, userID string, preferred config.Transport) Upstream {
		f.mu.Lock()
		f.preferred = preferred
		f.mu.Unlock()
		return f
	}
}

func testConfig(t *testing.T, policy config.ToolPolicy) *config.ServerConfig {
	t.Helper()
	cfg := &config.ServerConfig{ID: "github", WorkspaceID: "ws1", URL: "http://upstream.invalid/mcp", Tools: policy}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return cfg
}

func newTestSession(t *testing.T, policy config.ToolPolicy, up *fakeUpstream, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithUpstreamFactory(up.factory()), WithLogger(testlog.New(t))}, opts...)
	return New("sess-1", testConfig(t, policy), opts...)
}

// roundtrip sends one request through an initialized streamable session.
func roundtrip(t *testing.T, s *Session, method string, params any) *jsonrpc.AnyMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d, err := s.InitializeOrRestore(ctx, config.TransportStreamableHTTP)
	if err != nil {
		t.Fatalf("InitializeOrRestore: %v", err)
	}
	st, ok := d.(*StreamableTransport)
	if !ok {
		t.Fatalf("want *StreamableTransport, got %T", d)
	}
	req := &jsonrpc.AnyMessage{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, ID: jsonrpc.NewRequestID(1)}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = b
	}
	resp, err := st.Roundtrip(ctx, req)
	if err != nil {
		t.Fatalf("Roundtrip %s: %v", method, err)
	}
	return resp
}

func wantRPCError(t *testing.T, resp *jsonrpc.AnyMessage, code jsonrpc.ErrorCode) *jsonrpc.Error {
	t.Helper()
	if resp.Error == nil {
		t.Fatalf("want error %d, got result %s", code, resp.Result)
	}
	if resp.Error.Code != code {
		t.Fatalf("want error code %d, got %d (%s)", code, resp.Error.Code, resp.Error.Message)
	}
	return resp.Error
}

var errBoom = errors.New("boom")
