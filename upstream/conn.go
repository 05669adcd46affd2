package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ggoodman/mcp-gateway/config"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/mcp"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Conn is one live upstream MCP session, independent of wire format.
type Conn interface {
	// SessionID is the upstream-assigned session id, if any.
	SessionID() string
	// InitializeResult is the upstream's initialize result as JSON.
	InitializeResult() json.RawMessage
	// Call performs a request and returns its raw result. Upstream JSON-RPC
	// errors are returned as *jsonrpc.Error.
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
	// Relay sends a client response or notification upstream unchanged.
	Relay(ctx context.Context, msg *jsonrpc.AnyMessage) error
	Close() error
}

// Dialer opens a Conn over one transport.
type Dialer interface {
	Dial(ctx context.Context, transport config.Transport, endpoint string, client *http.Client) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, transport config.Transport, endpoint string, client *http.Client) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, transport config.Transport, endpoint string, client *http.Client) (Conn, error) {
	return f(ctx, transport, endpoint, client)
}

// SDKDialer dials upstream servers with the official MCP Go SDK client.
type SDKDialer struct {
	Implementation *sdk.Implementation
}

func (d *SDKDialer) Dial(ctx context.Context, transport config.Transport, endpoint string, client *http.Client) (Conn, error) {
	impl := d.Implementation
	if impl == nil {
		impl = &sdk.Implementation{Name: "mcp-gateway", Version: "dev"}
	}
	c := sdk.NewClient(impl, &sdk.ClientOptions{})

	var t sdk.Transport
	switch transport {
	case config.TransportStreamableHTTP:
		t = &sdk.StreamableClientTransport{Endpoint: endpoint, HTTPClient: client}
	case config.TransportSSE:
		t = &sdk.SSEClientTransport{Endpoint: endpoint, HTTPClient: client}
	default:
		return nil, fmt.Errorf("unsupported transport %q", transport)
	}

	cs, err := c.Connect(ctx, t, &sdk.ClientSessionOptions{})
	if err != nil {
		return nil, err
	}

	init, err := json.Marshal(cs.InitializeResult())
	if err != nil {
		_ = cs.Close()
		return nil, fmt.Errorf("encode initialize result: %w", err)
	}

	sc := &sdkConn{cs: cs, init: init, transport: transport}
	if transport == config.TransportStreamableHTTP {
		var ir mcp.InitializeResult
		_ = json.Unmarshal(init, &ir)
		sc.raw = &rawForwarder{endpoint: endpoint, client: client, sessionID: cs.ID(), protocolVersion: ir.ProtocolVersion}
	}
	return sc, nil
}

type sdkConn struct {
	cs        *sdk.ClientSession
	init      json.RawMessage
	transport config.Transport
	raw       *rawForwarder
}

func (c *sdkConn) SessionID() string                 { return c.cs.ID() }
func (c *sdkConn) InitializeResult() json.RawMessage { return c.init }
func (c *sdkConn) Close() error                      { return c.cs.Close() }

func (c *sdkConn) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	switch mcp.Method(method) {
	case mcp.ToolsListMethod:
		return call(ctx, params, c.cs.ListTools)
	case mcp.ToolsCallMethod:
		return call(ctx, params, c.cs.CallTool)
	case mcp.PromptsListMethod:
		return call(ctx, params, c.cs.ListPrompts)
	case mcp.PromptsGetMethod:
		return call(ctx, params, c.cs.GetPrompt)
	case mcp.ResourcesListMethod:
		return call(ctx, params, c.cs.ListResources)
	case mcp.ResourcesTemplatesListMethod:
		return call(ctx, params, c.cs.ListResourceTemplates)
	case mcp.ResourcesReadMethod:
		return call(ctx, params, c.cs.ReadResource)
	case mcp.CompletionCompleteMethod:
		return call(ctx, params, c.cs.Complete)
	case mcp.PingMethod:
		return callEmpty(ctx, params, c.cs.Ping)
	case mcp.LoggingSetLevelMethod:
		return callEmpty(ctx, params, c.cs.SetLoggingLevel)
	case mcp.ResourcesSubscribeMethod:
		return callEmpty(ctx, params, c.cs.Subscribe)
	case mcp.ResourcesUnsubscribeMethod:
		return callEmpty(ctx, params, c.cs.Unsubscribe)
	}
	if c.raw == nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method %q cannot be forwarded over %s", method, c.transport), nil)
	}
	return c.raw.call(ctx, method, params)
}

func (c *sdkConn) Relay(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	if c.raw == nil {
		return fmt.Errorf("%w: relay over %s", ErrUnsupported, c.transport)
	}
	return c.raw.relay(ctx, msg)
}

// call decodes params into the SDK's typed params, invokes fn and encodes
// the typed result back to JSON.
func call[P, R any](ctx context.Context, params json.RawMessage, fn func(context.Context, *P) (*R, error)) (json.RawMessage, error) {
	p := new(P)
	if len(params) > 0 {
		if err := json.Unmarshal(params, p); err != nil {
			return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid params: "+err.Error(), nil)
		}
	}
	res, err := fn(ctx, p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

func callEmpty[P any](ctx context.Context, params json.RawMessage, fn func(context.Context, *P) error) (json.RawMessage, error) {
	p := new(P)
	if len(params) > 0 {
		if err := json.Unmarshal(params, p); err != nil {
			return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid params: "+err.Error(), nil)
		}
	}
	if err := fn(ctx, p); err != nil {
		return nil, err
	}
	return json.RawMessage("{}"), nil
}
