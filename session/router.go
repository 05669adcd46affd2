package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/internal/telemetry"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/upstream"
	"go.opentelemetry.io/otel/attribute"
)

// AuthRequired builds the error returned while an upstream server awaits
// user authorization.
func AuthRequired(serverID, authURL string) *jsonrpc.Error {
	return jsonrpc.NewError(jsonrpc.ErrorCodeAuthRequired, "Authorization required", map[string]any{
		"authRequired":     true,
		"authorizationUrl": authURL,
		"serverId":         serverID,
	})
}

// SessionNotFound builds the error for unknown or expired session ids.
func SessionNotFound() *jsonrpc.Error {
	return jsonrpc.NewError(jsonrpc.ErrorCodeSessionNotFound, "Session not found or expired. Please reinitialize.", nil)
}

// routeFrom returns the message handler for client messages arriving on d.
// Replies go back over the same transport.
func (s *Session) routeFrom(d Downstream) MessageHandler {
	return func(ctx context.Context, msg *jsonrpc.AnyMessage) {
		s.handleMessage(ctx, d, msg)
	}
}

func (s *Session) handleMessage(ctx context.Context, d Downstream, msg *jsonrpc.AnyMessage) {
	ctx = s.logContext(ctx)
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})
	s.touch()

	switch msg.Kind() {
	case jsonrpc.KindRequest:
		s.dispatch(ctx, d, msg)
	case jsonrpc.KindNotification:
		if mcp.Method(msg.Method) == mcp.InitializedNotificationMethod {
			// The upstream handshake already sent its own.
			s.log.DebugContext(ctx, "session.notification.consumed")
			return
		}
		s.relay(ctx, msg)
	case jsonrpc.KindResponse:
		s.relay(ctx, msg)
	}
}

func (s *Session) relay(ctx context.Context, msg *jsonrpc.AnyMessage) {
	if !s.upstream.Connected() {
		s.log.WarnContext(ctx, "session.relay.drop", slog.String("reason", "upstream not connected"))
		return
	}
	if err := s.upstream.Relay(ctx, msg); err != nil {
		s.log.WarnContext(ctx, "session.relay.fail", slog.String("err", err.Error()))
	}
}

func (s *Session) dispatch(ctx context.Context, d Downstream, req *jsonrpc.AnyMessage) {
	route := mcp.RouteOf(req.Method)
	ctx, span := s.tel.Start(ctx, "session.dispatch",
		attribute.String(telemetry.AttrMethod, req.Method),
		attribute.String("mcp.route", route.String()),
	)

	var (
		result json.RawMessage
		err    error
	)
	switch route {
	case mcp.RouteInitialize:
		result, err = s.handleInitialize(ctx, req.Params)
	case mcp.RouteToolsList:
		result, err = s.handleToolsList(ctx)
	case mcp.RouteToolsCall:
		result, err = s.handleToolsCall(ctx, req.Params)
	case mcp.RoutePassthrough, mcp.RouteForward:
		result, err = s.forward(ctx, req)
	default:
		err = fmt.Errorf("unhandled route %s", route)
	}
	telemetry.End(span, err)
	s.reply(ctx, d, req.ID, result, err)
}

// reply sends exactly one response for id.
func (s *Session) reply(ctx context.Context, d Downstream, id *jsonrpc.RequestID, result json.RawMessage, err error) {
	var resp *jsonrpc.Response
	if err == nil {
		var encErr error
		resp, encErr = jsonrpc.NewResultResponse(id, result)
		if encErr != nil {
			err = encErr
		}
	}
	if err != nil {
		rpcErr := toRPCError(err)
		resp = &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Error: rpcErr, ID: id}
		level := slog.LevelWarn
		if rpcErr.Code == jsonrpc.ErrorCodeInternalError {
			level = slog.LevelError
		}
		s.log.Log(ctx, level, "session.request.fail", slog.Int("code", int(rpcErr.Code)), slog.String("err", err.Error()))
	}
	if sendErr := d.Send(ctx, jsonrpc.FromResponse(resp)); sendErr != nil {
		s.log.WarnContext(ctx, "session.reply.fail", slog.String("err", sendErr.Error()))
	}
}

func toRPCError(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var pe *PolicyError
	if errors.As(err, &pe) {
		return pe.RPCError()
	}
	var ae *upstream.AuthRequiredError
	if errors.As(err, &ae) {
		return AuthRequired(ae.ServerID, ae.URL)
	}
	switch {
	case errors.Is(err, ErrSessionClosed):
		return SessionNotFound()
	case errors.Is(err, upstream.ErrUnsupported):
		return jsonrpc.NewError(jsonrpc.ErrorCodeMethodNotFound, err.Error(), nil)
	}
	return jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, err.Error(), nil)
}

// ensureUpstream connects lazily. While an authorization URL is pending no
// connect is attempted.
func (s *Session) ensureUpstream(ctx context.Context) error {
	if s.upstream.Connected() {
		return nil
	}
	if u := s.upstream.PendingAuthURL(); u != "" {
		return &upstream.AuthRequiredError{ServerID: s.cfg.ID, URL: u}
	}
	res, err := s.upstream.Connect(ctx)
	if err != nil {
		return err
	}
	if res.Status == upstream.StatusNeedsAuth {
		return &upstream.AuthRequiredError{ServerID: s.cfg.ID, URL: res.AuthURL}
	}

	s.mu.Lock()
	if s.state == StateNew && s.downstream != nil {
		s.state = StateActive
		s.transports.Upstream = res.Transport
		s.upstreamSessionID = res.SessionID
	}
	s.mu.Unlock()
	s.log.InfoContext(ctx, "session.upstream.lazy_connect", slog.String("transport", string(res.Transport)))
	return nil
}

func (s *Session) handleInitialize(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var req mcp.InitializeRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
		}
	}
	if err := s.ensureUpstream(ctx); err != nil {
		return nil, err
	}
	ir, err := s.upstream.InitializeResult()
	if err != nil {
		return nil, err
	}

	out := *ir
	switch {
	case mcp.IsSupportedProtocolVersion(req.ProtocolVersion):
		out.ProtocolVersion = req.ProtocolVersion
	case out.ProtocolVersion == "":
		out.ProtocolVersion = mcp.LatestProtocolVersion
	}
	if len(out.Capabilities) == 0 {
		out.Capabilities = json.RawMessage("{}")
	}
	s.log.InfoContext(ctx, "session.client.initialize",
		slog.String("client", req.ClientInfo.Name),
		slog.String("client_version", req.ClientInfo.Version),
		slog.String("protocol_version", out.ProtocolVersion),
	)
	return json.Marshal(out)
}

func (s *Session) handleToolsList(ctx context.Context) (json.RawMessage, error) {
	if err := s.ensureUpstream(ctx); err != nil {
		return nil, err
	}
	tools, err := s.upstream.Tools()
	if err != nil {
		return nil, err
	}
	visible := s.policy.filter(tools)
	defs := make([]json.RawMessage, 0, len(visible))
	for _, t := range visible {
		defs = append(defs, t.Definition)
	}
	return json.Marshal(mcp.ListToolsResult{Tools: defs})
}

func (s *Session) handleToolsCall(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var req mcp.CallToolRequest
	if err := json.Unmarshal(params, &req); err != nil || req.Name == "" {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "tools/call requires a tool name", nil)
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: req.Name})

	if err := s.policy.checkStatic(req.Name); err != nil {
		return nil, s.reject(ctx, err)
	}
	if err := s.ensureUpstream(ctx); err != nil {
		return nil, err
	}
	if _, ok := s.upstream.Tool(req.Name); !ok {
		return nil, s.reject(ctx, &PolicyError{Tool: req.Name, Reason: ReasonInvalid})
	}
	if err := s.policy.allow(req.Name); err != nil {
		return nil, s.reject(ctx, err)
	}

	res, err := s.upstream.CallTool(ctx, params)
	if err != nil {
		s.tel.ToolCall(ctx, s.cfg.ID, "error")
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "tool execution failed: "+err.Error(), map[string]string{
			"reason": "execution_failed",
			"tool":   req.Name,
		})
	}
	s.tel.ToolCall(ctx, s.cfg.ID, "ok")
	return res, nil
}

func (s *Session) reject(ctx context.Context, err error) error {
	var pe *PolicyError
	if errors.As(err, &pe) {
		s.tel.PolicyRejected(ctx, s.cfg.ID, string(pe.Reason))
		s.log.InfoContext(ctx, "session.tool.rejected", slog.String("reason", string(pe.Reason)))
	}
	return err
}

func (s *Session) forward(ctx context.Context, req *jsonrpc.AnyMessage) (json.RawMessage, error) {
	if err := s.ensureUpstream(ctx); err != nil {
		return nil, err
	}
	return s.upstream.Call(ctx, req.Method, req.Params)
}
