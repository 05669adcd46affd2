// Package telemetry holds the OpenTelemetry instruments used by the gateway.
// All methods are safe on a nil *Instruments.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scope = "github.com/ggoodman/mcp-gateway"

// Attribute keys. Never attach token or secret values.
const (
	AttrServerID   = "mcp.server_id"
	AttrTransport  = "mcp.transport"
	AttrOutcome    = "mcp.outcome"
	AttrReason     = "mcp.policy.reason"
	AttrGrantType  = "oauth.grant_type"
	AttrTokenKind  = "oauth.token_kind"
	AttrResurrect  = "mcp.session.resurrected"
	AttrMethod     = "rpc.method"
	AttrToolName   = "mcp.tool"
	AttrWorkspace  = "mcp.workspace_id"
	AttrClientType = "oauth.client_type"
)

// Instruments bundles the gateway's meters and tracer.
type Instruments struct {
	tracer trace.Tracer

	sessionsOpened    metric.Int64Counter
	sessionsClosed    metric.Int64Counter
	initFailures      metric.Int64Counter
	upstreamConnects  metric.Int64Counter
	toolCalls         metric.Int64Counter
	policyRejections  metric.Int64Counter
	tokensIssued      metric.Int64Counter
	tokensRevoked     metric.Int64Counter
	clientsRegistered metric.Int64Counter
}

// New creates instruments from explicit providers.
func New(mp metric.MeterProvider, tp trace.TracerProvider) (*Instruments, error) {
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	m := mp.Meter(scope)
	inst := &Instruments{tracer: tp.Tracer(scope)}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&inst.sessionsOpened, "mcpgw.session.opened", "Sessions created or resurrected", "{session}"},
		{&inst.sessionsClosed, "mcpgw.session.closed", "Sessions closed", "{session}"},
		{&inst.initFailures, "mcpgw.session.init_failed", "Session initializations that failed", "{attempt}"},
		{&inst.upstreamConnects, "mcpgw.upstream.connects", "Upstream connection attempts", "{attempt}"},
		{&inst.toolCalls, "mcpgw.tool.calls", "Tool calls forwarded upstream", "{call}"},
		{&inst.policyRejections, "mcpgw.tool.rejected", "Tool calls rejected by policy", "{call}"},
		{&inst.tokensIssued, "mcpgw.oauth.tokens_issued", "Gateway tokens issued", "{token}"},
		{&inst.tokensRevoked, "mcpgw.oauth.tokens_revoked", "Gateway tokens revoked", "{token}"},
		{&inst.clientsRegistered, "mcpgw.oauth.clients_registered", "OAuth clients registered", "{client}"},
	}
	for _, c := range counters {
		ctr, err := m.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = ctr
	}
	return inst, nil
}

// Global creates instruments from the process-wide otel providers.
func Global() *Instruments {
	inst, err := New(otel.GetMeterProvider(), otel.GetTracerProvider())
	if err != nil {
		inst, _ = New(nil, nil)
	}
	return inst
}

// Start opens a span.
func (i *Instruments) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if i == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return i.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (i *Instruments) SessionOpened(ctx context.Context, serverID string, resurrected bool) {
	if i == nil {
		return
	}
	i.sessionsOpened.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrServerID, serverID), attribute.Bool(AttrResurrect, resurrected)))
}

func (i *Instruments) SessionClosed(ctx context.Context, serverID string) {
	if i == nil {
		return
	}
	i.sessionsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrServerID, serverID)))
}

func (i *Instruments) InitFailed(ctx context.Context, serverID string) {
	if i == nil {
		return
	}
	i.initFailures.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrServerID, serverID)))
}

func (i *Instruments) UpstreamConnect(ctx context.Context, serverID, transport, outcome string) {
	if i == nil {
		return
	}
	i.upstreamConnects.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrServerID, serverID),
		attribute.String(AttrTransport, transport),
		attribute.String(AttrOutcome, outcome),
	))
}

func (i *Instruments) ToolCall(ctx context.Context, serverID, outcome string) {
	if i == nil {
		return
	}
	i.toolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrServerID, serverID), attribute.String(AttrOutcome, outcome)))
}

func (i *Instruments) PolicyRejected(ctx context.Context, serverID, reason string) {
	if i == nil {
		return
	}
	i.policyRejections.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrServerID, serverID), attribute.String(AttrReason, reason)))
}

func (i *Instruments) TokenIssued(ctx context.Context, grantType string) {
	if i == nil {
		return
	}
	i.tokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrGrantType, grantType)))
}

func (i *Instruments) TokenRevoked(ctx context.Context, kind string, n int) {
	if i == nil || n == 0 {
		return
	}
	i.tokensRevoked.Add(ctx, int64(n), metric.WithAttributes(attribute.String(AttrTokenKind, kind)))
}

func (i *Instruments) ClientRegistered(ctx context.Context, clientType string) {
	if i == nil {
		return
	}
	i.clientsRegistered.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrClientType, clientType)))
}
