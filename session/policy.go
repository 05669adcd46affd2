package session

import (
	"fmt"

	"github.com/ggoodman/mcp-gateway/config"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/upstream"
	"golang.org/x/time/rate"
)

// PolicyReason names why a tool call was rejected.
type PolicyReason string

const (
	ReasonBlocked     PolicyReason = "blocked"
	ReasonNotAllowed  PolicyReason = "not_allowed"
	ReasonInvalid     PolicyReason = "invalid"
	ReasonRateLimited PolicyReason = "rate_limited"
)

// PolicyError is a tool call rejected before reaching the upstream server.
type PolicyError struct {
	Tool   string
	Reason PolicyReason
}

func (e *PolicyError) Error() string {
	switch e.Reason {
	case ReasonBlocked:
		return fmt.Sprintf("tool %q is blocked", e.Tool)
	case ReasonNotAllowed:
		return fmt.Sprintf("tool %q is not allowed", e.Tool)
	case ReasonInvalid:
		return fmt.Sprintf("tool %q is invalid: not offered by the upstream server", e.Tool)
	case ReasonRateLimited:
		return fmt.Sprintf("rate limit exceeded for tool %q", e.Tool)
	}
	return fmt.Sprintf("tool %q rejected", e.Tool)
}

// RPCError converts the rejection to its protocol shape.
func (e *PolicyError) RPCError() *jsonrpc.Error {
	code := jsonrpc.ErrorCodeInvalidParams
	if e.Reason == ReasonRateLimited {
		code = jsonrpc.ErrorCodeInvalidRequest
	}
	return jsonrpc.NewError(code, e.Error(), map[string]string{
		"reason": string(e.Reason),
		"tool":   e.Tool,
	})
}

// toolPolicy enforces a server's ToolPolicy for one session.
type toolPolicy struct {
	cfg     config.ToolPolicy
	limiter *rate.Limiter
}

func newToolPolicy(cfg config.ToolPolicy) *toolPolicy {
	p := &toolPolicy{cfg: cfg}
	if rl := cfg.RateLimit; rl != nil && rl.PerMinute > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = rl.PerMinute
		}
		p.limiter = rate.NewLimiter(rate.Limit(float64(rl.PerMinute)/60), burst)
	}
	return p
}

// filter drops tools the session may not see. Definitions are returned
// untouched.
func (p *toolPolicy) filter(tools []upstream.Tool) []upstream.Tool {
	out := make([]upstream.Tool, 0, len(tools))
	for _, t := range tools {
		if p.cfg.Permits(t.Name) {
			out = append(out, t)
		}
	}
	return out
}

// checkStatic applies the block and allow lists. It needs no upstream.
func (p *toolPolicy) checkStatic(name string) error {
	if p.cfg.IsBlocked(name) {
		return &PolicyError{Tool: name, Reason: ReasonBlocked}
	}
	if !p.cfg.Permits(name) {
		return &PolicyError{Tool: name, Reason: ReasonNotAllowed}
	}
	return nil
}

// allow consumes one rate limit token.
func (p *toolPolicy) allow(name string) error {
	if p.limiter != nil && !p.limiter.Allow() {
		return &PolicyError{Tool: name, Reason: ReasonRateLimited}
	}
	return nil
}
