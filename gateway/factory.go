package gateway

import (
	"github.com/ggoodman/mcp-gateway/config"
	"github.com/ggoodman/mcp-gateway/oauth"
	"github.com/ggoodman/mcp-gateway/session"
	"github.com/ggoodman/mcp-gateway/upstream"
)

// UpstreamFactory builds SDK-backed connectors that take per-user upstream
// tokens from g and send users to g's upstream authorization flow when none
// exist. g may be nil, in which case oauth_auto servers always need auth.
func UpstreamFactory(g *oauth.Gateway, opts ...upstream.Option) session.UpstreamFactory {
	return func(cfg *config.ServerConfig, userID string, preferred config.Transport) session.Upstream {
		all := make([]upstream.Option, 0, len(opts)+4)
		all = append(all, opts...)
		all = append(all, upstream.WithUserID(userID), upstream.WithPreferredTransport(preferred))
		if g != nil {
			all = append(all, upstream.WithTokenProvider(g), upstream.WithAuthURL(g.UpstreamAuthURL))
		}
		return upstream.New(cfg, all...)
	}
}
