package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/mcp-gateway/internal/wellknown"
	"github.com/ggoodman/mcp-gateway/oauth"
)

// identity is the caller as established by the bearer token.
type identity struct {
	userID    string
	expiresAt *time.Time
}

var anonymous = identity{userID: "anonymous"}

// authenticate checks the bearer token when an Authenticator is configured.
// On failure it writes a 401 with a Bearer challenge and returns false.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (identity, bool) {
	if h.auth == nil {
		return anonymous, true
	}
	ctx := r.Context()

	token, ok := bearerToken(r)
	if !ok {
		w.Header().Add(wwwAuthenticateHdr, buildBearerChallenge(h.resourceMetadataURL(r), nil))
		writeHTTPError(w, http.StatusUnauthorized, "missing bearer token")
		h.log.InfoContext(ctx, "auth.token.missing")
		return identity{}, false
	}

	in, err := h.auth.Authenticate(ctx, token)
	if err != nil {
		if errors.Is(err, oauth.ErrInactiveToken) {
			w.Header().Add(wwwAuthenticateHdr, buildBearerChallenge(h.resourceMetadataURL(r), map[string]string{
				"error":             "invalid_token",
				"error_description": "the access token is invalid or expired",
			}))
			writeHTTPError(w, http.StatusUnauthorized, "invalid token")
			h.log.InfoContext(ctx, "auth.token.invalid")
			return identity{}, false
		}
		writeHTTPError(w, http.StatusInternalServerError, "failed to validate token")
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		return identity{}, false
	}

	id := identity{userID: in.Subject, expiresAt: in.ExpiresAt()}
	if id.userID == "" {
		id.userID = in.ClientID
	}
	return id, true
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// buildBearerChallenge formats an RFC 6750 challenge with parameters in a
// stable order.
func buildBearerChallenge(resourceMetadata string, params map[string]string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	var pieces []string
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// resourceMetadataURL is the path-specific RFC 9728 document for the
// resource at r's path.
func (h *Handler) resourceMetadataURL(r *http.Request) string {
	if h.baseURL == "" {
		return ""
	}
	return h.baseURL + wellknown.ProtectedResourcePath + r.URL.Path
}

func (h *Handler) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	resource := h.baseURL
	if p := r.PathValue("path"); p != "" {
		resource += "/" + p
	}
	md := wellknown.ProtectedResourceMetadata{
		Resource:               resource,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           "MCP Gateway",
	}
	if h.oauth != nil {
		md.AuthorizationServers = []string{h.oauth.Issuer()}
		md.ScopesSupported = h.oauth.Metadata().ScopesSupported
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(md)
}
