package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ggoodman/mcp-gateway/session"
	"github.com/ggoodman/mcp-gateway/storage"
)

// Health is the body of GET /health.
type Health struct {
	Status   string         `json:"status"`
	Sessions session.Stats  `json:"sessions"`
	Cache    *storage.Stats `json:"cache,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := Health{Status: "ok"}
	status := http.StatusOK

	stats, err := h.store.Stats(r.Context())
	if err != nil {
		body.Status = "degraded"
		status = http.StatusServiceUnavailable
		h.log.WarnContext(r.Context(), "health.sessions.fail", slog.String("err", err.Error()))
	}
	body.Sessions = stats
	if h.cache != nil {
		cs := h.cache.Stats()
		body.Cache = &cs
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
