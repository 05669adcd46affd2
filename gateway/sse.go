package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-gateway/config"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/session"
)

// handleSSE opens a persistent event stream. The first event names the
// endpoint the client posts its messages to; every later event carries one
// outbound JSON-RPC message. The session ends with the stream.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeHTTPError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.sse.accept.unsupported")
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		writeHTTPError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	id, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	workspaceID, serverID := r.PathValue("workspace"), r.PathValue("server")
	s, _, err := h.anchor(ctx, "", workspaceID, serverID, id)
	if err != nil {
		h.writeAnchorError(w, r, err)
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.ID(), UserID: s.UserID(), WorkspaceID: workspaceID, ServerID: serverID, Transport: string(config.TransportSSE)})

	d, err := s.InitializeOrRestore(ctx, config.TransportSSE)
	if err != nil {
		if derr := h.store.Delete(ctx, s.ID()); derr != nil {
			h.log.WarnContext(ctx, "session.store.delete.fail", slog.String("err", derr.Error()))
		}
		writeHTTPError(w, http.StatusInternalServerError, "failed to initialize session: "+err.Error())
		h.log.ErrorContext(ctx, "http.sse.initialize.fail", slog.String("err", err.Error()))
		return
	}
	st, ok := d.(*session.SSETransport)
	if !ok {
		writeHTTPError(w, http.StatusInternalServerError, "session is bound to another transport")
		return
	}
	defer func() {
		// A dropped stream cannot be resumed; the endpoint is tied to it.
		_ = s.Close(context.WithoutCancel(ctx))
		h.log.InfoContext(ctx, "http.sse.closed", slog.Duration("dur", time.Since(start)))
	}()

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(SessionIDHeader, s.ID())
	w.WriteHeader(http.StatusOK)

	ew := newEventWriter(w)
	endpoint := messagesPath + "?" + url.Values{sessionIDParam: {s.ID()}}.Encode()
	if err := ew.event("endpoint", []byte(endpoint)); err != nil {
		return
	}
	h.log.InfoContext(ctx, "http.sse.open")

	var tick <-chan time.Time
	if h.keepAlive > 0 {
		t := time.NewTicker(h.keepAlive)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case msg := <-st.Messages():
			payload, err := json.Marshal(responseOf(msg))
			if err != nil {
				h.log.ErrorContext(ctx, "sse.encode.fail", slog.String("err", err.Error()))
				continue
			}
			if err := ew.event("message", payload); err != nil {
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
		case <-tick:
			if err := ew.comment("ping"); err != nil {
				return
			}
		case <-st.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleMessages accepts a client message for an SSE session. The reply, if
// any, travels over the event stream.
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeHTTPError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}
	id, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	msg, perr := readMessage(r)
	if perr != nil {
		writeRPC(w, http.StatusBadRequest, errorMessage(nil, perr))
		return
	}

	s, err := h.lookup(ctx, r.URL.Query().Get(sessionIDParam), "", "", id)
	if err != nil {
		if errors.Is(err, errMissingSession) || errors.Is(err, session.ErrSessionNotFound) {
			writeRPC(w, http.StatusNotFound, errorMessage(msg.ID, session.SessionNotFound()))
			return
		}
		h.writeLookupError(w, r, msg, err)
		return
	}
	st, ok := s.Downstream().(*session.SSETransport)
	if !ok {
		// Restored from storage, or bound to streamable HTTP: the event
		// stream this endpoint belonged to is gone.
		writeRPC(w, http.StatusNotFound, errorMessage(msg.ID, session.SessionNotFound()))
		return
	}
	if err := st.Deliver(ctx, msg); err != nil {
		writeRPC(w, http.StatusNotFound, errorMessage(msg.ID, session.SessionNotFound()))
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("Accepted"))
	h.log.DebugContext(ctx, "http.messages.accepted", slog.String("kind", msg.Type()), slog.String("method", msg.Method))
}
