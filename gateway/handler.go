// Package gateway is the HTTP entry point. It authenticates clients, picks
// the downstream transport, and binds each request to a session.
//
// Routes:
//
//	POST   /mcp/{workspace}/{server}   streamable HTTP (initialize creates a session)
//	DELETE /mcp/{workspace}/{server}   end a session
//	GET    /sse/{workspace}/{server}   open an SSE session
//	POST   /messages?sessionId=...     client messages for an SSE session
//	GET    /health                     session and cache counters
package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-gateway/config"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/internal/telemetry"
	"github.com/ggoodman/mcp-gateway/internal/wellknown"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/oauth"
	"github.com/ggoodman/mcp-gateway/session"
	"github.com/ggoodman/mcp-gateway/storage"
	"github.com/google/uuid"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
	responseMediaTypes    = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
)

const (
	SessionIDHeader    = "Mcp-Session-Id"
	sessionIDParam     = "sessionId"
	messagesPath       = "/messages"
	maxBodyBytes       = 4 << 20
	defaultKeepAlive   = 15 * time.Second
	wwwAuthenticateHdr = "WWW-Authenticate"
)

// Authenticator validates gateway bearer tokens. *oauth.Gateway satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*oauth.Introspection, error)
}

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = logctx.Wrap(l) }
}

func WithTelemetry(inst *telemetry.Instruments) Option {
	return func(h *Handler) { h.tel = inst }
}

// WithAuthenticator requires a valid bearer token on every MCP endpoint.
// The token subject becomes the session's user.
func WithAuthenticator(a Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// WithOAuth mounts the OAuth endpoints of g and advertises its issuer in
// the protected resource metadata.
func WithOAuth(g *oauth.Gateway) Option {
	return func(h *Handler) { h.oauth = g }
}

// WithBaseURL sets the public URL of the gateway, used in discovery
// documents and authentication challenges.
func WithBaseURL(u string) Option {
	return func(h *Handler) { h.baseURL = strings.TrimSuffix(u, "/") }
}

// WithSessionOptions sets options applied to every new session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(h *Handler) { h.sessionOpts = append(h.sessionOpts, opts...) }
}

// WithKeepAlive sets the SSE comment interval. Zero disables keep-alives.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) { h.keepAlive = d }
}

// Handler routes MCP traffic to sessions.
type Handler struct {
	mux         *http.ServeMux
	store       *session.Store
	resolver    config.Resolver
	cache       storage.Cache
	log         *slog.Logger
	tel         *telemetry.Instruments
	auth        Authenticator
	oauth       *oauth.Gateway
	baseURL     string
	sessionOpts []session.Option
	keepAlive   time.Duration
	newID       func() string
}

// New builds the handler. cache is only read for health counters.
func New(store *session.Store, resolver config.Resolver, cache storage.Cache, opts ...Option) *Handler {
	h := &Handler{
		mux:       http.NewServeMux(),
		store:     store,
		resolver:  resolver,
		cache:     cache,
		log:       logctx.Wrap(slog.Default()),
		keepAlive: defaultKeepAlive,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.baseURL == "" && h.oauth != nil {
		h.baseURL = h.oauth.Issuer()
	}

	h.mux.HandleFunc("POST /mcp/{workspace}/{server}", h.handlePostMCP)
	h.mux.HandleFunc("DELETE /mcp/{workspace}/{server}", h.handleDeleteMCP)
	h.mux.HandleFunc("GET /mcp/{workspace}/{server}", h.handleGetMCP)
	h.mux.HandleFunc("GET /sse/{workspace}/{server}", h.handleSSE)
	h.mux.HandleFunc("POST "+messagesPath, h.handleMessages)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET "+wellknown.ProtectedResourcePath, h.handleProtectedResource)
	h.mux.HandleFunc("GET "+wellknown.ProtectedResourcePath+"/{path...}", h.handleProtectedResource)
	if h.oauth != nil {
		h.oauth.Mount(h.mux)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// handlePostMCP serves the streamable HTTP transport. An initialize request
// creates a session, or re-anchors the one named by the session header.
// Every other message needs a known session.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tel.Start(r.Context(), "gateway.post")
	var spanErr error
	defer func() { telemetry.End(span, spanErr) }()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeHTTPError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "http.post.content_type.unsupported")
		return
	}
	accept, _, err := contenttype.GetAcceptableMediaType(r, responseMediaTypes)
	if err != nil {
		writeHTTPError(w, http.StatusNotAcceptable, "client must accept application/json or text/event-stream")
		h.log.WarnContext(ctx, "http.post.accept.unsupported")
		return
	}

	id, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	msg, perr := readMessage(r)
	if perr != nil {
		writeRPC(w, http.StatusBadRequest, errorMessage(nil, perr))
		h.log.WarnContext(ctx, "http.post.parse.fail", slog.String("err", perr.Message))
		return
	}

	workspaceID, serverID := r.PathValue("workspace"), r.PathValue("server")
	var (
		s       *session.Session
		created bool
	)
	if msg.Kind() == jsonrpc.KindRequest && mcp.Method(msg.Method) == mcp.InitializeMethod {
		s, created, err = h.anchor(ctx, r.Header.Get(SessionIDHeader), workspaceID, serverID, id)
		if err != nil {
			spanErr = err
			h.writeAnchorError(w, r, err)
			return
		}
	} else {
		s, err = h.lookup(ctx, r.Header.Get(SessionIDHeader), workspaceID, serverID, id)
		if err != nil {
			spanErr = err
			h.writeLookupError(w, r, msg, err)
			return
		}
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.ID(), UserID: s.UserID(), WorkspaceID: workspaceID, ServerID: serverID, Transport: string(config.TransportStreamableHTTP)})

	d, err := s.InitializeOrRestore(ctx, config.TransportStreamableHTTP)
	if err != nil {
		spanErr = err
		h.failInit(ctx, w, msg, s, created, err)
		return
	}
	st, ok := d.(*session.StreamableTransport)
	if !ok {
		spanErr = errors.New("unexpected downstream transport")
		writeHTTPError(w, http.StatusInternalServerError, "session is bound to another transport")
		return
	}
	w.Header().Set(SessionIDHeader, s.ID())

	if msg.Kind() != jsonrpc.KindRequest {
		if err := st.Deliver(ctx, msg); err != nil {
			spanErr = err
			h.writeLookupError(w, r, msg, session.ErrSessionNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.accepted", slog.String("kind", msg.Type()), slog.Duration("dur", time.Since(start)))
		return
	}

	resp, err := st.Roundtrip(ctx, msg)
	switch {
	case errors.Is(err, session.ErrDuplicateRequestID):
		writeRPC(w, http.StatusBadRequest, errorMessage(msg.ID, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidRequest, err.Error(), nil)))
		return
	case errors.Is(err, session.ErrTransportClosed):
		spanErr = err
		h.writeLookupError(w, r, msg, session.ErrSessionNotFound)
		return
	case err != nil:
		// The client went away.
		spanErr = err
		h.log.InfoContext(ctx, "http.post.abandoned", slog.String("err", err.Error()))
		return
	}

	if accept.Matches(eventStreamMediaType) && !accept.Matches(jsonMediaType) {
		if err := writeEventResponse(w, resp); err != nil {
			h.log.WarnContext(ctx, "http.post.sse.write.fail", slog.String("err", err.Error()))
		}
	} else {
		writeRPC(w, http.StatusOK, resp)
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.String("method", msg.Method), slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	s, err := h.lookup(ctx, r.Header.Get(SessionIDHeader), r.PathValue("workspace"), r.PathValue("server"), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, errMissingSession) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeHTTPError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "http.delete.fail", slog.String("err", err.Error()))
		return
	}
	if err := h.store.Delete(ctx, s.ID()); err != nil {
		h.log.WarnContext(ctx, "http.delete.store.fail", slog.String("err", err.Error()))
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.String("session_id", s.ID()))
}

// handleGetMCP rejects standalone streams; server-initiated messages are not
// relayed over streamable HTTP.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "POST, DELETE")
	writeHTTPError(w, http.StatusMethodNotAllowed, "standalone event streams are not supported")
}

var errMissingSession = errors.New("missing " + SessionIDHeader + " header")

// anchor returns the session an initialize request binds to. An existing
// session named by sessionID is reused when it belongs to the same server
// and user; otherwise a new session is created and stored.
func (h *Handler) anchor(ctx context.Context, sessionID, workspaceID, serverID string, id identity) (*session.Session, bool, error) {
	if sessionID != "" {
		s, err := h.lookup(ctx, sessionID, workspaceID, serverID, id)
		if err == nil {
			return s, false, nil
		}
		if !errors.Is(err, session.ErrSessionNotFound) {
			return nil, false, err
		}
	}

	cfg, err := h.resolver.Resolve(ctx, workspaceID, serverID)
	if err != nil {
		return nil, false, err
	}
	opts := append([]session.Option{
		session.WithLogger(h.log),
		session.WithTelemetry(h.tel),
		session.WithUserID(id.userID),
	}, h.sessionOpts...)
	if id.expiresAt != nil {
		opts = append(opts, session.WithTokenExpiry(*id.expiresAt))
	}
	s := session.New(h.newID(), cfg, opts...)
	if err := h.store.Set(ctx, s); err != nil {
		// Still serviceable; it just cannot be restored later.
		h.log.WarnContext(ctx, "session.store.set.fail", slog.String("err", err.Error()))
	}
	return s, true, nil
}

// lookup finds the session named by sessionID and checks that it belongs
// to the addressed server and to the caller.
func (h *Handler) lookup(ctx context.Context, sessionID, workspaceID, serverID string, id identity) (*session.Session, error) {
	if sessionID == "" {
		return nil, errMissingSession
	}
	s, err := h.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cfg := s.Config()
	if workspaceID != "" && (cfg.WorkspaceID != workspaceID || cfg.ID != serverID) {
		return nil, session.ErrSessionNotFound
	}
	if h.auth != nil && s.UserID() != id.userID {
		h.log.WarnContext(ctx, "session.user.mismatch", slog.String("session_id", sessionID))
		return nil, session.ErrSessionNotFound
	}
	if id.expiresAt != nil {
		s.SetTokenExpiry(*id.expiresAt)
	}
	return s, nil
}

func (h *Handler) failInit(ctx context.Context, w http.ResponseWriter, msg *jsonrpc.AnyMessage, s *session.Session, created bool, err error) {
	if errors.Is(err, session.ErrSessionClosed) {
		writeRPC(w, http.StatusNotFound, errorMessage(msg.ID, session.SessionNotFound()))
		return
	}
	if created {
		if derr := h.store.Delete(ctx, s.ID()); derr != nil {
			h.log.WarnContext(ctx, "session.store.delete.fail", slog.String("err", derr.Error()))
		}
	}
	h.log.ErrorContext(ctx, "http.post.initialize.fail", slog.String("err", err.Error()))
	writeRPC(w, http.StatusInternalServerError, errorMessage(msg.ID, jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "Failed to initialize session: "+err.Error(), nil)))
}

func (h *Handler) writeAnchorError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, config.ErrServerNotFound) {
		writeHTTPError(w, http.StatusNotFound, "unknown server")
		h.log.InfoContext(r.Context(), "http.server.unknown")
		return
	}
	writeHTTPError(w, http.StatusInternalServerError, "failed to create session")
	h.log.ErrorContext(r.Context(), "http.anchor.fail", slog.String("err", err.Error()))
}

func (h *Handler) writeLookupError(w http.ResponseWriter, r *http.Request, msg *jsonrpc.AnyMessage, err error) {
	switch {
	case errors.Is(err, errMissingSession):
		writeRPC(w, http.StatusBadRequest, errorMessage(msg.ID, jsonrpc.NewError(jsonrpc.ErrorCodeSessionNotFound, "Missing session id. Please initialize.", nil)))
	case errors.Is(err, session.ErrSessionNotFound):
		writeRPC(w, http.StatusNotFound, errorMessage(msg.ID, session.SessionNotFound()))
		h.log.InfoContext(r.Context(), "session.load.miss")
	default:
		writeRPC(w, http.StatusInternalServerError, errorMessage(msg.ID, jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "failed to load session", nil)))
		h.log.ErrorContext(r.Context(), "session.load.fail", slog.String("err", err.Error()))
	}
}

func readMessage(r *http.Request) (*jsonrpc.AnyMessage, *jsonrpc.Error) {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeParseError, "failed to read body", nil)
	}
	return jsonrpc.Parse(body)
}
