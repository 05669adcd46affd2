package oauth

import (
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ggoodman/mcp-gateway/internal/wellknown"
	"github.com/ggoodman/mcp-gateway/storage"
)

const maxRegistrationBody = 64 << 10

// Mount registers the OAuth endpoints on mux.
func (g *Gateway) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /token", g.serveToken)
	mux.HandleFunc("POST /introspect", g.serveIntrospect)
	mux.HandleFunc("POST /revoke", g.serveRevoke)
	mux.HandleFunc("POST /register", g.serveRegister)
	mux.HandleFunc("GET /authorize", g.serveAuthorize)
	mux.HandleFunc("POST /authorize", g.serveAuthorizeDecision)
	mux.HandleFunc("GET "+UpstreamStartPath, g.serveUpstreamStart)
	mux.HandleFunc("GET "+UpstreamCallbackPath, g.serveUpstreamCallback)
	mux.HandleFunc("GET "+wellknown.AuthorizationServerPath, g.serveMetadata)
}

// Metadata returns the RFC 8414 document describing this server.
func (g *Gateway) Metadata() *wellknown.AuthServerMetadata {
	methods := []string{PKCEMethodS256}
	if g.cfg.AllowPKCEPlain {
		methods = append(methods, PKCEMethodPlain)
	}
	return &wellknown.AuthServerMetadata{
		Issuer:                            g.cfg.Issuer,
		AuthorizationEndpoint:             g.cfg.Issuer + "/authorize",
		TokenEndpoint:                     g.cfg.Issuer + "/token",
		RegistrationEndpoint:              g.cfg.Issuer + "/register",
		IntrospectionEndpoint:             g.cfg.Issuer + "/introspect",
		RevocationEndpoint:                g.cfg.Issuer + "/revoke",
		ScopesSupported:                   strings.Fields(g.cfg.DefaultScope),
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials},
		TokenEndpointAuthMethodsSupported: []string{AuthMethodNone, AuthMethodClientSecretBasic, AuthMethodClientSecretPost},
		CodeChallengeMethodsSupported:     methods,
	}
}

func (g *Gateway) serveMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(g.Metadata())
}

func (g *Gateway) serveToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, errorf(CodeInvalidRequest, "malformed form body"))
		return
	}
	clientID, secret := clientAuth(r)
	resp, err := g.Token(r.Context(), TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
		ClientID:     clientID,
		ClientSecret: secret,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// clientAuth reads client credentials from HTTP Basic auth, falling back to
// the form body.
func clientAuth(r *http.Request) (id, secret string) {
	if u, p, ok := r.BasicAuth(); ok {
		// RFC 6749 section 2.3.1 form-encodes both parts.
		if v, err := url.QueryUnescape(u); err == nil {
			u = v
		}
		if v, err := url.QueryUnescape(p); err == nil {
			p = v
		}
		return u, p
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}

func (g *Gateway) serveIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, errorf(CodeInvalidRequest, "malformed form body"))
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		writeError(w, errorf(CodeInvalidRequest, "token is required"))
		return
	}
	in, err := g.Introspect(r.Context(), token)
	if err != nil {
		writeError(w, g.serverError(r.Context(), "oauth.introspect.fail", err))
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (g *Gateway) serveRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, errorf(CodeInvalidRequest, "malformed form body"))
		return
	}
	if err := g.Revoke(r.Context(), r.PostForm.Get("token"), r.PostForm.Get("token_type_hint")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) serveRegister(w http.ResponseWriter, r *http.Request) {
	var req RegistrationRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRegistrationBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, errorf(CodeInvalidClientMetadata, "malformed registration body"))
		return
	}
	resp, err := g.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (g *Gateway) userFrom(r *http.Request) string {
	if u := r.Header.Get(g.cfg.UserHeader); u != "" {
		return u
	}
	return "anonymous"
}

func (g *Gateway) serveAuthorize(w http.ResponseWriter, r *http.Request) {
	req := ParseAuthorizeRequest(r.URL.Query())
	client, err := g.ValidateAuthorize(r.Context(), req)
	if err != nil {
		g.authorizeError(w, r, err)
		return
	}
	data := g.Consent(r.Context(), client, req, g.userFrom(r))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := g.renderer.RenderConsent(w, data); err != nil {
		g.log.ErrorContext(r.Context(), "oauth.authorize.render.fail", slog.String("err", err.Error()))
	}
}

func (g *Gateway) serveAuthorizeDecision(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, errorf(CodeInvalidRequest, "malformed form body"))
		return
	}
	req := ParseAuthorizeRequest(r.PostForm)
	client, err := g.ValidateAuthorize(r.Context(), req)
	if err != nil {
		g.authorizeError(w, r, err)
		return
	}
	switch r.PostForm.Get("action") {
	case "approve":
		loc, err := g.Approve(r.Context(), client, req, g.userFrom(r))
		if err != nil {
			writeError(w, err)
			return
		}
		http.Redirect(w, r, loc, http.StatusFound)
	case "deny":
		http.Redirect(w, r, g.Deny(r.Context(), client, req), http.StatusFound)
	default:
		writeError(w, errorf(CodeInvalidRequest, "action must be approve or deny"))
	}
}

func (g *Gateway) authorizeError(w http.ResponseWriter, r *http.Request, err error) {
	var re *RedirectError
	if errors.As(err, &re) {
		http.Redirect(w, r, re.Location(), http.StatusFound)
		return
	}
	writeError(w, err)
}

func (g *Gateway) serveUpstreamStart(w http.ResponseWriter, r *http.Request) {
	loc, err := g.BeginUpstream(r.Context(), r.URL.Query().Get("ticket"))
	if err != nil {
		g.upstreamFailure(w, r, err)
		return
	}
	http.Redirect(w, r, loc, http.StatusFound)
}

func (g *Gateway) serveUpstreamCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		// Consume the flow so the state cannot be replayed.
		_, _ = g.cache.Take(r.Context(), storage.NamespaceUpstreamFlows, flowKey(q.Get("state")))
		g.log.InfoContext(r.Context(), "oauth.upstream.denied", slog.String("error", e))
		renderNotice(w, http.StatusBadRequest, "Upstream authorization failed", "The upstream server reported: "+e)
		return
	}
	returnTo, err := g.CompleteUpstream(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		g.upstreamFailure(w, r, err)
		return
	}
	if strings.HasPrefix(returnTo, "/authorize?") {
		http.Redirect(w, r, g.cfg.Issuer+returnTo, http.StatusFound)
		return
	}
	renderNotice(w, http.StatusOK, "Authorization complete", "You can close this window and retry your request.")
}

func (g *Gateway) upstreamFailure(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrUnknownFlow) {
		renderNotice(w, http.StatusBadRequest, "Link expired", "This authorization link is invalid or has already been used.")
		return
	}
	g.log.ErrorContext(r.Context(), "oauth.upstream.fail", slog.String("err", err.Error()))
	renderNotice(w, http.StatusBadGateway, "Upstream authorization failed", "The upstream server could not be reached or rejected the request.")
}

var noticeTmpl = template.Must(template.New("notice").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body><h1>{{.Title}}</h1><p>{{.Body}}</p></body></html>
`))

func renderNotice(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = noticeTmpl.Execute(w, struct{ Title, Body string }{title, body})
}
