package oauth

import (
	"context"
	"html/template"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ggoodman/mcp-gateway/storage"
)

// AuthorizeRequest holds the authorization endpoint parameters. Workspace
// and Server name the upstream the client intends to reach, so the consent
// page can ask for upstream authorization first.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	WorkspaceID         string
	ServerID            string
}

// ParseAuthorizeRequest reads an AuthorizeRequest from query or form values.
func ParseAuthorizeRequest(v url.Values) AuthorizeRequest {
	return AuthorizeRequest{
		ResponseType:        v.Get("response_type"),
		ClientID:            v.Get("client_id"),
		RedirectURI:         v.Get("redirect_uri"),
		Scope:               v.Get("scope"),
		State:               v.Get("state"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: v.Get("code_challenge_method"),
		WorkspaceID:         v.Get("workspace"),
		ServerID:            v.Get("server"),
	}
}

// Values encodes r back into request parameters.
func (r AuthorizeRequest) Values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("response_type", r.ResponseType)
	set("client_id", r.ClientID)
	set("redirect_uri", r.RedirectURI)
	set("scope", r.Scope)
	set("state", r.State)
	set("code_challenge", r.CodeChallenge)
	set("code_challenge_method", r.CodeChallengeMethod)
	set("workspace", r.WorkspaceID)
	set("server", r.ServerID)
	return v
}

// RedirectError is an authorization error that must be reported to the
// client's redirect URI rather than to the user agent.
type RedirectError struct {
	Err         *Error
	RedirectURI string
	State       string
}

func (e *RedirectError) Error() string { return e.Err.Error() }

// Location is the redirect target carrying the error.
func (e *RedirectError) Location() string {
	q := url.Values{"error": {e.Err.Code}}
	if e.Err.Description != "" {
		q.Set("error_description", e.Err.Description)
	}
	if e.State != "" {
		q.Set("state", e.State)
	}
	return appendQuery(e.RedirectURI, q)
}

func (e *RedirectError) Unwrap() error { return e.Err }

// ValidateAuthorize checks an authorization request. Errors detected before
// the client and redirect URI are trusted are plain *Error values; later
// ones are *RedirectError.
func (g *Gateway) ValidateAuthorize(ctx context.Context, req AuthorizeRequest) (*Client, error) {
	if req.ClientID == "" {
		return nil, errorf(CodeInvalidRequest, "client_id is required")
	}
	client, err := g.client(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if req.RedirectURI == "" {
		return nil, errorf(CodeInvalidRequest, "redirect_uri is required")
	}
	if !client.allowsRedirect(req.RedirectURI) {
		return nil, errorf(CodeInvalidRequest, "redirect_uri is not registered for this client")
	}
	redirectErr := func(code, desc string) error {
		return &RedirectError{Err: &Error{Code: code, Description: desc}, RedirectURI: req.RedirectURI, State: req.State}
	}
	if req.ResponseType != "code" {
		return nil, redirectErr(CodeUnsupportedRespType, "response_type must be code")
	}
	if !client.allowsGrant(GrantAuthorizationCode) {
		return nil, redirectErr(CodeUnauthorizedClient, "client may not use the authorization_code grant")
	}
	if client.IsPublic() && req.CodeChallenge == "" {
		return nil, redirectErr(CodeInvalidRequest, "code_challenge is required for public clients")
	}
	if req.CodeChallenge != "" {
		if err := g.checkChallengeMethod(req.CodeChallengeMethod); err != nil {
			return nil, redirectErr(CodeInvalidRequest, asError(err).Description)
		}
	}
	if req.Scope != "" && !scopeSubset(req.Scope, client.Scope) {
		return nil, redirectErr(CodeInvalidScope, "requested scope exceeds the client's scope")
	}
	return client, nil
}

// ConsentData is what a consent page shows.
type ConsentData struct {
	ClientName string
	ClientID   string
	Scope      string
	ServerID   string
	// Action is the form target; Fields are its hidden inputs.
	Action string
	Fields map[string]string
	// UpstreamAuthURL, when set, links to the upstream handshake the user
	// should complete before approving.
	UpstreamAuthURL string
}

// ConsentRenderer renders the consent page.
type ConsentRenderer interface {
	RenderConsent(w io.Writer, data ConsentData) error
}

// Consent builds the consent page for an already validated request.
func (g *Gateway) Consent(ctx context.Context, client *Client, req AuthorizeRequest, userID string) ConsentData {
	scope := req.Scope
	if scope == "" {
		scope = client.Scope
	}
	fields := map[string]string{}
	for k, v := range req.Values() {
		fields[k] = v[0]
	}
	data := ConsentData{
		ClientName: client.Name,
		ClientID:   client.ID,
		Scope:      scope,
		ServerID:   req.ServerID,
		Action:     g.cfg.Issuer + "/authorize",
		Fields:     fields,
	}
	if data.ClientName == "" {
		data.ClientName = client.ID
	}
	if req.WorkspaceID == "" || req.ServerID == "" || g.resolver == nil {
		return data
	}
	srv, err := g.resolver.Resolve(ctx, req.WorkspaceID, req.ServerID)
	if err != nil || !srv.NeedsUserOAuth() {
		return data
	}
	if g.HasUpstreamToken(ctx, userID, req.WorkspaceID, req.ServerID) {
		return data
	}
	u, err := g.upstreamAuthURL(ctx, upstreamTicket{
		UserID:      userID,
		WorkspaceID: req.WorkspaceID,
		ServerID:    req.ServerID,
		ReturnTo:    "/authorize?" + req.Values().Encode(),
	})
	if err != nil {
		g.log.WarnContext(ctx, "oauth.authorize.upstream_link.fail", slog.String("err", err.Error()))
		return data
	}
	data.UpstreamAuthURL = u
	return data
}

// Approve mints a single-use authorization code for userID and returns the
// redirect back to the client.
func (g *Gateway) Approve(ctx context.Context, client *Client, req AuthorizeRequest, userID string) (string, error) {
	scope := req.Scope
	if scope == "" {
		scope = client.Scope
	}
	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" && method == "" {
		method = PKCEMethodS256
	}
	code := newToken()
	rec := authorizationCode{
		ClientID:            client.ID,
		RedirectURI:         req.RedirectURI,
		Scope:               scope,
		Subject:             userID,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		ExpiresAt:           g.now().Add(g.cfg.CodeTTL),
	}
	if err := g.putJSON(ctx, storage.NamespaceAuthorizationCodes, tokenKey(code), rec, g.cfg.CodeTTL); err != nil {
		return "", g.serverError(ctx, "oauth.authorize.fail", err)
	}
	g.log.InfoContext(ctx, "oauth.authorize.approve", slog.String("client_id", client.ID))
	q := url.Values{"code": {code}}
	if req.State != "" {
		q.Set("state", req.State)
	}
	return appendQuery(req.RedirectURI, q), nil
}

// Deny returns the redirect reporting access_denied to the client.
func (g *Gateway) Deny(ctx context.Context, client *Client, req AuthorizeRequest) string {
	g.log.InfoContext(ctx, "oauth.authorize.deny", slog.String("client_id", client.ID))
	e := &RedirectError{
		Err:         &Error{Code: CodeAccessDenied, Description: "the user denied the request"},
		RedirectURI: req.RedirectURI,
		State:       req.State,
	}
	return e.Location()
}

func appendQuery(base string, q url.Values) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

var consentTmpl = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Authorize {{.ClientName}}</title></head>
<body>
<h1>Authorize {{.ClientName}}</h1>
<p><strong>{{.ClientName}}</strong> is requesting access with scope <code>{{.Scope}}</code>{{if .ServerID}} to <strong>{{.ServerID}}</strong>{{end}}.</p>
{{if .UpstreamAuthURL}}<p>This server needs its own authorization. <a href="{{.UpstreamAuthURL}}">Authorize {{.ServerID}} first</a>.</p>{{end}}
<form method="post" action="{{.Action}}">
{{range $k, $v := .Fields}}<input type="hidden" name="{{$k}}" value="{{$v}}">
{{end}}<button type="submit" name="action" value="approve">Approve</button>
<button type="submit" name="action" value="deny">Deny</button>
</form>
</body>
</html>
`))

type defaultConsent struct{}

func (defaultConsent) RenderConsent(w io.Writer, data ConsentData) error {
	return consentTmpl.Execute(w, data)
}
