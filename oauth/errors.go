package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// OAuth 2.0 error codes (RFC 6749 section 5.2, RFC 7591 section 3.2.2).
const (
	CodeInvalidRequest        = "invalid_request"
	CodeInvalidClient         = "invalid_client"
	CodeInvalidGrant          = "invalid_grant"
	CodeUnauthorizedClient    = "unauthorized_client"
	CodeUnsupportedGrantType  = "unsupported_grant_type"
	CodeInvalidScope          = "invalid_scope"
	CodeAccessDenied          = "access_denied"
	CodeUnsupportedRespType   = "unsupported_response_type"
	CodeServerError           = "server_error"
	CodeInvalidRedirectURI    = "invalid_redirect_uri"
	CodeInvalidClientMetadata = "invalid_client_metadata"
)

var (
	ErrInvalidGrant         = &Error{Code: CodeInvalidGrant, Description: "grant is invalid or expired"}
	ErrInvalidClient        = &Error{Code: CodeInvalidClient, Description: "client authentication failed"}
	ErrUnsupportedGrantType = &Error{Code: CodeUnsupportedGrantType, Description: "grant type is not supported"}

	// ErrUnknownFlow is returned when an upstream authorization round trip
	// cannot be matched to a pending flow.
	ErrUnknownFlow = errors.New("oauth: unknown or expired upstream authorization flow")
)

// Error is an OAuth protocol error. Its JSON form is the standard
// {error, error_description} body.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Is matches any *Error carrying the same code, so callers can test
// errors.Is(err, ErrInvalidGrant) regardless of the description.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Status is the HTTP status an endpoint answers with for e.
func (e *Error) Status() int {
	switch e.Code {
	case CodeInvalidClient:
		return http.StatusUnauthorized
	case CodeServerError:
		return http.StatusInternalServerError
	case CodeAccessDenied:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// asError converts err to an *Error, hiding non-protocol failures behind
// server_error.
func asError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return &Error{Code: CodeServerError, Description: "internal error"}
}

// writeError writes an OAuth error response.
func writeError(w http.ResponseWriter, err error) {
	oe := asError(err)
	status := oe.Status()
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="mcp-gateway"`)
	}
	writeJSON(w, status, oe)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
