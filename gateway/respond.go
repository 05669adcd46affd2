package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
)

// writeHTTPError emits a transport-level rejection made before any JSON-RPC
// exchange is possible. Shape: {"error":{"code":<status>,"message":"..."}}.
func writeHTTPError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeRPC(w http.ResponseWriter, status int, msg *jsonrpc.AnyMessage) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(responseOf(msg))
}

// errorMessage builds an error response for id, which may be nil.
func errorMessage(id *jsonrpc.RequestID, e *jsonrpc.Error) *jsonrpc.AnyMessage {
	return jsonrpc.FromResponse(&jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Error: e, ID: id})
}

// responseOf keeps "id":null on the wire for responses without an id.
func responseOf(msg *jsonrpc.AnyMessage) any {
	if msg.Method == "" {
		return msg.AsResponse()
	}
	return msg
}

// writeEventResponse answers a request with a one-event stream.
func writeEventResponse(w http.ResponseWriter, msg *jsonrpc.AnyMessage) error {
	payload, err := json.Marshal(responseOf(msg))
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	ew := newEventWriter(w)
	return ew.event("message", payload)
}

// eventWriter frames Server-Sent Events and flushes after each one.
type eventWriter struct {
	w io.Writer
	f http.Flusher
}

func newEventWriter(w http.ResponseWriter) *eventWriter {
	ew := &eventWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		ew.f = f
	}
	return ew
}

func (e *eventWriter) event(name string, data []byte) error {
	if name != "" {
		if _, err := fmt.Fprintf(e.w, "event: %s\n", name); err != nil {
			return fmt.Errorf("failed to write SSE event name: %w", err)
		}
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write SSE data: %w", err)
	}
	e.flush()
	return nil
}

func (e *eventWriter) comment(text string) error {
	if _, err := fmt.Fprintf(e.w, ": %s\n\n", text); err != nil {
		return err
	}
	e.flush()
	return nil
}

func (e *eventWriter) flush() {
	if e.f != nil {
		e.f.Flush()
	}
}
