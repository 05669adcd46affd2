package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
)

const (
	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "Mcp-Protocol-Version"
)

// rawForwarder posts JSON-RPC messages verbatim on an established upstream
// streamable HTTP session. It carries methods the typed SDK client has no
// wrapper for, and client responses and notifications.
type rawForwarder struct {
	endpoint        string
	client          *http.Client
	sessionID       string
	protocolVersion string

	nextID atomic.Int64
}

func (f *rawForwarder) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := jsonrpc.NewRequestID(fmt.Sprintf("gw-%d", f.nextID.Add(1)))
	body, err := json.Marshal(&jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         method,
		Params:         params,
		ID:             id,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	resp, err := f.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream %s: unexpected status %d", method, resp.StatusCode)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	var msg *jsonrpc.AnyMessage
	switch mediaType {
	case "application/json":
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read upstream response: %w", err)
		}
		m, perr := jsonrpc.Parse(b)
		if perr != nil {
			return nil, fmt.Errorf("decode upstream response: %w", perr)
		}
		msg = m
	case "text/event-stream":
		m, err := readSSEResponse(resp.Body, id)
		if err != nil {
			return nil, err
		}
		msg = m
	default:
		return nil, fmt.Errorf("upstream %s: unexpected content type %q", method, mediaType)
	}

	if msg.Kind() != jsonrpc.KindResponse || msg.ID.Key() != id.Key() {
		return nil, fmt.Errorf("upstream %s: response does not match request", method)
	}
	if msg.Error != nil {
		return nil, msg.Error
	}
	return msg.Result, nil
}

func (f *rawForwarder) relay(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	resp, err := f.post(ctx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream relay: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (f *rawForwarder) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if f.sessionID != "" {
		req.Header.Set(headerSessionID, f.sessionID)
	}
	if f.protocolVersion != "" {
		req.Header.Set(headerProtocolVersion, f.protocolVersion)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream post: %w", err)
	}
	return resp, nil
}

// readSSEResponse scans an event stream until the response for id arrives.
// Interleaved server requests and notifications are skipped.
func readSSEResponse(r io.Reader, id *jsonrpc.RequestID) (*jsonrpc.AnyMessage, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var data strings.Builder
	flush := func() *jsonrpc.AnyMessage {
		defer data.Reset()
		if data.Len() == 0 {
			return nil
		}
		msg, perr := jsonrpc.Parse([]byte(data.String()))
		if perr != nil || msg.Kind() != jsonrpc.KindResponse || msg.ID.Key() != id.Key() {
			return nil
		}
		return msg
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if msg := flush(); msg != nil {
				return msg, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if msg := flush(); msg != nil {
		return msg, nil
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read upstream event stream: %w", err)
	}
	return nil, fmt.Errorf("upstream event stream ended without a response")
}
