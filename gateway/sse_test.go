package gateway

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
)

type sseEvent struct {
	name string
	data string
}

// readEvent reads one event, skipping comment lines.
func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if ev.name != "" || ev.data != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openStream(t *testing.T, f *fixture) (*http.Response, *bufio.Reader, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/sse/ws1/github", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
	br := bufio.NewReader(resp.Body)
	ev := readEvent(t, br)
	if ev.name != "endpoint" || !strings.HasPrefix(ev.data, "/messages?sessionId=") {
		resp.Body.Close()
		t.Fatalf("want an endpoint event, got %+v", ev)
	}
	return resp, br, ev.data
}

func TestSSESession(t *testing.T) {
	f := newFixture(t, newCache(t), &spy{})
	resp, br, endpoint := openStream(t, f)
	defer resp.Body.Close()

	pr := f.post(t, endpoint, "", initializeBody)
	if pr.StatusCode != http.StatusAccepted {
		t.Fatalf("want 202, got %d", pr.StatusCode)
	}
	ev := readEvent(t, br)
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(ev.data), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.name != "message" || msg.Error != nil || msg.ID.String() != "1" {
		t.Fatalf("want the initialize result on the stream, got %+v", ev)
	}

	pr = f.post(t, endpoint, "", `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"deleteIssue"}}`)
	if pr.StatusCode != http.StatusAccepted {
		t.Fatalf("want 202, got %d", pr.StatusCode)
	}
	ev = readEvent(t, br)
	msg = jsonrpc.AnyMessage{}
	if err := json.Unmarshal([]byte(ev.data), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Error == nil || msg.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("want a policy error on the stream, got %s", ev.data)
	}
	if _, calls := f.spy.counts(); calls != 0 {
		t.Fatalf("want no upstream tool calls, got %d", calls)
	}
}

func TestSSEMessagesUnknownSession(t *testing.T) {
	f := newFixture(t, newCache(t), &spy{})
	for _, path := range []string{"/messages?sessionId=nope", "/messages"} {
		resp := f.post(t, path, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: want 404, got %d", path, resp.StatusCode)
		}
		if msg := decodeRPC(t, resp); msg.Error == nil || msg.Error.Code != jsonrpc.ErrorCodeSessionNotFound {
			t.Fatalf("%s: want session not found, got %+v", path, msg)
		}
	}
}

func TestSSERequiresEventStreamAccept(t *testing.T) {
	f := newFixture(t, newCache(t), &spy{})
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/sse/ws1/github", nil)
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("want 406, got %d", resp.StatusCode)
	}
}
