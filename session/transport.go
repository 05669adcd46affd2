package session

import (
	"context"
	"sync"

	"github.com/ggoodman/mcp-gateway/config"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
)

// MessageHandler receives client messages from a downstream transport.
type MessageHandler func(ctx context.Context, msg *jsonrpc.AnyMessage)

// Downstream is the gateway's side of a client connection. Kind tags the
// variant; the router depends on nothing else.
type Downstream interface {
	Kind() config.Transport
	// Send delivers a message to the client.
	Send(ctx context.Context, msg *jsonrpc.AnyMessage) error
	// OnMessage installs the handler for client messages.
	OnMessage(h MessageHandler)
	Close() error
}

func newDownstream(kind config.Transport) Downstream {
	if kind == config.TransportSSE {
		return NewSSETransport(0)
	}
	return NewStreamableTransport()
}

// StreamableTransport serves clients using streamable HTTP. Each client
// request is carried by one HTTP exchange; Roundtrip blocks that exchange
// until the router sends the matching response.
type StreamableTransport struct {
	mu      sync.Mutex
	handler MessageHandler
	waiters map[string]chan *jsonrpc.AnyMessage
	closed  bool
	done    chan struct{}
}

func NewStreamableTransport() *StreamableTransport {
	return &StreamableTransport{
		waiters: make(map[string]chan *jsonrpc.AnyMessage),
		done:    make(chan struct{}),
	}
}

func (t *StreamableTransport) Kind() config.Transport { return config.TransportStreamableHTTP }

func (t *StreamableTransport) OnMessage(h MessageHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Send routes a response to the exchange waiting on its id. Messages with no
// waiter are dropped; there is no standalone stream to carry them.
func (t *StreamableTransport) Send(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	ch, ok := t.waiters[msg.ID.Key()]
	if ok {
		delete(t.waiters, msg.ID.Key())
	}
	t.mu.Unlock()
	if !ok || msg.Kind() != jsonrpc.KindResponse {
		return nil
	}
	ch <- msg
	return nil
}

// Roundtrip delivers a client request and waits for its response.
func (t *StreamableTransport) Roundtrip(ctx context.Context, req *jsonrpc.AnyMessage) (*jsonrpc.AnyMessage, error) {
	key := req.ID.Key()
	ch := make(chan *jsonrpc.AnyMessage, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if _, dup := t.waiters[key]; dup {
		t.mu.Unlock()
		return nil, ErrDuplicateRequestID
	}
	t.waiters[key] = ch
	h := t.handler
	t.mu.Unlock()

	if h != nil {
		h(ctx, req)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		t.forget(key)
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrTransportClosed
	}
}

// Deliver hands a client notification or response to the router.
func (t *StreamableTransport) Deliver(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(ctx, msg)
	}
	return nil
}

func (t *StreamableTransport) forget(key string) {
	t.mu.Lock()
	delete(t.waiters, key)
	t.mu.Unlock()
}

func (t *StreamableTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.waiters = map[string]chan *jsonrpc.AnyMessage{}
	close(t.done)
	return nil
}

// SSETransport serves clients over a persistent event stream. Client
// messages arrive as separate POSTs and are dispatched asynchronously; every
// outbound message is queued onto the stream.
type SSETransport struct {
	mu      sync.Mutex
	handler MessageHandler
	out     chan *jsonrpc.AnyMessage
	done    chan struct{}
	once    sync.Once
}

// NewSSETransport returns a transport with an outbound queue of size buffer.
func NewSSETransport(buffer int) *SSETransport {
	if buffer <= 0 {
		buffer = 64
	}
	return &SSETransport{
		out:  make(chan *jsonrpc.AnyMessage, buffer),
		done: make(chan struct{}),
	}
}

func (t *SSETransport) Kind() config.Transport { return config.TransportSSE }

func (t *SSETransport) OnMessage(h MessageHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *SSETransport) Send(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	select {
	case t.out <- msg:
		return nil
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver dispatches a client message in the background. The POST that
// carried it is answered before the router finishes, so the handler runs on
// a context that outlives the request but ends with the transport.
func (t *SSETransport) Deliver(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		defer cancel()
		select {
		case <-t.done:
		case <-ctx.Done():
		}
	}()
	go func() {
		defer cancel()
		h(ctx, msg)
	}()
	return nil
}

// Messages is the outbound queue drained by the stream writer.
func (t *SSETransport) Messages() <-chan *jsonrpc.AnyMessage { return t.out }

// Done is closed when the transport closes.
func (t *SSETransport) Done() <-chan struct{} { return t.done }

func (t *SSETransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

var (
	_ Downstream = (*StreamableTransport)(nil)
	_ Downstream = (*SSETransport)(nil)
)
