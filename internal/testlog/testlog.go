// Package testlog routes slog output into testing.TB logs.
package testlog

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
)

// Bridge is an implementation of slog.Handler that forwards formatted
// records to t.Log. Records emitted after the test finished are dropped.
type Bridge struct {
	slog.Handler
	t     testing.TB
	buf   *bytes.Buffer
	mu    *sync.Mutex
	state *state
}

type state struct {
	mu   sync.Mutex
	done bool
}

// New returns a debug-level logger writing to t.
func New(t testing.TB) *slog.Logger {
	return slog.New(NewHandler(t))
}

// NewHandler returns a Bridge for t.
func NewHandler(t testing.TB) *Bridge {
	b := &Bridge{
		t:     t,
		buf:   &bytes.Buffer{},
		mu:    &sync.Mutex{},
		state: &state{},
	}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	t.Cleanup(func() {
		b.state.mu.Lock()
		b.state.done = true
		b.state.mu.Unlock()
	})
	return b
}

// Handle implements slog.Handler.
func (b *Bridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.Handler.Handle(ctx, rec); err != nil {
		return err
	}
	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}
	output = bytes.TrimSuffix(output, []byte("\n"))

	b.state.mu.Lock()
	defer b.state.mu.Unlock()
	if b.state.done {
		return nil
	}
	b.t.Helper()
	b.t.Log(string(output))
	return nil
}

// WithAttrs implements slog.Handler.
func (b *Bridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Bridge{t: b.t, buf: b.buf, mu: b.mu, state: b.state, Handler: b.Handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (b *Bridge) WithGroup(name string) slog.Handler {
	return &Bridge{t: b.t, buf: b.buf, mu: b.mu, state: b.state, Handler: b.Handler.WithGroup(name)}
}
