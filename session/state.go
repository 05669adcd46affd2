package session

import "errors"

// State is a session's lifecycle state.
type State int

const (
	StateNew State = iota
	StateInitializing
	StateActive
	// StateDormant marks a session rebuilt from persisted metadata. It must
	// reconnect upstream before serving requests.
	StateDormant
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateDormant:
		return "dormant"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrSessionNotFound is returned for ids unknown to both store tiers.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrSessionClosed is returned by operations on a closed session. It is
	// not retryable.
	ErrSessionClosed = errors.New("session: closed")
	// ErrInitializeTimeout is returned to callers that waited on another
	// caller's initialization for longer than the wait ceiling.
	ErrInitializeTimeout = errors.New("session: timed out waiting for initialization")
	// ErrTransportClosed is returned when sending on a closed downstream
	// transport.
	ErrTransportClosed = errors.New("session: transport closed")
	// ErrDuplicateRequestID is returned when a client reuses the id of a
	// request that is still in flight.
	ErrDuplicateRequestID = errors.New("session: duplicate in-flight request id")
)
