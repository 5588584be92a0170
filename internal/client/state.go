package client

import (
	"errors"
	"fmt"
)

// State is a reconnect session state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateBackoff    State = "backoff"
	StateFailed     State = "failed"
)

// Active reports whether the session holds, or is about to hold, a
// transport.
func (s State) Active() bool {
	return s == StateConnecting || s == StateOpen || s == StateBackoff
}

// ErrSessionFailed is returned by Start while the session is Failed. Reset
// leaves the Failed state.
var ErrSessionFailed = errors.New("client: session failed")

// TransportError describes why a transport ended. Code is the websocket
// close code, or 1006 when the connection dropped without one.
type TransportError struct {
	Code   int
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("transport closed (%d %s): %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("transport closed (%d): %v", e.Code, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
