package auth

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/relay/pkg/protocol"
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrAccountInactive   = errors.New("account inactive")
	ErrUnknownUser       = errors.New("unknown user")
	ErrAuthDisabled      = errors.New("auth disabled")
)

// Error is an authentication failure. It is fatal to the connection and is
// never retried by the hub. Code is the websocket close code to send.
type Error struct {
	Code   int
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func missingCredential() *Error {
	return &Error{Code: protocol.CloseMissingCredential, Reason: protocol.ReasonMissingCredential, Err: ErrMissingCredential}
}

func invalidCredential(cause error) *Error {
	err := cause
	if !errors.Is(err, ErrInvalidCredential) {
		err = fmt.Errorf("%w: %v", ErrInvalidCredential, cause)
	}
	return &Error{Code: protocol.CloseInvalidCredential, Reason: protocol.ReasonInvalidCredential, Err: err}
}

func accountInactive(status Status) *Error {
	return &Error{
		Code:   protocol.CloseAccountInactive,
		Reason: protocol.ReasonAccountInactive,
		Err:    fmt.Errorf("%w: status %s", ErrAccountInactive, status),
	}
}
