package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationFailed is returned when a session token fails
	// verification or was minted for a different identity.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrNotConnected is returned when an operation requires a live
	// transport and the session is not in the connected state.
	ErrNotConnected = errors.New("not connected")

	// ErrRequestTimeout is returned through a request's failure path when
	// its deadline elapses before a matching response arrives.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrMalformedRequest is returned when a response is attempted for a
	// request that did not carry a response topic and correlation ID.
	ErrMalformedRequest = errors.New("malformed request: missing response topic or correlation data")
)

// TransportError wraps a failure reported by the underlying pub/sub
// transport during connect, publish or subscribe.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
