package transport

import (
	"errors"
	"fmt"
)

// ErrorKind classifies transport failures.
type ErrorKind string

const (
	// Timeout means the peer did not answer within the call deadline.
	// Timeouts are never retried by the client: the request may have reached
	// the worker, and retrying a slow call risks duplicate side effects.
	Timeout ErrorKind = "timeout"

	// Unreachable means the connection could not be established at all.
	// Safe to retry since the request never reached the peer.
	Unreachable ErrorKind = "unreachable"
)

// Error reports a failed transport call.
type Error struct {
	Kind     ErrorKind
	Addr     string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %s after %d attempt(s): %v", e.Kind, e.Addr, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError unwraps err into a transport Error if it carries one.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// StatusError is a non-2xx protocol reply: the peer was reachable and
// answered, but refused or failed the request.
type StatusError struct {
	StatusCode int
	ErrorKind  string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("peer replied %d: %s: %s", e.StatusCode, e.ErrorKind, e.Message)
}

// AsStatusError unwraps err into a StatusError if it carries one.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// ErrAlreadyReplied is returned when a second reply is attempted on a handle.
var ErrAlreadyReplied = errors.New("reply handle already used")
