// Package worker hosts capability adapters behind the protocol endpoint.
// An adapter wraps one external data provider and translates its failures
// into the protocol error taxonomy; the Service multiplexes inbound
// envelopes onto adapters by capability.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nlipgo-dev/nlipgo/envelope"
)

// Status classifies an adapter result.
type Status string

const (
	StatusOK      Status = "ok"
	StatusPartial Status = "partial"
	StatusError   Status = "error"
)

// ErrorKind classifies adapter failures on the wire.
type ErrorKind string

const (
	// RateLimited means the upstream provider throttled us (HTTP 429) or the
	// local rate limiter refused the call.
	RateLimited ErrorKind = "rate_limited"

	// Unauthorized means the upstream rejected our credentials (HTTP 401/403).
	Unauthorized ErrorKind = "unauthorized"

	// NoData means the provider answered but had nothing matching the query.
	NoData ErrorKind = "no_data"

	// Upstream covers every other provider failure.
	Upstream ErrorKind = "upstream"
)

// Error is an adapter failure carrying its wire error kind.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WireErrorKind reports the error_kind written into protocol error replies.
func (e *Error) WireErrorKind() string { return string(e.Kind) }

// AsWorkerError unwraps err into a worker Error if it carries one.
func AsWorkerError(err error) (*Error, bool) {
	var we *Error
	if errors.As(err, &we) {
		return we, true
	}
	return nil, false
}

// KindForHTTPStatus translates an upstream HTTP status into an error kind.
func KindForHTTPStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return RateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Unauthorized
	default:
		return Upstream
	}
}

// Result is the outcome of one adapter invocation. Payload is present
// unless Status is error; ErrorKind is set only when it is.
type Result struct {
	Status    Status
	Payload   string
	ErrorKind ErrorKind
	Message   string
}

func okResult(payload string) *Result {
	return &Result{Status: StatusOK, Payload: payload}
}

func errResult(kind ErrorKind, message string) *Result {
	return &Result{Status: StatusError, ErrorKind: kind, Message: message}
}

// Adapter serves one capability.
type Adapter interface {
	// Capability names the task kind this adapter handles.
	Capability() string

	// Handle answers one inbound envelope. The envelope content carries the
	// query text.
	Handle(ctx context.Context, env *envelope.Envelope) *Result
}
