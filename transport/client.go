package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nlipgo-dev/nlipgo/envelope"
	"github.com/nlipgo-dev/nlipgo/internal/observability"
	obsmetrics "github.com/nlipgo-dev/nlipgo/pkg/observability"
)

// Endpoint is the wire endpoint every agent process exposes.
const Endpoint = "/nlip/"

// DefaultCallTimeout bounds a single protocol call end to end.
const DefaultCallTimeout = 60 * time.Second

// RetryPolicy controls how the client handles unreachable peers.
// Only Unreachable errors are retried; Timeout is the caller's problem.
type RetryPolicy struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int

	// BackoffBase is the delay before the first retry; each subsequent
	// retry doubles it.
	BackoffBase time.Duration
}

// DefaultRetryPolicy is up to 2 retries with 200ms exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BackoffBase: 200 * time.Millisecond}
}

// Client sends envelopes to agent processes over HTTP.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	retry      RetryPolicy
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) { c.retry = p }
}

// WithHTTPClient substitutes the underlying HTTP client (useful for testing).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a protocol client with default timeout and retry policy.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{},
		timeout:    DefaultCallTimeout,
		retry:      DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send posts an envelope to the peer at address and returns its reply.
//
// Unreachable peers are retried per the client's RetryPolicy. A Timeout is
// surfaced immediately. A reachable peer that answers non-2xx yields a
// StatusError carrying the peer's error_kind.
func (c *Client) Send(ctx context.Context, address string, env *envelope.Envelope) (*envelope.Envelope, error) {
	ctx, span := observability.StartSpanWithOtel(ctx, "transport.send",
		trace.WithAttributes(
			attribute.String("peer.addr", address),
			attribute.String("envelope.correlation_id", env.CorrelationID),
		),
	)
	defer span.End()

	body, err := envelope.Encode(env)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	url := strings.TrimRight(address, "/") + Endpoint

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.retry.BackoffBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, &Error{Kind: Timeout, Addr: address, Attempts: attempts, Err: ctx.Err()}
			}
			obsmetrics.RecordTransportRetry(address)
		}

		attempts++
		reply, err := c.post(ctx, url, body)
		if err == nil {
			span.SetAttributes(attribute.Int("transport.attempts", attempts))
			return reply, nil
		}

		lastErr = err

		te, ok := AsError(err)
		if !ok || te.Kind != Unreachable {
			// StatusError or Timeout: surface without retrying.
			span.RecordError(err)
			return nil, err
		}
	}

	err = &Error{Kind: Unreachable, Addr: address, Attempts: attempts, Err: errors.Unwrap(lastErr)}
	span.RecordError(err)
	return nil, err
}

// post performs a single attempt.
func (c *Client) post(ctx context.Context, url string, body []byte) (*envelope.Envelope, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: classify(err), Addr: url, Attempts: 1, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: classify(err), Addr: url, Attempts: 1, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var werr wireError
		if jsonErr := json.Unmarshal(data, &werr); jsonErr != nil || werr.ErrorKind == "" {
			werr = wireError{ErrorKind: "upstream", Message: strings.TrimSpace(string(data))}
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, ErrorKind: werr.ErrorKind, Message: werr.Message}
	}

	return envelope.Decode(data)
}

// classify maps a low-level HTTP error onto the transport taxonomy.
func classify(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	return Unreachable
}

// wireError is the JSON error object returned on non-2xx responses.
type wireError struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}
