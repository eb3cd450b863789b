package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nlipgo-dev/nlipgo/envelope"
	"github.com/nlipgo-dev/nlipgo/internal/observability"
	obsmetrics "github.com/nlipgo-dev/nlipgo/pkg/observability"
)

// Handler processes one inbound envelope and produces exactly one reply.
// Returning an error instead of an envelope sends a protocol error object.
type Handler func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)

// Inbound pairs a received envelope with its reply handle.
type Inbound struct {
	Envelope *envelope.Envelope
	Reply    *ReplyHandle
}

// ReplyHandle delivers the single reply owed for an inbound envelope.
// A handle accepts exactly one reply; further attempts fail with
// ErrAlreadyReplied.
type ReplyHandle struct {
	mu      sync.Mutex
	replied bool
	ch      chan replyMsg
}

type replyMsg struct {
	env  *envelope.Envelope
	kind string
	msg  string
}

func newReplyHandle() *ReplyHandle {
	return &ReplyHandle{ch: make(chan replyMsg, 1)}
}

// Send answers the inbound envelope.
func (h *ReplyHandle) Send(env *envelope.Envelope) error {
	return h.deliver(replyMsg{env: env})
}

// Fail answers the inbound envelope with a protocol error object.
func (h *ReplyHandle) Fail(kind, message string) error {
	return h.deliver(replyMsg{kind: kind, msg: message})
}

func (h *ReplyHandle) deliver(m replyMsg) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.replied {
		return ErrAlreadyReplied
	}
	h.replied = true
	h.ch <- m
	return nil
}

// Server receives envelopes on POST /nlip/ and routes each to either the
// registered Handler or, when none is set, to the Receive channel.
type Server struct {
	addr       string
	router     chi.Router
	httpServer *http.Server
	listener   net.Listener

	handler Handler
	inbox   chan Inbound
	done    chan struct{}

	mu      sync.Mutex
	started bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHandler registers the function invoked for each inbound envelope.
func WithHandler(h Handler) ServerOption {
	return func(s *Server) { s.handler = h }
}

// WithInboxSize sets the Receive channel buffer (default 16).
func WithInboxSize(n int) ServerOption {
	return func(s *Server) { s.inbox = make(chan Inbound, n) }
}

// NewServer creates a protocol server listening on addr (host:port).
func NewServer(addr string, opts ...ServerOption) *Server {
	s := &Server{
		addr:  addr,
		inbox: make(chan Inbound, 16),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post(Endpoint, s.handleEnvelope)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	s.router = r

	return s
}

// Receive returns the stream of inbound envelopes awaiting replies.
// Only meaningful when no Handler is registered. The channel is closed
// on shutdown, making the sequence finite.
func (s *Server) Receive() <-chan Inbound {
	return s.inbox
}

// Start begins serving. It blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started on %s", s.addr)
	}

	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = lis
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * DefaultCallTimeout,
		IdleTimeout:  120 * time.Second,
	}
	s.started = true
	s.mu.Unlock()

	log.Printf("[Transport] serving %s on %s", Endpoint, lis.Addr())
	if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Addr returns the bound listen address, useful when addr was ":0".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown stops the server gracefully and closes the Receive channel.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	started := s.started
	s.started = false
	s.mu.Unlock()

	if !started || srv == nil {
		return nil
	}
	// Unblock channel-mode handlers first: ones parked on a full inbox or
	// waiting for a reply that no consumer will produce must fail their
	// request, or srv.Shutdown waits on them forever. The inbox is closed
	// only after srv.Shutdown returns, when no handler can still send to it.
	close(s.done)
	err := srv.Shutdown(ctx)
	close(s.inbox)
	return err
}

// handleEnvelope is the POST /nlip/ endpoint.
func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		obsmetrics.RecordProtocolRequest(fmt.Sprintf("%d", status), time.Since(start))
	}()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeError(w, status, "malformed_format", "unreadable request body")
		return
	}

	env, err := envelope.Decode(body)
	if err != nil {
		kind := "malformed_format"
		if de, ok := envelope.AsDecodeError(err); ok {
			kind = string(de.Kind)
		}
		status = http.StatusBadRequest
		writeError(w, status, kind, err.Error())
		return
	}

	// Correlation IDs are assigned at the edge when a raw client omits one.
	if env.CorrelationID == "" {
		env.CorrelationID = envelope.NewCorrelationID()
	}

	ctx, span := observability.StartSpanWithOtel(r.Context(), "transport.receive",
		trace.WithAttributes(
			attribute.String("envelope.format", string(env.Format)),
			attribute.String("envelope.correlation_id", env.CorrelationID),
		),
	)
	defer span.End()

	if s.handler != nil {
		reply, err := s.handler(ctx, env)
		if err != nil {
			span.RecordError(err)
			status = statusForError(err)
			writeError(w, status, kindForError(err), err.Error())
			return
		}
		s.writeEnvelope(w, reply, &status)
		return
	}

	// Channel mode: hand the envelope to whoever is consuming Receive()
	// and block for the single reply.
	handle := newReplyHandle()
	select {
	case s.inbox <- Inbound{Envelope: env, Reply: handle}:
	case <-s.done:
		status = http.StatusServiceUnavailable
		writeError(w, status, string(Unreachable), "server shutting down")
		return
	case <-ctx.Done():
		status = http.StatusGatewayTimeout
		writeError(w, status, string(Timeout), "no consumer accepted the envelope")
		return
	}

	select {
	case m := <-handle.ch:
		if m.env != nil {
			s.writeEnvelope(w, m.env, &status)
			return
		}
		status = statusForKind(m.kind)
		writeError(w, status, m.kind, m.msg)
	case <-s.done:
		status = http.StatusServiceUnavailable
		writeError(w, status, string(Unreachable), "server shutting down before a reply was produced")
	case <-ctx.Done():
		status = http.StatusGatewayTimeout
		writeError(w, status, string(Timeout), "reply not produced before client disconnect")
	}
}

func (s *Server) writeEnvelope(w http.ResponseWriter, env *envelope.Envelope, status *int) {
	data, err := envelope.Encode(env)
	if err != nil {
		*status = http.StatusInternalServerError
		writeError(w, *status, "malformed_format", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(wireError{ErrorKind: kind, Message: message})
}

// kindForError maps handler errors onto wire error kinds. Errors that know
// their own kind (worker adapter failures) are asked directly.
func kindForError(err error) string {
	var wk interface{ WireErrorKind() string }
	if errors.As(err, &wk) {
		return wk.WireErrorKind()
	}
	if de, ok := envelope.AsDecodeError(err); ok {
		return string(de.Kind)
	}
	if te, ok := AsError(err); ok {
		return string(te.Kind)
	}
	if se, ok := AsStatusError(err); ok {
		return se.ErrorKind
	}
	return "upstream"
}

func statusForError(err error) int {
	return statusForKind(kindForError(err))
}

// statusForKind maps the protocol error taxonomy onto HTTP status codes.
func statusForKind(kind string) int {
	switch kind {
	case "malformed_format", "truncated_payload":
		return http.StatusBadRequest
	case "not_found", "no_data":
		return http.StatusNotFound
	case "rate_limited":
		return http.StatusTooManyRequests
	case "unauthorized":
		return http.StatusBadGateway // upstream credentials, not the caller's
	case "timeout":
		return http.StatusGatewayTimeout
	case "unreachable", "upstream":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
