package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Server exposes operational endpoints (health, metrics) for one agent
// process, separate from the protocol endpoint.
type Server struct {
	httpServer *http.Server
	port       int
}

// NewServer creates an ops server on the given port.
func NewServer(port int) *Server {
	return &Server{
		port: port,
	}
}

// Start starts the ops server. It blocks until the listener fails.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", HealthHandler())
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", ReadinessHandler())

	// Metrics endpoint
	mux.Handle("/metrics", MetricsHandler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the ops server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
