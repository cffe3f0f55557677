package http

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/circuitbreaker"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/httpmiddleware"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/ratelimiter"
)

// Middleware defines a function to wrap an http.Handler.
type Middleware func(http.Handler) http.Handler

// Server is a small HTTP server used for the per-agent operational surface
// (health and metrics endpoints), with built-in middleware support.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// ServerOption defines a function for configuring a Server.
type ServerOption func(*Server)

// WithAddress sets the address for the server to listen on.
func WithAddress(addr string) ServerOption {
	return func(s *Server) {
		s.httpServer.Addr = addr
	}
}

// NewServer creates a Server and applies rate limiting and circuit breaking
// middleware when enabled in the middleware config.
func NewServer(cfg config.MiddlewareConfig, opts ...ServerOption) (*Server, error) {
	mux := http.NewServeMux()
	var handler http.Handler = mux

	var middlewares []Middleware

	if cfg.RateLimiter.Enabled {
		limiter := ratelimiter.NewTokenBucket(cfg.RateLimiter.Rate, cfg.RateLimiter.Capacity)
		middlewares = append(middlewares, httpmiddleware.RateLimit(limiter))
	}

	if cfg.CircuitBreaker.Enabled {
		breaker, err := createCircuitBreaker(cfg.CircuitBreaker)
		if err != nil {
			return nil, fmt.Errorf("failed to create circuit breaker: %w", err)
		}
		middlewares = append(middlewares, httpmiddleware.CircuitBreak(breaker))
	}

	// Apply all middlewares in reverse order so the first one listed wraps
	// the whole chain.
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}

	srv := &Server{
		httpServer: &http.Server{Handler: handler},
		mux:        mux,
	}

	for _, opt := range opts {
		opt(srv)
	}
	if srv.httpServer.Addr == "" {
		srv.httpServer.Addr = ":8080"
	}

	return srv, nil
}

// Handle registers the handler for the given pattern.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// HandleFunc registers the handler function for the given pattern.
func (s *Server) HandleFunc(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, handler)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	if s.httpServer.Addr == "" {
		return fmt.Errorf("server address is not set")
	}
	log.Printf("Starting server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// createCircuitBreaker initializes a circuit breaker based on the configuration.
func createCircuitBreaker(cfg config.CircuitBreakerConfig) (circuitbreaker.CircuitBreaker, error) {
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid circuit breaker timeout duration: %w", err)
	}
	return circuitbreaker.New(cfg.FailureThreshold, cfg.SuccessThreshold, timeout), nil
}
