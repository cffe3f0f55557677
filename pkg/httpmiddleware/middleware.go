package httpmiddleware

import (
	"fmt"
	"net/http"

	"github.com/helloemzy/personal-brand-dna-sub000/pkg/circuitbreaker"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/ratelimiter"
)

// RateLimit is a middleware that applies rate limiting to an HTTP handler.
func RateLimit(limiter ratelimiter.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// CircuitBreak is a middleware that applies the circuit breaker pattern to an
// HTTP handler. Status codes >= 500 count as failures.
func CircuitBreak(breaker circuitbreaker.CircuitBreaker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			_, err := breaker.Execute(func() (interface{}, error) {
				next.ServeHTTP(rw, r)
				if rw.statusCode >= http.StatusInternalServerError {
					return nil, fmt.Errorf("server error: status code %d", rw.statusCode)
				}
				return nil, nil
			})

			if err == circuitbreaker.ErrCircuitOpen {
				http.Error(w, "Service Unavailable: Circuit Breaker is open", http.StatusServiceUnavailable)
			}
			// Any other error was already written to the response by the
			// wrapped handler.
		})
	}
}
