package ratelimiter

// RateLimiter is the interface for rate limiting.
// Allow returns true if a request is admitted, false otherwise.
type RateLimiter interface {
	Allow() bool
}
