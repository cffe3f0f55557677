package ratelimiter

import (
	"sync"
	"time"
)

// TokenBucket implements the RateLimiter interface using the token bucket
// algorithm. It allows bursts of requests up to the bucket's capacity.
type TokenBucket struct {
	rate     float64   // Tokens generated per second.
	capacity float64   // Maximum number of tokens in the bucket.
	tokens   float64   // Current number of tokens.
	lastFill time.Time // Last time tokens were added.
	mutex    sync.Mutex
}

// NewTokenBucket creates a new TokenBucket.
// rate: tokens generated per second.
// capacity: maximum burst size.
func NewTokenBucket(rate float64, capacity int) *TokenBucket {
	return &TokenBucket{
		rate:     rate,
		capacity: float64(capacity),
		tokens:   float64(capacity), // Start with a full bucket.
		lastFill: time.Now(),
	}
}

// Allow refills the bucket based on elapsed time and consumes one token
// if available.
func (tb *TokenBucket) Allow() bool {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	now := time.Now()
	if elapsed := now.Sub(tb.lastFill); elapsed > 0 {
		tb.tokens += elapsed.Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastFill = now
	}

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}
