package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the state of the circuit breaker.
type State int

const (
	// Closed is the initial state where requests are allowed.
	Closed State = iota
	// Open is the state after the circuit has tripped; requests are blocked.
	Open
	// HalfOpen allows trial requests to probe whether the downstream recovered.
	HalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "Half-Open"
	default:
		return "Unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is in the Open state.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker wraps calls to an unreliable downstream (for example an
// external publishing API) and blocks them while the downstream is failing.
type CircuitBreaker interface {
	// Execute runs the given request if the circuit breaker is closed or half-open.
	Execute(req func() (interface{}, error)) (interface{}, error)
	// State returns the current state of the circuit breaker.
	State() State
}

type breaker struct {
	failureThreshold uint32        // Consecutive failures required to trip.
	successThreshold uint32        // Consecutive half-open successes required to close.
	timeout          time.Duration // Time spent in Open before probing.

	successes uint32 // Consecutive successes while half-open.
	failures  uint32 // Consecutive failures while closed.
	openedAt  time.Time
	state     State
	mutex     sync.Mutex
}

// New creates a CircuitBreaker with the given thresholds and open timeout.
func New(failureThreshold, successThreshold uint32, timeout time.Duration) CircuitBreaker {
	return &breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		state:            Closed,
	}
}

// State returns the current state of the circuit breaker.
func (cb *breaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Execute wraps the execution of a function with the circuit breaker logic.
func (cb *breaker) Execute(req func() (interface{}, error)) (interface{}, error) {
	cb.mutex.Lock()
	if cb.state == Open {
		if time.Since(cb.openedAt) <= cb.timeout {
			cb.mutex.Unlock()
			return nil, ErrCircuitOpen
		}
		cb.state = HalfOpen
		cb.successes = 0
	}
	cb.mutex.Unlock()

	res, err := req()
	if err != nil {
		cb.onFailure()
		return nil, err
	}
	cb.onSuccess()
	return res, nil
}

func (cb *breaker) onSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case HalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = Closed
			cb.failures = 0
			cb.successes = 0
		}
	case Closed:
		cb.failures = 0
	}
}

func (cb *breaker) onFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case HalfOpen:
		cb.trip()
	case Closed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.trip()
		}
	}
}

// trip opens the circuit. Caller must hold the mutex.
func (cb *breaker) trip() {
	cb.state = Open
	cb.openedAt = time.Now()
	cb.failures = 0
	cb.successes = 0
}
