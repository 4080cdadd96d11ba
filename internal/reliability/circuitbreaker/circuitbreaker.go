package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// CircuitBreaker provides fast-fail behavior when a dependency fails
// repeatedly. The pool uses one to stop dialing a database that is down.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	now              func() time.Time
	onStateChange    func(from, to State)
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	if successThreshold < 1 {
		successThreshold = 1
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		now:              time.Now,
	}
}

// SetStateChangeCallback registers a callback for state transitions.
// It runs outside the breaker's lock.
func (cb *CircuitBreaker) SetStateChangeCallback(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// RecordSuccess resets failures, closing a half-open circuit after enough successes
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.transition(StateClosed)
		}
	case StateClosed:
		cb.failureCount = 0
	}
	to, fn := cb.state, cb.onStateChange
	cb.mu.Unlock()
	notify(fn, from, to)
}

// RecordFailure counts a failure and may trip the circuit open
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	from := cb.state
	cb.lastFailureTime = cb.now()
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
	to, fn := cb.state, cb.onStateChange
	cb.mu.Unlock()
	notify(fn, from, to)
}

// AllowRequest returns true if the circuit allows a request. An open circuit
// moves to half-open once the timeout has elapsed since the last failure.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	from := cb.state
	allowed := true
	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailureTime) > cb.timeout {
			cb.transition(StateHalfOpen)
		} else {
			allowed = false
		}
	}
	to, fn := cb.state, cb.onStateChange
	cb.mu.Unlock()
	notify(fn, from, to)
	return allowed
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	cb.state = to
	cb.failureCount = 0
	cb.successCount = 0
}

func notify(fn func(from, to State), from, to State) {
	if fn != nil && from != to {
		fn(from, to)
	}
}
