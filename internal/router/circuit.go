package router

import (
	"sync"
	"time"
)

// CircuitState is the state of one candidate's circuit breaker.
type CircuitState int

const (
	StateClosed   CircuitState = iota // candidate receives traffic
	StateOpen                         // candidate is skipped
	StateHalfOpen                     // one probe request may pass
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker counts consecutive candidate failures. A failure here is a
// whole retry sequence that ended without success, not a single attempt.
type CircuitBreaker struct {
	mu sync.Mutex

	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
	probedAt time.Time

	failureThreshold      int
	recoveryProbeInterval time.Duration
	now                   func() time.Time
}

func NewCircuitBreaker(failureThreshold int, recoveryProbeInterval time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	return &CircuitBreaker{
		state:                 StateClosed,
		failureThreshold:      failureThreshold,
		recoveryProbeInterval: recoveryProbeInterval,
		now:                   time.Now,
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// currentState moves OPEN to HALF_OPEN once the probe interval has elapsed.
// Must be called with mu held.
func (cb *CircuitBreaker) currentState() CircuitState {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.recoveryProbeInterval {
		cb.state = StateHalfOpen
		cb.probing = false
	}
	return cb.state
}

// Allow reports whether the candidate may be tried. In HALF_OPEN only the
// first caller gets through until that probe is recorded, released, or has
// been outstanding for a whole probe interval.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.probing && cb.now().Sub(cb.probedAt) < cb.recoveryProbeInterval {
			return false
		}
		cb.probing = true
		cb.probedAt = cb.now()
		return true
	}
	return false
}

// ReleaseProbe hands back a half-open probe whose request ended without
// saying anything about the candidate's health.
func (cb *CircuitBreaker) ReleaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probing = false
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch cb.currentState() {
	case StateClosed:
		if cb.failures >= cb.failureThreshold {
			cb.open()
		}
	case StateHalfOpen:
		cb.open()
	}
}

// open must be called with mu held.
func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.probing = false
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probing = false
}
