package lookup

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the current state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed means lookups flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the service is considered down and lookups fail fast.
	CircuitOpen
	// CircuitHalfOpen means a single probe lookup is in flight.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive transient failures before the circuit trips.
	// Zero or less disables the breaker.
	Threshold int
	// ResetAfter is how long the circuit stays open before a probe is allowed.
	ResetAfter time.Duration
}

// CircuitBreaker trips open after N consecutive transient lookup failures so an
// outage does not burn lookup budget on calls that cannot succeed.
type CircuitBreaker struct {
	mu               sync.Mutex
	consecutiveFails int
	threshold        int
	resetAfter       time.Duration
	lastFailure      time.Time
	probeStarted     time.Time
	state            CircuitState
	now              func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:  config.Threshold,
		resetAfter: config.ResetAfter,
		state:      CircuitClosed,
		now:        time.Now,
	}
}

// Allow reports whether a lookup may proceed. After ResetAfter an open circuit
// lets one probe through. A probe that never reports back is abandoned after
// another ResetAfter and a new probe is allowed.
func (cb *CircuitBreaker) Allow() (bool, error) {
	if cb.threshold <= 0 {
		return true, nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case CircuitClosed:
		return true, nil
	case CircuitOpen:
		if now.Sub(cb.lastFailure) > cb.resetAfter {
			cb.state = CircuitHalfOpen
			cb.probeStarted = now
			return true, nil
		}
		return false, fmt.Errorf("lookup service appears to be down (failed %d times, last failure %v ago)",
			cb.consecutiveFails, now.Sub(cb.lastFailure).Round(time.Second))
	case CircuitHalfOpen:
		if now.Sub(cb.probeStarted) > cb.resetAfter {
			cb.probeStarted = now
			return true, nil
		}
		return false, fmt.Errorf("probing whether the lookup service has recovered")
	default:
		return false, fmt.Errorf("circuit breaker in unknown state: %v", cb.state)
	}
}

// RecordSuccess closes the circuit. Any response from the service that is not
// a transient failure counts, including not-found and auth rejections.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a transient failure and trips the circuit at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails++
	cb.lastFailure = cb.now()

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		return
	}
	if cb.threshold > 0 && cb.consecutiveFails >= cb.threshold {
		cb.state = CircuitOpen
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ConsecutiveFailures returns the current count of consecutive failures.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFails
}
