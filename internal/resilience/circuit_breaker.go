package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/voxloop/voice-loop/internal/observability"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed   CircuitState = iota // normal operation
	StateOpen                         // requests fail immediately
	StateHalfOpen                     // testing whether the service recovered
)

// ErrCircuitOpen is returned while the breaker rejects requests
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards a flaky dependency (the STT connection) so repeated
// failures stop burning reconnect attempts until the reset timeout passes.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu            sync.RWMutex
	state         CircuitState
	failureCount  int
	lastFailTime  time.Time
	successCount  int
	halfOpenCount int
}

// NewCircuitBreaker creates a breaker that opens after maxFailures
// consecutive failures and probes recovery after resetTimeout.
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	observability.UpdateCircuitBreakerState(name, int(StateClosed))
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		halfOpenMax:  3,
		state:        StateClosed,
	}
}

// Call executes fn under breaker protection.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.RecordResult(err == nil)
	return err
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailTime) >= cb.resetTimeout {
			cb.setState(StateHalfOpen)
			cb.halfOpenCount = 0
			cb.successCount = 0
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfOpenCount < cb.halfOpenMax {
			cb.halfOpenCount++
			return true
		}
		return false
	}
	return false
}

// RecordResult records the outcome of a request made outside Call.
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if success {
		cb.recordSuccess()
	} else {
		cb.recordFailure()
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.halfOpenMax {
			cb.setState(StateClosed)
			cb.failureCount = 0
			cb.halfOpenCount = 0
			cb.successCount = 0
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.lastFailTime = time.Now()
	observability.IncrementCircuitBreakerFailures(cb.name)

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.maxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		// Any failure while probing reopens immediately
		cb.setState(StateOpen)
		cb.halfOpenCount = 0
		cb.successCount = 0
	}
}

// setState transitions and mirrors the state into the metrics gauge.
// Callers hold cb.mu.
func (cb *CircuitBreaker) setState(s CircuitState) {
	cb.state = s
	observability.UpdateCircuitBreakerState(cb.name, int(s))
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset manually closes the breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.failureCount = 0
	cb.halfOpenCount = 0
	cb.successCount = 0
}
