package errors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/johnayoung/go-market-aggregator/internal/config"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker stops calling a venue's REST API after FailureThreshold
// consecutive failures and lets HalfOpenRequests probes through once
// RecoveryTimeout has passed.
type CircuitBreaker struct {
	name      string
	threshold int
	probes    int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	passed   int // successful probes while half-open
	openedAt time.Time
}

func NewCircuitBreaker(name string, cfg config.CircuitBreakerConfig) *CircuitBreaker {
	cooldown, _ := time.ParseDuration(cfg.RecoveryTimeout)
	probes := cfg.HalfOpenRequests
	if probes <= 0 {
		probes = 1
	}
	return &CircuitBreaker{
		name:      name,
		threshold: cfg.FailureThreshold,
		probes:    probes,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Call runs fn unless the circuit is open. A caller cancellation does not
// count as a failure.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.admit() {
		return &ClassifiedError{
			Err:       fmt.Errorf("circuit breaker is open for %s", cb.name),
			Type:      ErrorTypeCircuitOpen,
			Severity:  SeverityMedium,
			Component: "circuit_breaker",
			Operation: cb.name,
			Timestamp: cb.now(),
		}
	}

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil || errors.Is(err, context.Canceled) {
		cb.succeeded()
	} else {
		cb.failed()
	}
	return err
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) <= cb.cooldown {
			return false
		}
		cb.transition(CircuitHalfOpen)
		return true
	case CircuitHalfOpen:
		return cb.passed < cb.probes
	}
	return true
}

func (cb *CircuitBreaker) succeeded() {
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.passed++
		if cb.passed >= cb.probes {
			cb.transition(CircuitClosed)
		}
	}
}

func (cb *CircuitBreaker) failed() {
	cb.failures++
	switch cb.state {
	case CircuitClosed:
		if cb.threshold > 0 && cb.failures >= cb.threshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transition(CircuitOpen)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	cb.state = to
	cb.passed = 0
	switch to {
	case CircuitOpen:
		cb.openedAt = cb.now()
	case CircuitClosed:
		cb.failures = 0
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
