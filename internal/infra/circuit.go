// Package infra holds shared process-wide plumbing: circuit breakers and
// named locks used by the token exchange cache.
package infra

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState is the current mode of a breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// ErrCircuitOpen is returned without invoking the wrapped call while the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitEvent describes a breaker state change for the observability sink.
type CircuitEvent struct {
	Name     string
	From     CircuitState
	To       CircuitState
	Failures int
	At       time.Time
}

// CircuitConfig tunes a breaker.
type CircuitConfig struct {
	// Name identifies this breaker in events and metrics.
	Name string

	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// SuccessThreshold is the number of successes in half-open to close.
	SuccessThreshold int

	// RecoveryTimeout is how long the circuit stays open before half-open.
	RecoveryTimeout time.Duration

	// OnEvent receives state-change events. Called on its own goroutine.
	OnEvent func(CircuitEvent)
}

// CircuitBreaker guards an upstream call with the closed/open/half-open
// pattern.
type CircuitBreaker struct {
	config CircuitConfig

	mu              sync.RWMutex
	state           CircuitState
	failures        int
	successes       int
	lastStateChange time.Time
}

// NewCircuitBreaker creates a breaker, applying defaults for zero fields.
func NewCircuitBreaker(config CircuitConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// Do runs fn under breaker protection and records the outcome.
func Do[T any](cb *CircuitBreaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.canExecute(); err != nil {
		return zero, err
	}
	result, err := fn(ctx)
	cb.record(err)
	return result, err
}

func (cb *CircuitBreaker) canExecute() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if time.Since(cb.lastStateChange) >= cb.config.RecoveryTimeout {
			cb.transition(CircuitHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.successes = 0
		switch cb.state {
		case CircuitClosed:
			if cb.failures >= cb.config.FailureThreshold {
				cb.transition(CircuitOpen)
			}
		case CircuitHalfOpen:
			cb.transition(CircuitOpen)
		}
		return
	}

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(CircuitClosed)
		}
	}
}

// transition must be called with the lock held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.lastStateChange = time.Now()
	failures := cb.failures
	cb.failures = 0
	cb.successes = 0

	if cb.config.OnEvent != nil {
		event := CircuitEvent{
			Name:     cb.config.Name,
			From:     from,
			To:       to,
			Failures: failures,
			At:       cb.lastStateChange,
		}
		go cb.config.OnEvent(event)
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forces the breaker closed. Exposed as an admin operation.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
		return
	}
	cb.failures = 0
	cb.successes = 0
}
