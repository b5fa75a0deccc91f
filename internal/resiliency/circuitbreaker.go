// Package resiliency provides retry and circuit-breaking decorators
// for the registry client's outbound HTTP calls. Ported from a
// synchronous three-state breaker; no third-party resiliency library
// is present in this codebase's dependency set.
package resiliency

import (
	"errors"
	"sync/atomic"
	"time"
)

type state int32

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// ErrOpen is returned by Execute when the breaker is open and the
// reset timeout has not yet elapsed, or while the half-open trial call
// is still in flight.
var ErrOpen = errors.New("circuit breaker is open")

// CircuitBreaker trips open after failureThreshold consecutive
// failures, refuses calls for resetTimeout, then allows one trial
// call (half-open) to decide whether to close again.
type CircuitBreaker struct {
	failureThreshold int32
	resetTimeout     time.Duration

	state           int32
	failureCount    int32
	lastFailureUnix int64
}

// NewCircuitBreaker builds a breaker with the given failure threshold
// and reset timeout.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: int32(failureThreshold),
		resetTimeout:     resetTimeout,
		state:            int32(stateClosed),
	}
}

// Execute runs fn if the breaker permits it, tracking the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allowRequest() {
		return ErrOpen
	}
	err := fn()
	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) allowRequest() bool {
	switch state(atomic.LoadInt32(&cb.state)) {
	case stateClosed:
		return true
	case stateHalfOpen:
		return false
	case stateOpen:
		elapsed := time.Since(time.Unix(atomic.LoadInt64(&cb.lastFailureUnix), 0))
		if elapsed >= cb.resetTimeout {
			return atomic.CompareAndSwapInt32(&cb.state, int32(stateOpen), int32(stateHalfOpen))
		}
		return false
	}
	return false
}

func (cb *CircuitBreaker) recordFailure() {
	atomic.StoreInt64(&cb.lastFailureUnix, time.Now().Unix())
	if state(atomic.LoadInt32(&cb.state)) == stateHalfOpen {
		atomic.StoreInt32(&cb.state, int32(stateOpen))
		return
	}
	count := atomic.AddInt32(&cb.failureCount, 1)
	if count >= cb.failureThreshold {
		atomic.StoreInt32(&cb.state, int32(stateOpen))
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	atomic.StoreInt32(&cb.failureCount, 0)
	atomic.StoreInt32(&cb.state, int32(stateClosed))
}

// State reports the breaker's current state as a string, for logging.
func (cb *CircuitBreaker) State() string {
	switch state(atomic.LoadInt32(&cb.state)) {
	case stateOpen:
		return "OPEN"
	case stateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}
