package kvstore

import (
	"sync/atomic"
	"time"
)

// CircuitBreakerState is the state of a CircuitBreaker.
type CircuitBreakerState int32

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calls to the store after threshold consecutive
// failures and lets a single probe through once cooldown has passed.
type CircuitBreaker struct {
	threshold int64
	cooldown  time.Duration
	failures  atomic.Int64
	state     atomic.Int32
	openedAt  atomic.Int64
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{threshold: int64(threshold), cooldown: cooldown}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	switch cb.State() {
	case CircuitBreakerClosed:
		return true
	case CircuitBreakerOpen:
		opened := time.Unix(0, cb.openedAt.Load())
		if time.Since(opened) < cb.cooldown {
			return false
		}
		return cb.state.CompareAndSwap(int32(CircuitBreakerOpen), int32(CircuitBreakerHalfOpen))
	default:
		// half-open: one probe is already in flight
		return false
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(int32(CircuitBreakerClosed))
}

// RecordFailure counts a failure and opens the breaker at the threshold, or
// immediately when the failing call was the half-open probe.
func (cb *CircuitBreaker) RecordFailure() {
	n := cb.failures.Add(1)
	if cb.State() == CircuitBreakerHalfOpen || n >= cb.threshold {
		cb.openedAt.Store(time.Now().UnixNano())
		cb.state.Store(int32(CircuitBreakerOpen))
	}
}

// Release hands back a half-open probe that ended without an answer from the
// store. The breaker returns to open with its old timestamp, so the next
// Allow starts a fresh probe.
func (cb *CircuitBreaker) Release() {
	cb.state.CompareAndSwap(int32(CircuitBreakerHalfOpen), int32(CircuitBreakerOpen))
}
