package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"
)

// State represents circuit breaker state
type State int32

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
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker stops calls to a failing dependency for a cool-down period after maxFailures
// consecutive failures, then lets a probe through.
type Breaker struct {
	maxFailures int64
	timeout     time.Duration
	mu          sync.RWMutex
	state       int32 // State (atomic)
	failures    int64 // consecutive failures (atomic)
	lastFailure time.Time
}

// NewBreaker creates a new circuit breaker
func NewBreaker(maxFailures int64, timeout time.Duration) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		state:       int32(StateClosed),
	}
}

// Allow checks if the circuit breaker allows the request
func (b *Breaker) Allow() bool {
	state := State(atomic.LoadInt32(&b.state))

	switch state {
	case StateClosed:
		return true
	case StateOpen:
		b.mu.RLock()
		lastFailure := b.lastFailure
		b.mu.RUnlock()
		if time.Since(lastFailure) >= b.timeout {
			// One caller wins the probe
			if atomic.CompareAndSwapInt32(&b.state, int32(StateOpen), int32(StateHalfOpen)) {
				atomic.StoreInt64(&b.failures, 0)
				return true
			}
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful request and resets the failure streak
func (b *Breaker) RecordSuccess() {
	atomic.StoreInt64(&b.failures, 0)
	atomic.CompareAndSwapInt32(&b.state, int32(StateHalfOpen), int32(StateClosed))
}

// RecordFailure records a failed request
func (b *Breaker) RecordFailure() {
	failures := atomic.AddInt64(&b.failures, 1)
	b.mu.Lock()
	b.lastFailure = time.Now()
	b.mu.Unlock()

	// A failed probe reopens immediately
	if failures >= b.maxFailures || State(atomic.LoadInt32(&b.state)) == StateHalfOpen {
		atomic.StoreInt32(&b.state, int32(StateOpen))
	}
}

// State returns the current state
func (b *Breaker) State() State {
	return State(atomic.LoadInt32(&b.state))
}
