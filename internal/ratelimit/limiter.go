package ratelimit

import (
	"sync/atomic"
)

// Limiter caps the number of concurrent gateway sessions
type Limiter struct {
	maxConns int64
	current  atomic.Int64
}

// NewLimiter creates a new concurrency limiter
func NewLimiter(maxConns int64) *Limiter {
	return &Limiter{
		maxConns: maxConns,
	}
}

// Allow takes a slot if one is free
func (l *Limiter) Allow() bool {
	for {
		current := l.current.Load()
		if current >= l.maxConns {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release releases a slot taken by Allow
func (l *Limiter) Release() {
	l.current.Add(-1)
}

// Current returns the number of slots in use
func (l *Limiter) Current() int64 {
	return l.current.Load()
}

// Max returns the maximum allowed sessions
func (l *Limiter) Max() int64 {
	return l.maxConns
}
