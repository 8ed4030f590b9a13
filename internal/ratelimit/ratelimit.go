package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Verdict is the outcome of offering one inbound message to a Limiter.
type Verdict int

const (
	Allow Verdict = iota
	// Drop means the message is over the limit and should be ignored.
	Drop
	// Disconnect means the peer kept exceeding the limit and should be closed.
	Disconnect
)

// Limiter is a token bucket that also counts how often it has been exceeded.
type Limiter struct {
	bucket        *rate.Limiter
	maxViolations int

	mu         sync.Mutex
	violations int
}

// NewLimiter allows perSecond events with bursts up to burst. After
// maxViolations rejected events the verdict becomes Disconnect; zero
// disables that.
func NewLimiter(perSecond float64, burst, maxViolations int) *Limiter {
	return &Limiter{
		bucket:        rate.NewLimiter(rate.Limit(perSecond), burst),
		maxViolations: maxViolations,
	}
}

// Check consumes one token and reports what to do with the message.
func (l *Limiter) Check() Verdict {
	if l.bucket.Allow() {
		return Allow
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.violations++
	if l.maxViolations > 0 && l.violations > l.maxViolations {
		return Disconnect
	}
	return Drop
}

// Violations returns how many messages were rejected so far.
func (l *Limiter) Violations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.violations
}
