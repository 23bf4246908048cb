// Package retry provides the bounded exponential-backoff policy applied to
// failing step actions.
package retry

import (
	"math"
	"math/rand"
	"time"
)

type Policy struct {
	// MaxAttempts counts the first try too. Must be at least 1.
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Multiplier is applied to the delay after each retry.
	Multiplier float64

	// Jitter in [0,1] randomizes each delay by up to that fraction.
	Jitter float64
}

func Default() *Policy {
	return &Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

func NoRetry() *Policy {
	return &Policy{MaxAttempts: 1, Multiplier: 1.0}
}

// NextDelay returns the backoff before the given retry. Attempt 1 is the
// first retry after the initial try.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		factor := 1 - p.Jitter + 2*p.Jitter*rand.Float64()
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}

// ShouldRetry reports whether another attempt is allowed after the given
// failed attempt (1-indexed).
func (p *Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}
