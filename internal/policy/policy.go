// Package policy holds the pacing and reconnect-backoff policies. Both take
// an explicit random source so their output is reproducible in tests.
package policy

import (
	"math"
	"math/rand/v2"
	"time"
)

// Rand returns a value in [0, 1).
type Rand func() float64

func orDefault(r Rand) Rand {
	if r == nil {
		return rand.Float64
	}
	return r
}

// Pacer spaces consecutive sends of one account by a random gap in [Min, Max].
type Pacer struct {
	Min  time.Duration
	Max  time.Duration
	Rand Rand
}

// Delay is how long to wait before the next send given the previous one.
func (p Pacer) Delay(lastSend, now time.Time) time.Duration {
	if lastSend.IsZero() || p.Max <= 0 {
		return 0
	}
	lo, hi := p.Min, p.Max
	if hi < lo {
		lo, hi = hi, lo
	}
	target := lo + time.Duration(orDefault(p.Rand)()*float64(hi-lo))
	wait := target - now.Sub(lastSend)
	if wait < 0 {
		return 0
	}
	return wait
}

// Backoff is exponential reconnect backoff with full jitter on the upper half.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
	Rand        Rand
}

// Delay returns the wait before reconnect attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(b.Initial) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && base > float64(b.Max) {
		base = float64(b.Max)
	}
	half := base / 2
	return time.Duration(half + orDefault(b.Rand)()*half)
}

// Exhausted reports whether attempt exceeds the configured budget. Zero
// MaxAttempts means unlimited.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}
