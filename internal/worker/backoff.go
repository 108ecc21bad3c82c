package worker

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before a transient failure is retried:
// Base * Multiplier^attempt plus a uniform jitter in [0, Jitter).
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Jitter     time.Duration

	// randN returns a value in [0, n). Defaults to math/rand/v2.
	randN func(n int64) int64
}

// NewBackoff returns a policy using the global random source for jitter.
func NewBackoff(base time.Duration, multiplier float64, jitter time.Duration) *Backoff {
	return &Backoff{Base: base, Multiplier: multiplier, Jitter: jitter, randN: rand.Int64N}
}

// Exponential is the deterministic part of the delay for attempt.
func (b *Backoff) Exponential(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(attempt))
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delay returns the full delay for attempt, where attempt is the number of
// retries already made (0 for the first failure).
func (b *Backoff) Delay(attempt int) time.Duration {
	d := b.Exponential(attempt)
	if b.Jitter <= 0 {
		return d
	}

	randN := b.randN
	if randN == nil {
		randN = rand.Int64N
	}
	j := time.Duration(randN(int64(b.Jitter)))
	if d > time.Duration(math.MaxInt64)-j {
		return time.Duration(math.MaxInt64)
	}
	return d + j
}
