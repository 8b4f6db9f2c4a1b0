package engine

import (
	"math/rand"
	"time"
)

// BackoffConfig controls the retry delay for transient task failures.
// The delay for attempt n (0-indexed) is base * 2^n, plus or minus a random
// jitter fraction, capped at Max.
type BackoffConfig struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Jitter is the fraction of the delay randomized in either direction,
	// e.g. 0.25 yields delays in [0.75d, 1.25d].
	Jitter float64
}

// DefaultBackoff returns the engine's default retry schedule.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Base:   2 * time.Second,
		Max:    2 * time.Minute,
		Jitter: 0.25,
	}
}

// Delay returns the backoff delay for the given attempt (0-indexed).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := c.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if c.Max > 0 && d >= c.Max {
			d = c.Max
			break
		}
	}
	if c.Max > 0 && d > c.Max {
		d = c.Max
	}

	if c.Jitter > 0 {
		// Random in [-jitter, +jitter] of d.
		spread := float64(d) * c.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
		if d < 0 {
			d = 0
		}
	}

	return d
}
