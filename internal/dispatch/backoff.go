package dispatch

import (
	"math"
	"time"
)

// Backoff maps a retry attempt (1-based) to its delay. Attempts past the
// step table double the last step until Max.
type Backoff struct {
	Steps []time.Duration
	Max   time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{
		Steps: []time.Duration{5 * time.Minute, 15 * time.Minute, 60 * time.Minute},
		Max:   24 * time.Hour,
	}
}

// Delay is non-decreasing in attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if len(b.Steps) == 0 {
		b = DefaultBackoff()
	}
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	if attempt <= len(b.Steps) {
		d = b.Steps[attempt-1]
	} else {
		d = b.Steps[len(b.Steps)-1]
		for i := len(b.Steps); i < attempt; i++ {
			if (b.Max > 0 && d >= b.Max) || d > math.MaxInt64/2 {
				break
			}
			d *= 2
		}
	}
	// Keep a misordered step table monotonic.
	for _, s := range b.Steps[:min(attempt, len(b.Steps))] {
		d = max(d, s)
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Next is Delay raised to the platform's RetryAfter hint.
func (b Backoff) Next(attempt int, hint time.Duration) time.Duration {
	return max(b.Delay(attempt), hint)
}
