package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff calculates the delay before a retry.
// Implementations must be safe for concurrent use.
type Backoff interface {
	// Next returns the delay before the given retry. Attempt starts at 1.
	Next(attempt int) time.Duration
}

// Exponential grows the delay geometrically with optional jitter.
type Exponential struct {
	Initial    time.Duration // default 200ms
	Max        time.Duration // default 5s
	Multiplier float64       // default 2
	Jitter     float64       // fraction of the delay, 0 disables
}

// Next returns min(Initial * Multiplier^(attempt-1) * (1 ± Jitter), Max).
func (e Exponential) Next(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	initial := cmpOr(e.Initial, 200*time.Millisecond)
	maxDelay := cmpOr(e.Max, 5*time.Second)
	multiplier := e.Multiplier
	if multiplier == 0 {
		multiplier = 2
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if e.Jitter > 0 {
		delay *= 1 + (rand.Float64()*2-1)*e.Jitter
	}
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	return time.Duration(delay)
}

// Linear grows the delay by Interval each attempt.
type Linear struct {
	Interval time.Duration // default 1s
	Max      time.Duration // default 30s
}

// Next returns min(Interval * attempt, Max).
func (l Linear) Next(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return min(cmpOr(l.Interval, time.Second)*time.Duration(attempt), cmpOr(l.Max, 30*time.Second))
}

// Fixed waits the same interval before every retry.
type Fixed time.Duration

func (f Fixed) Next(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return time.Duration(f)
}

// Default is the backoff used for outbound provider calls.
func Default() Backoff {
	return Exponential{
		Initial:    200 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2,
		Jitter:     0.1,
	}
}

func cmpOr(d, fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return d
}
