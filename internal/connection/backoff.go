package connection

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: base * 2^(attempt-1), capped at Max,
// plus a jitter drawn uniformly from [0, Jitter*delay].
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	Rand   func() float64
}

// DefaultBackoff provides the reconnect defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   time.Second,
		Max:    30 * time.Second,
		Jitter: 0.25,
	}
}

// Delay returns the pre-jitter delay for the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	ceiling := b.Max
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	if base >= ceiling {
		return ceiling
	}

	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= ceiling || wait <= 0 {
			return ceiling
		}
	}
	return wait
}

// JitterFor returns a random perturbation in [0, Jitter*delay].
func (b Backoff) JitterFor(delay time.Duration) time.Duration {
	if b.Jitter <= 0 || delay <= 0 {
		return 0
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(r() * jitter * float64(delay))
}

// Next returns the jittered delay for the given attempt.
func (b Backoff) Next(attempt int) time.Duration {
	delay := b.Delay(attempt)
	return delay + b.JitterFor(delay)
}
