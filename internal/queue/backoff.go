package queue

import "time"

// Backoff computes how long to wait before retrying a job that has failed
// numErrors times.
type Backoff interface {
	Delay(numErrors int) time.Duration
}

// ExponentialBackoff doubles Base for every error and never exceeds Cap.
type ExponentialBackoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff is min(2^n minutes, 24h).
var DefaultBackoff = ExponentialBackoff{Base: time.Minute, Cap: 24 * time.Hour}

// Delay returns Base * 2^numErrors clamped to Cap. It is non-decreasing in
// numErrors.
func (b ExponentialBackoff) Delay(numErrors int) time.Duration {
	base, limit := b.Base, b.Cap
	if base <= 0 {
		base = time.Minute
	}
	if limit <= 0 {
		limit = 24 * time.Hour
	}
	if base >= limit {
		return limit
	}

	d := base
	for i := 0; i < numErrors; i++ {
		// Doubling past limit/2 would either reach the cap or overflow.
		if d > limit/2 {
			return limit
		}
		d *= 2
	}
	return d
}

// BackoffFunc adapts a plain function to Backoff.
type BackoffFunc func(numErrors int) time.Duration

// Delay calls f.
func (f BackoffFunc) Delay(numErrors int) time.Duration {
	return f(numErrors)
}
