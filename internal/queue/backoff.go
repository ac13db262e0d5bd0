// Package queue holds policy shared by the job queue backends.
package queue

import "time"

// Defaults applied by Policy.Normalized.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 5 * time.Minute
)

// Retention bounds for terminal jobs. Backends evict the oldest entries
// beyond these counts; evicted jobs read as not found.
const (
	DefaultCompletedRetention = 100
	DefaultFailedRetention    = 50
)

// DefaultLeaseTTL must outlast the whole-job budget so a live worker never
// loses its lease mid-scan.
const DefaultLeaseTTL = 150 * time.Second

// Policy controls how failed jobs are retried. The delay doubles with each
// failed attempt: BaseDelay, 2x, 4x and so on, capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Normalized returns a copy with zero fields replaced by defaults.
func (p Policy) Normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	return p
}

// ShouldRetry reports whether a job that has consumed the given number of
// attempts may run again.
func (p Policy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

// Backoff returns the delay before the next run after the given failed
// attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
