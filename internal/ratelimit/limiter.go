// Package ratelimit implements a token bucket rate limiter for per-submitter
// submission control.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pruneThreshold is the tracked-identity count above which Allow sweeps
// fully replenished entries before adding a new one.
const pruneThreshold = 10000

// SubmissionLimiter grants each submitter identity one submission per window.
type SubmissionLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// New creates a SubmissionLimiter allowing one submission per window for each
// identity, with the given burst. A window of zero or less disables limiting;
// a burst below one is raised to one.
func New(window time.Duration, burst int) *SubmissionLimiter {
	r := rate.Inf
	if window > 0 {
		r = rate.Every(window)
	}
	if burst <= 0 {
		burst = 1
	}
	return &SubmissionLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// Allow reports whether the identity may submit now, consuming a token if so.
func (l *SubmissionLimiter) Allow(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, exists := l.limiters[identity]
	if !exists {
		if len(l.limiters) >= pruneThreshold {
			l.prune()
		}
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[identity] = lim
	}
	return lim.Allow()
}

// Tracked returns the number of identities currently tracked.
func (l *SubmissionLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// prune drops identities whose buckets have fully replenished. Callers must
// hold mu.
func (l *SubmissionLimiter) prune() {
	for id, lim := range l.limiters {
		if lim.Tokens() >= float64(l.burst) {
			delete(l.limiters, id)
		}
	}
}
