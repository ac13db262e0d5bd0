// Package ratelimit paces outbound fetches with a token bucket per target
// host.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/accessprobe/scand/internal/metrics"
	"github.com/accessprobe/scand/internal/scan"
)

// Limiter manages one token bucket per host. Hosts it has never seen get a
// bucket with the default rate and burst.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds limiter defaults.
type Config struct {
	// DefaultRPS is the sustained request rate per host. Zero or negative
	// disables pacing.
	DefaultRPS float64
	// DefaultBurst is the bucket size per host. Values below one become one.
	DefaultBurst int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until the host behind url may be fetched, respecting the
// context. Waits longer than a millisecond are recorded per site.
func (l *Limiter) Wait(ctx context.Context, url string) error {
	host := scan.HostOf(url)
	if host == "" {
		host = "unknown"
	}

	l.mu.Lock()
	limiter, exists := l.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if delay := time.Since(start); delay > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, delay)
	}
	return nil
}
