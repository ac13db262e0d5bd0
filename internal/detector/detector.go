// Package detector adapts accessibility rule engines to the scan pipeline.
package detector

import (
	"context"
	"sync"

	"github.com/accessprobe/scand/internal/scan"
)

// Serial wraps a detector whose engine keeps shared mutable evaluation
// state, forcing one Detect call at a time across the worker pool. Engines
// that evaluate against a per-call document (like the wcag engine) do not
// need it.
type Serial struct {
	mu    sync.Mutex
	inner scan.Detector
}

// NewSerial wraps inner so its Detect calls never overlap.
func NewSerial(inner scan.Detector) *Serial {
	return &Serial{inner: inner}
}

// Detect forwards to the wrapped engine under the lock.
func (s *Serial) Detect(ctx context.Context, page scan.FetchResponse) ([]scan.RawViolation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Detect(ctx, page)
}
