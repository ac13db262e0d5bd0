// Package simple contains the permissive fetch policy.
package simple

import "context"

// Policy never delays a fetch. It stands in when per-host pacing is
// disabled.
type Policy struct{}

// New creates a new Policy.
func New() *Policy {
	return &Policy{}
}

// Wait returns immediately unless the context already finished.
func (Policy) Wait(ctx context.Context, _ string) error {
	return ctx.Err()
}
