package headless

import (
	"context"
	"errors"

	"github.com/accessprobe/scand/internal/scan"
)

// Noop implements scan.Fetcher but always returns an error, for deployments
// where rendering is disabled and no browser is available.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch returns an error since rendering is not available.
func (Noop) Fetch(_ context.Context, _ scan.FetchRequest) (scan.FetchResponse, error) {
	return scan.FetchResponse{}, errors.New("headless renderer not configured")
}
