package scan

import (
	"context"
	"time"
)

// Queue hands jobs from the gateway to the worker pool and tracks their
// lifecycle. Implementations must keep progress monotonic and must treat
// Complete and Fail on a terminal job as ErrTerminal.
type Queue interface {
	// Enqueue adds a job in StateWaiting (or StateDelayed when RunAt is in
	// the future).
	Enqueue(ctx context.Context, job Job) error
	// Lease blocks until a runnable job is available, marks it active and
	// returns it. Each lease counts as one attempt.
	Lease(ctx context.Context) (Job, error)
	// UpdateProgress raises the job's progress. Lower values and updates on
	// terminal jobs are ignored.
	UpdateProgress(ctx context.Context, id string, progress int) error
	// Complete stores the result and moves the job to StateCompleted.
	Complete(ctx context.Context, id string, res Result) error
	// Fail records the failure. Jobs with attempts remaining are
	// rescheduled with backoff; otherwise they move to StateFailed.
	Fail(ctx context.Context, id string, reason string) error
	// Get returns a snapshot of the job, or ErrJobNotFound.
	Get(ctx context.Context, id string) (Job, error)
	// Close releases backend resources and unblocks Lease callers.
	Close() error
}

// Fetcher retrieves the document for a URL.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Detector runs accessibility rules over a fetched page.
type Detector interface {
	Detect(ctx context.Context, page FetchResponse) ([]RawViolation, error)
}

// RenderHeuristic decides whether a probe response must be refetched in a
// headless browser before detection.
type RenderHeuristic interface {
	ShouldRender(resp FetchResponse) bool
}

// FetchPolicy paces outbound page retrievals. Wait blocks until the target
// host may be fetched or the context finishes.
type FetchPolicy interface {
	Wait(ctx context.Context, url string) error
}

// Suggester produces remediation text for a set of violations.
type Suggester interface {
	Suggest(ctx context.Context, url string, violations []Violation) (string, error)
}

// BlobStore persists page snapshots and returns a stable URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher emits completion events for downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints job identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher fingerprints snapshot bodies for storage paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}
