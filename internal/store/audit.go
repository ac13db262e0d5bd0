// Package store declares interfaces for persisting scan audit records.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("audit record not found")

// RunStatus mirrors the scan_runs status column.
type RunStatus string

// Run statuses persisted in scan_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run models one row of the scan_runs audit table.
type Run struct {
	// JobID is the scan job identifier shared with the queue.
	JobID string
	// URL is the scanned target.
	URL string
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run is marked completed/failed.
	FinishedAt *time.Time
	// Status is running/completed/failed.
	Status RunStatus
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
}

// ViolationStats captures per-impact finding counts for a job.
type ViolationStats struct {
	// JobID is the owning scan job.
	JobID string
	// Impact is the normalized severity label (critical, serious, ...).
	Impact string
	// Count accumulates findings at this impact level.
	Count int64
	// LastUpdate captures the timestamp of the most recent aggregate.
	LastUpdate time.Time
}

// AuditRepository persists and serves the audit trail of scan runs. The
// queue remains the source of truth for live job status; this trail outlives
// queue retention and backs the history endpoints.
type AuditRepository interface {
	// UpsertRunStart inserts (or idempotently updates) the started_at timestamp.
	UpsertRunStart(ctx context.Context, jobID, url string, startedAt time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, jobID string, finishedAt time.Time, status RunStatus, errMsg *string) error
	// UpsertViolationStats applies a finding-count delta per (job, impact).
	UpsertViolationStats(ctx context.Context, jobID, impact string, delta int64, at time.Time) error

	// GetRun loads a single scan run or returns ErrNotFound.
	GetRun(ctx context.Context, jobID string) (Run, error)
	// ListRuns returns runs filtered by optional status plus limit/offset,
	// newest first.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListViolationStats returns the per-impact aggregates for one job.
	ListViolationStats(ctx context.Context, jobID string) ([]ViolationStats, error)
}
