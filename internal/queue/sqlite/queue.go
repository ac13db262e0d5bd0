// Package sqlite provides a file-backed job queue for single-node
// deployments that need durability across restarts without running Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/accessprobe/scand/internal/queue"
	"github.com/accessprobe/scand/internal/scan"
)

// DefaultPollInterval bounds how long a Lease waits between claim attempts.
const DefaultPollInterval = 250 * time.Millisecond

// Config controls the SQLite database and queue behavior.
type Config struct {
	// Path is the database file, or ":memory:" for tests.
	Path               string
	Policy             queue.Policy
	LeaseTTL           time.Duration
	PollInterval       time.Duration
	CompletedRetention int
	FailedRetention    int
}

func (c Config) normalized() Config {
	c.Policy = c.Policy.Normalized()
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = queue.DefaultLeaseTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = queue.DefaultCompletedRetention
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = queue.DefaultFailedRetention
	}
	return c
}

// Queue implements scan.Queue on a single SQLite table. The pool is pinned
// to one connection so each claim statement runs alone; SQLite's single
// writer then makes the UPDATE ... RETURNING claim atomic.
type Queue struct {
	db    *sql.DB
	cfg   Config
	clock scan.Clock
}

// New opens (and creates, if needed) the database at cfg.Path.
func New(ctx context.Context, cfg Config, clk scan.Clock) (*Queue, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("queue.sqlite_path is required")
	}
	cfg = cfg.normalized()
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	q := &Queue{db: db, cfg: cfg, clock: clk}
	if err := q.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) ensureSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS scan_jobs (
	id               TEXT PRIMARY KEY,
	url              TEXT NOT NULL,
	include_fixes    INTEGER NOT NULL DEFAULT 1,
	submitter        TEXT NOT NULL DEFAULT '',
	priority         INTEGER NOT NULL DEFAULT 0,
	state            TEXT NOT NULL,
	progress         INTEGER NOT NULL DEFAULT 0,
	attempts         INTEGER NOT NULL DEFAULT 0,
	submitted_at     INTEGER NOT NULL,
	run_at           INTEGER NOT NULL,
	started_at       INTEGER,
	finished_at      INTEGER,
	lease_expires_at INTEGER,
	failure_reason   TEXT NOT NULL DEFAULT '',
	last_error       TEXT NOT NULL DEFAULT '',
	result           TEXT
);
CREATE INDEX IF NOT EXISTS scan_jobs_claim_idx ON scan_jobs (state, priority DESC, submitted_at ASC);
`
	if _, err := q.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Enqueue inserts a new row in waiting or delayed state.
func (q *Queue) Enqueue(ctx context.Context, job scan.Job) error {
	now := q.clock.Now()
	state := scan.StateWaiting
	runAt := now
	if job.RunAt.After(now) {
		state = scan.StateDelayed
		runAt = job.RunAt
	}
	_, err := q.db.ExecContext(ctx, `
INSERT INTO scan_jobs (id, url, include_fixes, submitter, priority, state, progress, attempts, submitted_at, run_at)
VALUES (?,?,?,?,?,?,0,0,?,?)`,
		job.ID, job.URL, boolToInt(job.IncludeFix), job.Submitter, job.Priority,
		string(state), job.SubmittedAt.UnixNano(), runAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Lease polls for a claimable row until one is found or the context ends.
func (q *Queue) Lease(ctx context.Context) (scan.Job, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		job, err := q.tryLease(ctx)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return scan.Job{}, err
		}
		select {
		case <-ctx.Done():
			return scan.Job{}, fmt.Errorf("lease canceled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryLease(ctx context.Context) (scan.Job, error) {
	now := q.clock.Now()
	nowNs := now.UnixNano()
	row := q.db.QueryRowContext(ctx, `
UPDATE scan_jobs SET state = 'active', attempts = attempts + 1, progress = 0, started_at = ?, lease_expires_at = ?
WHERE id = (
	SELECT id FROM scan_jobs
	WHERE (state IN ('waiting','delayed') AND run_at <= ?)
	   OR (state = 'active' AND lease_expires_at <= ?)
	ORDER BY priority DESC, submitted_at ASC, id ASC
	LIMIT 1
)
RETURNING id, url, include_fixes, submitter, priority, attempts, submitted_at, last_error`,
		nowNs, now.Add(q.cfg.LeaseTTL).UnixNano(), nowNs, nowNs)

	var job scan.Job
	var includeFixes int
	var submittedNs int64
	err := row.Scan(
		&job.ID,
		&job.URL,
		&includeFixes,
		&job.Submitter,
		&job.Priority,
		&job.Attempts,
		&submittedNs,
		&job.LastError,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return scan.Job{}, sql.ErrNoRows
		}
		return scan.Job{}, fmt.Errorf("lease job: %w", err)
	}
	job.IncludeFix = includeFixes != 0
	job.SubmittedAt = time.Unix(0, submittedNs)
	job.State = scan.StateActive
	started := now
	job.StartedAt = &started
	return job, nil
}

// UpdateProgress raises progress on an active row; regressions and updates
// on finished rows are ignored.
func (q *Queue) UpdateProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE scan_jobs SET progress = MAX(progress, ?) WHERE id = ? AND state = 'active'`,
		progress, id,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return q.checkExists(ctx, id)
	}
	return nil
}

// Complete stores the result and prunes completed rows beyond retention.
func (q *Queue) Complete(ctx context.Context, id string, result scan.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	res, err := q.db.ExecContext(ctx, `
UPDATE scan_jobs SET state = 'completed', progress = 100, result = ?, finished_at = ?, lease_expires_at = NULL, last_error = ''
WHERE id = ? AND state NOT IN ('completed','failed')`,
		string(payload), q.clock.Now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return q.terminalConflict(ctx, id)
	}
	return q.prune(ctx, scan.StateCompleted, q.cfg.CompletedRetention)
}

// Fail reschedules the job with backoff or, once attempts are exhausted,
// marks it failed and prunes the failed set.
func (q *Queue) Fail(ctx context.Context, id string, reason string) error {
	var attempts int
	var state string
	err := q.db.QueryRowContext(ctx, `SELECT attempts, state FROM scan_jobs WHERE id = ?`, id).
		Scan(&attempts, &state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return scan.ErrJobNotFound
		}
		return fmt.Errorf("load job for fail: %w", err)
	}
	if scan.JobState(state).IsTerminal() {
		return scan.ErrTerminal
	}
	now := q.clock.Now()
	if q.cfg.Policy.ShouldRetry(attempts) {
		_, err := q.db.ExecContext(ctx, `
UPDATE scan_jobs SET state = 'delayed', run_at = ?, progress = 0, last_error = ?, lease_expires_at = NULL
WHERE id = ?`,
			now.Add(q.cfg.Policy.Backoff(attempts)).UnixNano(), reason, id,
		)
		if err != nil {
			return fmt.Errorf("reschedule job: %w", err)
		}
		return nil
	}
	if _, err := q.db.ExecContext(ctx, `
UPDATE scan_jobs SET state = 'failed', progress = 0, failure_reason = ?, finished_at = ?, lease_expires_at = NULL
WHERE id = ?`,
		reason, now.UnixNano(), id,
	); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return q.prune(ctx, scan.StateFailed, q.cfg.FailedRetention)
}

// Get loads a row by ID, or scan.ErrJobNotFound once pruned.
func (q *Queue) Get(ctx context.Context, id string) (scan.Job, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT id, url, include_fixes, submitter, priority, state, progress, attempts,
       submitted_at, run_at, started_at, finished_at, failure_reason, last_error, result
FROM scan_jobs WHERE id = ?`, id)

	var job scan.Job
	var includeFixes int
	var state string
	var submittedNs, runAtNs int64
	var startedNs, finishedNs sql.NullInt64
	var resultRaw sql.NullString
	err := row.Scan(
		&job.ID,
		&job.URL,
		&includeFixes,
		&job.Submitter,
		&job.Priority,
		&state,
		&job.Progress,
		&job.Attempts,
		&submittedNs,
		&runAtNs,
		&startedNs,
		&finishedNs,
		&job.FailureReason,
		&job.LastError,
		&resultRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return scan.Job{}, scan.ErrJobNotFound
		}
		return scan.Job{}, fmt.Errorf("get job: %w", err)
	}
	job.IncludeFix = includeFixes != 0
	job.State = scan.JobState(state)
	job.SubmittedAt = time.Unix(0, submittedNs)
	job.RunAt = time.Unix(0, runAtNs)
	if startedNs.Valid {
		t := time.Unix(0, startedNs.Int64)
		job.StartedAt = &t
	}
	if finishedNs.Valid {
		t := time.Unix(0, finishedNs.Int64)
		job.FinishedAt = &t
	}
	if resultRaw.Valid && resultRaw.String != "" {
		var res scan.Result
		if err := json.Unmarshal([]byte(resultRaw.String), &res); err != nil {
			return scan.Job{}, fmt.Errorf("decode result: %w", err)
		}
		job.Result = &res
	}
	return job, nil
}

// Close releases the database handle.
func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	if err := q.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (q *Queue) prune(ctx context.Context, state scan.JobState, keep int) error {
	_, err := q.db.ExecContext(ctx, `
DELETE FROM scan_jobs WHERE state = ? AND id NOT IN (
	SELECT id FROM scan_jobs WHERE state = ? ORDER BY finished_at DESC LIMIT ?
)`, string(state), string(state), keep)
	if err != nil {
		return fmt.Errorf("prune %s jobs: %w", state, err)
	}
	return nil
}

func (q *Queue) terminalConflict(ctx context.Context, id string) error {
	var state string
	err := q.db.QueryRowContext(ctx, `SELECT state FROM scan_jobs WHERE id = ?`, id).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return scan.ErrJobNotFound
		}
		return fmt.Errorf("check job state: %w", err)
	}
	if scan.JobState(state).IsTerminal() {
		return scan.ErrTerminal
	}
	return nil
}

func (q *Queue) checkExists(ctx context.Context, id string) error {
	var one int
	err := q.db.QueryRowContext(ctx, `SELECT 1 FROM scan_jobs WHERE id = ?`, id).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return scan.ErrJobNotFound
		}
		return fmt.Errorf("check job: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
