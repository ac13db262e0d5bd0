// Package postgres provides a Postgres-backed job queue for multi-process
// deployments.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/accessprobe/scand/internal/queue"
	"github.com/accessprobe/scand/internal/scan"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultPollInterval bounds how long a Lease waits between claim attempts.
const DefaultPollInterval = 250 * time.Millisecond

// Config controls the Postgres connection pool and queue behavior.
type Config struct {
	DSN                string
	Table              string
	Policy             queue.Policy
	LeaseTTL           time.Duration
	PollInterval       time.Duration
	CompletedRetention int
	FailedRetention    int
	MaxConns           int32
	MinConns           int32
	MaxConnLifetime    time.Duration
}

func (c Config) normalized() Config {
	if c.Table == "" {
		c.Table = "scan_jobs"
	}
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

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Queue implements scan.Queue on a single jobs table. Claims rely on
// FOR UPDATE SKIP LOCKED so multiple worker processes never double-lease.
type Queue struct {
	pool  pgxPool
	cfg   Config
	clock scan.Clock
}

// New connects a pool and returns a Queue.
func New(ctx context.Context, cfg Config, clk scan.Clock) (*Queue, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	cfg = cfg.normalized()
	if !validTableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Queue{pool: pool, cfg: cfg, clock: clk}, nil
}

// NewWithPool constructs a Queue from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, cfg Config, clk scan.Clock) (*Queue, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	cfg = cfg.normalized()
	if !validTableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	return &Queue{pool: pool, cfg: cfg, clock: clk}, nil
}

// EnsureSchema creates the jobs table and its claim index when missing.
func (q *Queue) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id               TEXT PRIMARY KEY,
	url              TEXT NOT NULL,
	include_fixes    BOOLEAN NOT NULL DEFAULT TRUE,
	submitter        TEXT NOT NULL DEFAULT '',
	priority         INTEGER NOT NULL DEFAULT 0,
	state            TEXT NOT NULL,
	progress         INTEGER NOT NULL DEFAULT 0,
	attempts         INTEGER NOT NULL DEFAULT 0,
	submitted_at     TIMESTAMPTZ NOT NULL,
	run_at           TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ,
	lease_expires_at TIMESTAMPTZ,
	failure_reason   TEXT NOT NULL DEFAULT '',
	last_error       TEXT NOT NULL DEFAULT '',
	result           JSONB
);
CREATE INDEX IF NOT EXISTS %s_claim_idx ON %s (state, priority DESC, submitted_at ASC);
`, q.cfg.Table, q.cfg.Table, q.cfg.Table)
	if _, err := q.pool.Exec(ctx, ddl); err != nil {
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
	query := fmt.Sprintf(`
INSERT INTO %s (id, url, include_fixes, submitter, priority, state, progress, attempts, submitted_at, run_at)
VALUES ($1,$2,$3,$4,$5,$6,0,0,$7,$8)`, q.cfg.Table)
	if _, err := q.pool.Exec(ctx, query,
		job.ID, job.URL, job.IncludeFix, job.Submitter, job.Priority, state, job.SubmittedAt, runAt,
	); err != nil {
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
		if !errors.Is(err, pgx.ErrNoRows) {
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
	query := fmt.Sprintf(`
UPDATE %s SET state = 'active', attempts = attempts + 1, progress = 0, started_at = $1, lease_expires_at = $2
WHERE id = (
	SELECT id FROM %s
	WHERE (state IN ('waiting','delayed') AND run_at <= $1)
	   OR (state = 'active' AND lease_expires_at <= $1)
	ORDER BY priority DESC, submitted_at ASC, id ASC
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING id, url, include_fixes, submitter, priority, attempts, submitted_at, last_error`, q.cfg.Table, q.cfg.Table)

	var job scan.Job
	err := q.pool.QueryRow(ctx, query, now, now.Add(q.cfg.LeaseTTL)).Scan(
		&job.ID,
		&job.URL,
		&job.IncludeFix,
		&job.Submitter,
		&job.Priority,
		&job.Attempts,
		&job.SubmittedAt,
		&job.LastError,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.Job{}, pgx.ErrNoRows
		}
		return scan.Job{}, fmt.Errorf("lease job: %w", err)
	}
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
	query := fmt.Sprintf(
		`UPDATE %s SET progress = GREATEST(progress, $2) WHERE id = $1 AND state = 'active'`,
		q.cfg.Table,
	)
	tag, err := q.pool.Exec(ctx, query, id, progress)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return q.checkExists(ctx, id)
	}
	return nil
}

// Complete stores the result and prunes completed rows beyond retention.
func (q *Queue) Complete(ctx context.Context, id string, res scan.Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	now := q.clock.Now()
	query := fmt.Sprintf(`
UPDATE %s SET state = 'completed', progress = 100, result = $2, finished_at = $3, lease_expires_at = NULL, last_error = ''
WHERE id = $1 AND state NOT IN ('completed','failed')`, q.cfg.Table)
	tag, err := q.pool.Exec(ctx, query, id, payload, now)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return q.terminalConflict(ctx, id)
	}
	return q.prune(ctx, scan.StateCompleted, q.cfg.CompletedRetention)
}

// Fail reschedules the job with backoff or, once attempts are exhausted,
// marks it failed and prunes the failed set.
func (q *Queue) Fail(ctx context.Context, id string, reason string) error {
	var attempts int
	var state scan.JobState
	selectQ := fmt.Sprintf(`SELECT attempts, state FROM %s WHERE id = $1`, q.cfg.Table)
	if err := q.pool.QueryRow(ctx, selectQ, id).Scan(&attempts, &state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.ErrJobNotFound
		}
		return fmt.Errorf("load job for fail: %w", err)
	}
	if state.IsTerminal() {
		return scan.ErrTerminal
	}
	now := q.clock.Now()
	if q.cfg.Policy.ShouldRetry(attempts) {
		retryQ := fmt.Sprintf(`
UPDATE %s SET state = 'delayed', run_at = $2, progress = 0, last_error = $3, lease_expires_at = NULL
WHERE id = $1`, q.cfg.Table)
		if _, err := q.pool.Exec(ctx, retryQ, id, now.Add(q.cfg.Policy.Backoff(attempts)), reason); err != nil {
			return fmt.Errorf("reschedule job: %w", err)
		}
		return nil
	}
	failQ := fmt.Sprintf(`
UPDATE %s SET state = 'failed', progress = 0, failure_reason = $2, finished_at = $3, lease_expires_at = NULL
WHERE id = $1`, q.cfg.Table)
	if _, err := q.pool.Exec(ctx, failQ, id, reason, now); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return q.prune(ctx, scan.StateFailed, q.cfg.FailedRetention)
}

// Get loads a row by ID, or scan.ErrJobNotFound once pruned.
func (q *Queue) Get(ctx context.Context, id string) (scan.Job, error) {
	query := fmt.Sprintf(`
SELECT id, url, include_fixes, submitter, priority, state, progress, attempts,
       submitted_at, run_at, started_at, finished_at, failure_reason, last_error, result
FROM %s WHERE id = $1`, q.cfg.Table)

	var job scan.Job
	var resultRaw []byte
	err := q.pool.QueryRow(ctx, query, id).Scan(
		&job.ID,
		&job.URL,
		&job.IncludeFix,
		&job.Submitter,
		&job.Priority,
		&job.State,
		&job.Progress,
		&job.Attempts,
		&job.SubmittedAt,
		&job.RunAt,
		&job.StartedAt,
		&job.FinishedAt,
		&job.FailureReason,
		&job.LastError,
		&resultRaw,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.Job{}, scan.ErrJobNotFound
		}
		return scan.Job{}, fmt.Errorf("get job: %w", err)
	}
	if len(resultRaw) > 0 {
		var res scan.Result
		if err := json.Unmarshal(resultRaw, &res); err != nil {
			return scan.Job{}, fmt.Errorf("decode result: %w", err)
		}
		job.Result = &res
	}
	return job, nil
}

// Close releases the underlying pool resources.
func (q *Queue) Close() error {
	if q == nil || q.pool == nil {
		return nil
	}
	q.pool.Close()
	return nil
}

func (q *Queue) prune(ctx context.Context, state scan.JobState, keep int) error {
	query := fmt.Sprintf(`
DELETE FROM %s WHERE state = $1 AND id NOT IN (
	SELECT id FROM %s WHERE state = $1 ORDER BY finished_at DESC LIMIT $2
)`, q.cfg.Table, q.cfg.Table)
	if _, err := q.pool.Exec(ctx, query, state, keep); err != nil {
		return fmt.Errorf("prune %s jobs: %w", state, err)
	}
	return nil
}

func (q *Queue) checkExists(ctx context.Context, id string) error {
	var one int
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE id = $1`, q.cfg.Table)
	if err := q.pool.QueryRow(ctx, query, id).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.ErrJobNotFound
		}
		return fmt.Errorf("check job: %w", err)
	}
	return nil
}

func (q *Queue) terminalConflict(ctx context.Context, id string) error {
	var state scan.JobState
	query := fmt.Sprintf(`SELECT state FROM %s WHERE id = $1`, q.cfg.Table)
	if err := q.pool.QueryRow(ctx, query, id).Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.ErrJobNotFound
		}
		return fmt.Errorf("check job state: %w", err)
	}
	if state.IsTerminal() {
		return scan.ErrTerminal
	}
	return nil
}
