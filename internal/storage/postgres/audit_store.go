// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/accessprobe/scand/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// AuditStoreConfig controls the Postgres connection pool used for audit rows.
type AuditStoreConfig struct {
	DSN             string
	RunsTable       string
	StatsTable      string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type auditPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// AuditStore persists scan run history and violation aggregates in Postgres
// and serves them back for the history endpoints. It implements
// store.AuditRepository.
type AuditStore struct {
	pool       auditPool
	runsTable  string
	statsTable string
}

// NewAuditStore creates a Postgres-backed AuditStore using the provided config.
func NewAuditStore(ctx context.Context, cfg AuditStoreConfig) (*AuditStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	runsTable, statsTable, err := auditTables(cfg.RunsTable, cfg.StatsTable)
	if err != nil {
		return nil, err
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
	return &AuditStore{
		pool:       pool,
		runsTable:  runsTable,
		statsTable: statsTable,
	}, nil
}

// NewAuditStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewAuditStoreWithPool(pool auditPool, runsTable, statsTable string) (*AuditStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	runs, stats, err := auditTables(runsTable, statsTable)
	if err != nil {
		return nil, err
	}
	return &AuditStore{pool: pool, runsTable: runs, statsTable: stats}, nil
}

func auditTables(runsTable, statsTable string) (string, string, error) {
	if runsTable == "" {
		runsTable = "scan_runs"
	}
	if statsTable == "" {
		statsTable = "scan_violation_stats"
	}
	for _, table := range []string{runsTable, statsTable} {
		if !validTableName.MatchString(table) {
			return "", "", fmt.Errorf("invalid table name %q", table)
		}
	}
	return runsTable, statsTable, nil
}

// EnsureSchema creates the audit tables when they do not exist yet.
func (s *AuditStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("audit store is not configured")
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id        TEXT PRIMARY KEY,
	url           TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	error_message TEXT
);
CREATE TABLE IF NOT EXISTS %s (
	job_id      TEXT NOT NULL,
	impact      TEXT NOT NULL,
	count       BIGINT NOT NULL DEFAULT 0,
	last_update TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, impact)
);
`, s.runsTable, s.statsTable)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *AuditStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertRunStart inserts or refreshes a run's start marker. Re-delivered
// attempts overwrite started_at so the row reflects the latest attempt.
func (s *AuditStore) UpsertRunStart(ctx context.Context, jobID, url string, startedAt time.Time) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("audit store is not configured")
	}
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (job_id, url, started_at, status)
VALUES ($1, $2, $3, $4)
ON CONFLICT (job_id) DO UPDATE
SET started_at = EXCLUDED.started_at,
    status = EXCLUDED.status`, s.runsTable)
	if _, err := s.pool.Exec(ctx, query, jobID, url, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished with the provided status and optional error.
func (s *AuditStore) CompleteRun(
	ctx context.Context,
	jobID string,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("audit store is not configured")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, error_message = $3
WHERE job_id = $4`, s.runsTable)
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, jobID); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// UpsertViolationStats applies a finding-count delta for one (job, impact) pair.
func (s *AuditStore) UpsertViolationStats(ctx context.Context, jobID, impact string, delta int64, at time.Time) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("audit store is not configured")
	}
	if impact == "" {
		impact = "unknown"
	}
	query := fmt.Sprintf(`
INSERT INTO %s (job_id, impact, count, last_update)
VALUES ($1, $2, $3, $4)
ON CONFLICT (job_id, impact) DO UPDATE
SET count = %s.count + EXCLUDED.count,
    last_update = GREATEST(%s.last_update, EXCLUDED.last_update)`,
		s.statsTable, s.statsTable, s.statsTable)
	if _, err := s.pool.Exec(ctx, query, jobID, impact, delta, at); err != nil {
		return fmt.Errorf("upsert violation stats: %w", err)
	}
	return nil
}

// GetRun loads a single scan run by job ID.
func (s *AuditStore) GetRun(ctx context.Context, jobID string) (store.Run, error) {
	if s == nil || s.pool == nil {
		return store.Run{}, fmt.Errorf("audit store is not configured")
	}
	query := fmt.Sprintf(`
SELECT job_id, url, started_at, finished_at, status, error_message
FROM %s
WHERE job_id = $1`, s.runsTable)
	var run store.Run
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&run.JobID,
		&run.URL,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns scan runs newest first, optionally filtered by status.
func (s *AuditStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("audit store is not configured")
	}
	query := fmt.Sprintf(`
SELECT job_id, url, started_at, finished_at, status, error_message
FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, s.runsTable)
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		var run store.Run
		if err := rows.Scan(
			&run.JobID,
			&run.URL,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListViolationStats returns the per-impact aggregates for one job, largest
// counts first.
func (s *AuditStore) ListViolationStats(ctx context.Context, jobID string) ([]store.ViolationStats, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("audit store is not configured")
	}
	query := fmt.Sprintf(`
SELECT job_id, impact, count, last_update
FROM %s
WHERE job_id = $1
ORDER BY count DESC`, s.statsTable)
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list violation stats: %w", err)
	}
	defer rows.Close()

	var stats []store.ViolationStats
	for rows.Next() {
		var stat store.ViolationStats
		if err := rows.Scan(&stat.JobID, &stat.Impact, &stat.Count, &stat.LastUpdate); err != nil {
			return nil, fmt.Errorf("scan violation stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	return stats, rows.Err()
}
