package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/accessprobe/scand/internal/store"
)

func TestNewAuditStoreWithPoolValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewAuditStoreWithPool(mock, "scan_runs; DROP TABLE jobs", "scan_violation_stats")
	require.Error(t, err)

	_, err = NewAuditStoreWithPool(nil, "scan_runs", "scan_violation_stats")
	require.Error(t, err)

	audit, err := NewAuditStoreWithPool(mock, "", "")
	require.NoError(t, err)
	require.Equal(t, "scan_runs", audit.runsTable)
	require.Equal(t, "scan_violation_stats", audit.statsTable)
}

func TestUpsertRunStartInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	audit, err := NewAuditStoreWithPool(mock, "scan_runs", "scan_violation_stats")
	require.NoError(t, err)

	startedAt := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO scan_runs").
		WithArgs("job-1", "https://example.com", startedAt, store.RunRunning).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = audit.UpsertRunStart(context.Background(), "job-1", "https://example.com", startedAt)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	err = audit.UpsertRunStart(context.Background(), "", "https://example.com", startedAt)
	require.Error(t, err)
}

func TestCompleteRunUpdatesRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	audit, err := NewAuditStoreWithPool(mock, "scan_runs", "scan_violation_stats")
	require.NoError(t, err)

	finishedAt := time.Unix(1700000300, 0).UTC()
	reason := "fetch_failed: status 503"

	mock.ExpectExec("UPDATE scan_runs").
		WithArgs(finishedAt, store.RunFailed, &reason, "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = audit.CompleteRun(context.Background(), "job-1", finishedAt, store.RunFailed, &reason)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertViolationStatsAccumulates(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	audit, err := NewAuditStoreWithPool(mock, "scan_runs", "scan_violation_stats")
	require.NoError(t, err)

	at := time.Unix(1700000100, 0).UTC()

	mock.ExpectExec("INSERT INTO scan_violation_stats").
		WithArgs("job-1", "critical", int64(3), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = audit.UpsertViolationStats(context.Background(), "job-1", "critical", 3, at)
	require.NoError(t, err)

	// Empty impact labels collapse to "unknown".
	mock.ExpectExec("INSERT INTO scan_violation_stats").
		WithArgs("job-1", "unknown", int64(1), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = audit.UpsertViolationStats(context.Background(), "job-1", "", 1, at)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunReturnsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	audit, err := NewAuditStoreWithPool(mock, "scan_runs", "scan_violation_stats")
	require.NoError(t, err)

	startedAt := time.Unix(1700000000, 0).UTC()
	finishedAt := time.Unix(1700000090, 0).UTC()

	mock.ExpectQuery("SELECT (.+) FROM scan_runs").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"job_id", "url", "started_at", "finished_at", "status", "error_message",
		}).AddRow("job-1", "https://example.com", startedAt, &finishedAt, store.RunCompleted, (*string)(nil)))

	run, err := audit.GetRun(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", run.JobID)
	require.Equal(t, "https://example.com", run.URL)
	require.Equal(t, store.RunCompleted, run.Status)
	require.NotNil(t, run.FinishedAt)
	require.Nil(t, run.ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	audit, err := NewAuditStoreWithPool(mock, "scan_runs", "scan_violation_stats")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM scan_runs").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = audit.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunsFiltersByStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	audit, err := NewAuditStoreWithPool(mock, "scan_runs", "scan_violation_stats")
	require.NoError(t, err)

	startedAt := time.Unix(1700000000, 0).UTC()
	reason := "fetch_failed: status 503"
	failed := store.RunFailed

	mock.ExpectQuery("SELECT (.+) FROM scan_runs").
		WithArgs(&failed, 10, 0).
		WillReturnRows(pgxmock.NewRows([]string{
			"job_id", "url", "started_at", "finished_at", "status", "error_message",
		}).AddRow("job-2", "https://example.org", startedAt, (*time.Time)(nil), store.RunFailed, &reason))

	runs, err := audit.ListRuns(context.Background(), &failed, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "job-2", runs[0].JobID)
	require.Equal(t, store.RunFailed, runs[0].Status)
	require.NotNil(t, runs[0].ErrorMessage)
	require.Equal(t, reason, *runs[0].ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunsUnfiltered(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	audit, err := NewAuditStoreWithPool(mock, "scan_runs", "scan_violation_stats")
	require.NoError(t, err)

	startedAt := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT (.+) FROM scan_runs").
		WithArgs(pgxmock.AnyArg(), 50, 0).
		WillReturnRows(pgxmock.NewRows([]string{
			"job_id", "url", "started_at", "finished_at", "status", "error_message",
		}).
			AddRow("job-3", "https://a.example", startedAt, (*time.Time)(nil), store.RunRunning, (*string)(nil)).
			AddRow("job-4", "https://b.example", startedAt, (*time.Time)(nil), store.RunRunning, (*string)(nil)))

	runs, err := audit.ListRuns(context.Background(), nil, 50, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListViolationStatsReturnsAggregates(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	audit, err := NewAuditStoreWithPool(mock, "scan_runs", "scan_violation_stats")
	require.NoError(t, err)

	at := time.Unix(1700000100, 0).UTC()

	mock.ExpectQuery("SELECT (.+) FROM scan_violation_stats").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"job_id", "impact", "count", "last_update"}).
			AddRow("job-1", "critical", int64(5), at).
			AddRow("job-1", "minor", int64(2), at))

	stats, err := audit.ListViolationStats(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, "critical", stats[0].Impact)
	require.Equal(t, int64(5), stats[0].Count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaCreatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	audit, err := NewAuditStoreWithPool(mock, "scan_runs", "scan_violation_stats")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS scan_runs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, audit.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
