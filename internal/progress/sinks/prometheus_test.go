package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/accessprobe/scand/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	jobID := uuid.NewString()
	batch := []progress.Event{
		{JobID: jobID, TS: time.Now(), Stage: progress.StageJobStart},
		{
			JobID:       jobID,
			TS:          time.Now().Add(time.Second),
			Stage:       progress.StageFetchDone,
			Site:        "example.com",
			Bytes:       1024,
			StatusClass: progress.Status2xx,
			Dur:         200 * time.Millisecond,
		},
		{JobID: jobID, TS: time.Now().Add(2 * time.Second), Stage: progress.StageRenderDone, Site: "example.com"},
		{
			JobID:      jobID,
			TS:         time.Now().Add(3 * time.Second),
			Stage:      progress.StageDetectDone,
			Site:       "example.com",
			Violations: 5,
			ByImpact:   map[string]int64{"critical": 2, "serious": 3},
		},
		{JobID: jobID, TS: time.Now().Add(4 * time.Second), Stage: progress.StageSuggestDone, Outcome: "ok"},
		{JobID: jobID, TS: time.Now().Add(5 * time.Second), Stage: progress.StageJobDone, Dur: 5 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("completed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("failed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))

	require.InDelta(
		t,
		1.0,
		testutil.ToFloat64(sink.fetchRequests.WithLabelValues("example.com", string(progress.Status2xx))),
		1e-9,
	)
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("example.com")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "scand_fetch_duration_seconds"))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.renders))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.violations.WithLabelValues("critical")))
	require.Equal(t, 3.0, testutil.ToFloat64(sink.violations.WithLabelValues("serious")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.suggestions.WithLabelValues("ok")))
}

// TestPrometheusSinkTracksFailures verifies failed jobs and running gauge behavior.
func TestPrometheusSinkTracksFailures(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	jobID := uuid.NewString()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: jobID, TS: time.Now(), Stage: progress.StageJobStart},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: jobID, TS: time.Now(), Stage: progress.StageJobError, Dur: time.Second, Note: "fetch_failed: 503"},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("failed")))
}
