package worker

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/accessprobe/scand/internal/clock/system"
	"github.com/accessprobe/scand/internal/metrics"
	"github.com/accessprobe/scand/internal/queue"
	memqueue "github.com/accessprobe/scand/internal/queue/memory"
	"github.com/accessprobe/scand/internal/scan"
)

// countingFetcher fails the first n fetches, or all of them when fails is
// negative.
type countingFetcher struct {
	mu       sync.Mutex
	attempts int
	fails    int
	failWith error
}

func (f *countingFetcher) Fetch(_ context.Context, req scan.FetchRequest) (scan.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.fails < 0 || f.attempts <= f.fails {
		if f.failWith != nil {
			return scan.FetchResponse{}, f.failWith
		}
		return scan.FetchResponse{}, &scan.FetchError{URL: req.URL, Err: errors.New("transient error")}
	}
	return scan.FetchResponse{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Body:       []byte("<html>success</html>"),
	}, nil
}

func (f *countingFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func TestWorker_RetryLogic(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := memqueue.New(memqueue.Config{
		Policy: queue.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	}, system.New())
	defer q.Close()

	require.NoError(t, q.Enqueue(ctx, scan.Job{
		ID:          "job-retry",
		URL:         "https://example.com",
		SubmittedAt: time.Now().UTC(),
	}))

	// Fails twice, succeeds on the third attempt.
	fetcher := &countingFetcher{fails: 2}
	pub := newFakePublisher()

	w := New(
		q,
		fetcher,
		nil,
		nil,
		nil,
		&fakeDetector{},
		nil,
		nil,
		pub,
		nil,
		system.New(),
		nil,
		Config{},
		zap.NewNop(),
	)

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, "job-retry")
		return err == nil && got.State == scan.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got, err := q.Get(ctx, "job-retry")
	require.NoError(t, err)
	require.Equal(t, 3, got.Attempts)
	require.Equal(t, 3, fetcher.count())

	// Only the terminal outcome is published.
	events := pub.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, "completed", events[0].Status)
	cancel()
}

func TestWorker_RetryExhausted(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := memqueue.New(memqueue.Config{
		Policy: queue.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	}, system.New())
	defer q.Close()

	require.NoError(t, q.Enqueue(ctx, scan.Job{
		ID:          "job-retry-fail",
		URL:         "https://example.com/missing",
		SubmittedAt: time.Now().UTC(),
	}))

	// Every fetch comes back 404.
	fetcher := &countingFetcher{
		fails:    -1,
		failWith: &scan.FetchError{URL: "https://example.com/missing", StatusCode: http.StatusNotFound},
	}
	pub := newFakePublisher()

	w := New(
		q,
		fetcher,
		nil,
		nil,
		nil,
		&fakeDetector{},
		nil,
		nil,
		pub,
		nil,
		system.New(),
		nil,
		Config{},
		zap.NewNop(),
	)

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, "job-retry-fail")
		return err == nil && got.State == scan.StateFailed
	}, 2*time.Second, 10*time.Millisecond)

	got, err := q.Get(ctx, "job-retry-fail")
	require.NoError(t, err)
	require.Equal(t, 3, got.Attempts)
	require.Equal(t, 3, fetcher.count())
	require.True(t, strings.HasPrefix(got.FailureReason, scan.ReasonFetchFailed), got.FailureReason)
	require.Contains(t, got.FailureReason, "404")

	events := pub.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, "failed", events[0].Status)
	require.Zero(t, events[0].TotalViolations)
	cancel()
}
