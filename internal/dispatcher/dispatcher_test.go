// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/accessprobe/scand/internal/scan"
	"github.com/accessprobe/scand/internal/worker"
)

// TestDispatcherRunStartsWorkers ensures workers begin leasing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	w := worker.New(
		queue,
		nil,
		nil,
		nil,
		nil,
		nil,
		nil,
		nil,
		nil,
		nil,
		nil,
		nil,
		worker.Config{},
		zap.NewNop(),
	)
	dispatch := New([]*worker.Worker{w}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin leasing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherStopsWhenQueueCloses verifies Run returns once workers exit,
// even without a context cancel.
func TestDispatcherStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	w := worker.New(
		&closedQueue{},
		nil,
		nil,
		nil,
		nil,
		nil,
		nil,
		nil,
		nil,
		nil,
		nil,
		nil,
		worker.Config{},
		zap.NewNop(),
	)
	dispatch := New([]*worker.Worker{w}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		dispatch.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after queue close")
	}
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(context.Context, scan.Job) error { return nil }

func (q *blockingQueue) Lease(ctx context.Context) (scan.Job, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return scan.Job{}, fmt.Errorf("blocking lease canceled: %w", ctx.Err())
}

func (q *blockingQueue) UpdateProgress(context.Context, string, int) error { return nil }

func (q *blockingQueue) Complete(context.Context, string, scan.Result) error { return nil }

func (q *blockingQueue) Fail(context.Context, string, string) error { return nil }

func (q *blockingQueue) Get(context.Context, string) (scan.Job, error) {
	return scan.Job{}, scan.ErrJobNotFound
}

func (q *blockingQueue) Close() error { return nil }

type closedQueue struct {
	blockingQueue
}

func (q *closedQueue) Lease(context.Context) (scan.Job, error) {
	return scan.Job{}, scan.ErrQueueClosed
}
