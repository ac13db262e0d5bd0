// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/accessprobe/scand/internal/worker"
)

// Dispatcher runs a pool of scan workers against the shared queue.
type Dispatcher struct {
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		workers: workers,
		logger:  logger,
	}
}

// Run starts all workers and blocks until every one of them has returned.
// Workers stop when the context finishes or the queue closes.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("starting scan workers", zap.Int("count", len(d.workers)))

	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()

	d.logger.Info("scan workers stopped")
}
