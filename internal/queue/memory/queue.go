// Package memory provides the in-process job queue used for local
// development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/accessprobe/scand/internal/queue"
	"github.com/accessprobe/scand/internal/scan"
)

// Config tunes queue behavior. Zero fields fall back to package defaults.
type Config struct {
	Policy             queue.Policy
	LeaseTTL           time.Duration
	CompletedRetention int
	FailedRetention    int
}

func (c Config) normalized() Config {
	c.Policy = c.Policy.Normalized()
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = queue.DefaultLeaseTTL
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = queue.DefaultCompletedRetention
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = queue.DefaultFailedRetention
	}
	return c
}

type record struct {
	job         scan.Job
	seq         uint64
	leaseExpiry time.Time
}

// Queue is an in-memory scan.Queue. Lease blocks on a wake channel and a
// timer covering the next delayed run or lease expiry, so no background
// goroutine is needed.
type Queue struct {
	cfg   Config
	clock scan.Clock

	mu     sync.Mutex
	jobs   map[string]*record
	seq    uint64
	wake   chan struct{}
	closed bool

	// terminal rings, oldest first
	completed []string
	failed    []string
}

// New constructs a Queue.
func New(cfg Config, clk scan.Clock) *Queue {
	return &Queue{
		cfg:   cfg.normalized(),
		clock: clk,
		jobs:  make(map[string]*record),
		wake:  make(chan struct{}, 1),
	}
}

// Enqueue adds a job. A RunAt in the future parks it in StateDelayed.
func (q *Queue) Enqueue(_ context.Context, job scan.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return scan.ErrQueueClosed
	}
	if _, exists := q.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already enqueued", job.ID)
	}
	now := q.clock.Now()
	job.State = scan.StateWaiting
	if job.RunAt.After(now) {
		job.State = scan.StateDelayed
	}
	job.Progress = 0
	job.Attempts = 0
	q.seq++
	q.jobs[job.ID] = &record{job: job, seq: q.seq}
	q.signalLocked()
	return nil
}

// Lease blocks until a runnable job exists, claims it and returns a copy.
func (q *Queue) Lease(ctx context.Context) (scan.Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return scan.Job{}, scan.ErrQueueClosed
		}
		now := q.clock.Now()
		q.promoteLocked(now)
		if rec := q.nextReadyLocked(); rec != nil {
			rec.job.State = scan.StateActive
			rec.job.Attempts++
			started := now
			rec.job.StartedAt = &started
			rec.leaseExpiry = now.Add(q.cfg.LeaseTTL)
			job := cloneJob(rec.job)
			if q.nextReadyLocked() != nil {
				q.signalLocked()
			}
			q.mu.Unlock()
			return job, nil
		}
		next := q.nextEventLocked()
		q.mu.Unlock()

		var timerCh <-chan time.Time
		var timer *time.Timer
		if !next.IsZero() {
			wait := next.Sub(now)
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
			timerCh = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return scan.Job{}, fmt.Errorf("lease canceled: %w", ctx.Err())
		case <-q.wake:
		case <-timerCh:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// UpdateProgress raises the progress of an active job. Values are clamped
// to [0,100] and never move backwards; updates on finished or requeued jobs
// are ignored.
func (q *Queue) UpdateProgress(_ context.Context, id string, progress int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[id]
	if !ok {
		return scan.ErrJobNotFound
	}
	if rec.job.State != scan.StateActive {
		return nil
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if progress > rec.job.Progress {
		rec.job.Progress = progress
	}
	return nil
}

// Complete moves a job to StateCompleted and stores its result.
func (q *Queue) Complete(_ context.Context, id string, res scan.Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[id]
	if !ok {
		return scan.ErrJobNotFound
	}
	if rec.job.State.IsTerminal() {
		return scan.ErrTerminal
	}
	now := q.clock.Now()
	rec.job.State = scan.StateCompleted
	rec.job.Progress = scan.ProgressComplete
	rec.job.Result = &res
	rec.job.FinishedAt = &now
	rec.job.LastError = ""
	rec.leaseExpiry = time.Time{}
	q.completed = append(q.completed, id)
	q.evictLocked(&q.completed, q.cfg.CompletedRetention)
	return nil
}

// Fail records a failed attempt. While attempts remain the job is parked in
// StateDelayed with exponential backoff, otherwise it becomes StateFailed.
func (q *Queue) Fail(_ context.Context, id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[id]
	if !ok {
		return scan.ErrJobNotFound
	}
	if rec.job.State.IsTerminal() {
		return scan.ErrTerminal
	}
	now := q.clock.Now()
	rec.leaseExpiry = time.Time{}
	if q.cfg.Policy.ShouldRetry(rec.job.Attempts) {
		rec.job.State = scan.StateDelayed
		rec.job.RunAt = now.Add(q.cfg.Policy.Backoff(rec.job.Attempts))
		rec.job.Progress = 0
		rec.job.LastError = reason
		q.signalLocked()
		return nil
	}
	rec.job.State = scan.StateFailed
	rec.job.Progress = 0
	rec.job.FailureReason = reason
	rec.job.FinishedAt = &now
	q.failed = append(q.failed, id)
	q.evictLocked(&q.failed, q.cfg.FailedRetention)
	return nil
}

// Get returns a copy of the job, or scan.ErrJobNotFound once evicted.
func (q *Queue) Get(_ context.Context, id string) (scan.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return scan.Job{}, scan.ErrQueueClosed
	}
	rec, ok := q.jobs[id]
	if !ok {
		return scan.Job{}, scan.ErrJobNotFound
	}
	return cloneJob(rec.job), nil
}

// Close unblocks Lease callers and rejects further operations.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.wake)
	return nil
}

// promoteLocked moves due delayed jobs and expired leases back to waiting.
// Expired leases keep their attempt count; the claim was consumed.
func (q *Queue) promoteLocked(now time.Time) {
	for _, rec := range q.jobs {
		switch rec.job.State {
		case scan.StateDelayed:
			if !rec.job.RunAt.After(now) {
				rec.job.State = scan.StateWaiting
			}
		case scan.StateActive:
			if !rec.leaseExpiry.IsZero() && !rec.leaseExpiry.After(now) {
				rec.job.State = scan.StateWaiting
				rec.job.Progress = 0
				rec.leaseExpiry = time.Time{}
			}
		}
	}
}

// nextReadyLocked picks the waiting job with the highest priority, breaking
// ties by enqueue order.
func (q *Queue) nextReadyLocked() *record {
	var best *record
	for _, rec := range q.jobs {
		if rec.job.State != scan.StateWaiting {
			continue
		}
		if best == nil ||
			rec.job.Priority > best.job.Priority ||
			(rec.job.Priority == best.job.Priority && rec.seq < best.seq) {
			best = rec
		}
	}
	return best
}

// nextEventLocked returns the earliest future moment a job may become
// runnable, or the zero time when nothing is scheduled.
func (q *Queue) nextEventLocked() time.Time {
	var next time.Time
	for _, rec := range q.jobs {
		var at time.Time
		switch rec.job.State {
		case scan.StateDelayed:
			at = rec.job.RunAt
		case scan.StateActive:
			at = rec.leaseExpiry
		default:
			continue
		}
		if at.IsZero() {
			continue
		}
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	return next
}

func (q *Queue) evictLocked(ring *[]string, max int) {
	for len(*ring) > max {
		delete(q.jobs, (*ring)[0])
		*ring = (*ring)[1:]
	}
}

func (q *Queue) signalLocked() {
	if q.closed {
		return
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func cloneJob(j scan.Job) scan.Job {
	if j.StartedAt != nil {
		t := *j.StartedAt
		j.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		j.FinishedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		r.Violations = append([]scan.Violation(nil), j.Result.Violations...)
		j.Result = &r
	}
	return j
}
