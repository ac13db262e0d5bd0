// Package worker implements the scan pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/accessprobe/scand/internal/metrics"
	"github.com/accessprobe/scand/internal/progress"
	"github.com/accessprobe/scand/internal/scan"
)

// Default stage budgets. The job budget covers the whole pipeline for one
// attempt; the fetch budget covers a single page retrieval inside it.
const (
	DefaultJobTimeout   = 120 * time.Second
	DefaultFetchTimeout = 30 * time.Second
)

// Config controls Worker behavior.
type Config struct {
	JobTimeout   time.Duration
	FetchTimeout time.Duration
	ContentType  string
	BlobPrefix   string
}

func (c Config) normalized() Config {
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.ContentType == "" {
		c.ContentType = "text/html; charset=utf-8"
	}
	return c
}

// Worker leases jobs and executes the scan pipeline: fetch, optional
// headless render, violation detection, optional fix suggestion, snapshot
// storage and result assembly.
type Worker struct {
	queue     scan.Queue
	fetcher   scan.Fetcher
	renderer  scan.Fetcher
	heuristic scan.RenderHeuristic
	policy    scan.FetchPolicy
	detector  scan.Detector
	suggester scan.Suggester
	blobs     scan.BlobStore
	publisher scan.Publisher
	hasher    scan.Hasher
	clock     scan.Clock
	hub       *progress.Hub
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. The renderer, policy, suggester, blob store,
// publisher and hub are optional; their stages are skipped when nil.
func New(
	queue scan.Queue,
	fetcher scan.Fetcher,
	renderer scan.Fetcher,
	heuristic scan.RenderHeuristic,
	policy scan.FetchPolicy,
	detector scan.Detector,
	suggester scan.Suggester,
	blobs scan.BlobStore,
	publisher scan.Publisher,
	hasher scan.Hasher,
	clock scan.Clock,
	hub *progress.Hub,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		fetcher:   fetcher,
		renderer:  renderer,
		heuristic: heuristic,
		policy:    policy,
		detector:  detector,
		suggester: suggester,
		blobs:     blobs,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		hub:       hub,
		cfg:       cfg.normalized(),
		logger:    logger,
	}
}

// Run blocks, leasing and executing jobs until the context finishes or the
// queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Lease(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, scan.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue lease failed", zap.Error(err))
			continue
		}
		w.observeQueueWait(job)
		w.processJob(ctx, job)
	}
}

// observeQueueWait records the time between a job becoming runnable and
// being leased. For retried jobs that is the scheduled run time, not the
// original submission.
func (w *Worker) observeQueueWait(job scan.Job) {
	since := job.SubmittedAt
	if !job.RunAt.IsZero() && job.RunAt.After(since) {
		since = job.RunAt
	}
	if since.IsZero() {
		return
	}
	metrics.ObserveQueueWait(w.clock.Now().Sub(since))
}

// processJob executes one leased attempt. A panic in any stage fails the
// attempt instead of taking down the worker.
func (w *Worker) processJob(ctx context.Context, job scan.Job) {
	start := w.clock.Now()
	site := siteLabel(job.URL)

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("scan panicked",
				zap.String("job_id", job.ID),
				zap.String("url", job.URL),
				zap.Any("panic", r),
			)
			w.finishFailed(ctx, job, start, fmt.Errorf("panic: %v", r))
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	w.logger.Debug("job leased",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.Int("attempt", job.Attempts),
	)
	w.emit(progress.Event{
		JobID: job.ID,
		TS:    start.UTC(),
		Stage: progress.StageJobStart,
		Site:  site,
		URL:   job.URL,
	})
	w.checkpoint(jobCtx, job.ID, scan.ProgressAccepted)

	res, err := w.runPipeline(jobCtx, job, site)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown canceled the attempt. The lease expires and the
			// queue re-offers the job; recording a failure now would
			// mislabel the reason.
			w.logger.Info("attempt interrupted by shutdown", zap.String("job_id", job.ID))
			return
		}
		w.finishFailed(ctx, job, start, err)
		return
	}
	w.finishCompleted(ctx, job, start, res)
}

// runPipeline performs the fetch/render/detect/suggest/snapshot stages under
// the job budget and assembles the result.
func (w *Worker) runPipeline(ctx context.Context, job scan.Job, site string) (scan.Result, error) {
	w.checkpoint(ctx, job.ID, scan.ProgressFetchStarted)
	w.emit(progress.Event{
		JobID: job.ID,
		TS:    w.clock.Now().UTC(),
		Stage: progress.StageFetchStart,
		Site:  site,
		URL:   job.URL,
	})

	resp, err := w.fetchPage(ctx, job)
	if err != nil {
		return scan.Result{}, w.overrideJobTimeout(ctx, err)
	}
	w.emit(progress.Event{
		JobID:       job.ID,
		TS:          w.clock.Now().UTC(),
		Stage:       progress.StageFetchDone,
		Site:        site,
		URL:         resp.URL,
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Bytes:       int64(len(resp.Body)),
		Dur:         resp.Duration,
	})

	if rendered, ok := w.maybeRender(ctx, job, resp); ok {
		resp = rendered
		w.emit(progress.Event{
			JobID: job.ID,
			TS:    w.clock.Now().UTC(),
			Stage: progress.StageRenderDone,
			Site:  site,
			URL:   resp.URL,
			Bytes: int64(len(resp.Body)),
			Dur:   resp.Duration,
		})
	}
	w.checkpoint(ctx, job.ID, scan.ProgressDetectorReady)

	raw, err := w.detector.Detect(ctx, resp)
	if err != nil {
		return scan.Result{}, w.overrideJobTimeout(ctx, &scan.DetectorError{Err: err})
	}
	violations := scan.NormalizeViolations(raw)
	summary := scan.Summarize(violations)
	w.checkpoint(ctx, job.ID, scan.ProgressDetectorDone)
	w.emit(progress.Event{
		JobID:      job.ID,
		TS:         w.clock.Now().UTC(),
		Stage:      progress.StageDetectDone,
		Site:       site,
		URL:        resp.URL,
		Violations: int64(summary.Total),
		ByImpact:   impactCounts(violations),
	})

	var fixes string
	if job.IncludeFix && summary.Total > 0 {
		var outcome string
		fixes, outcome = w.suggestFixes(ctx, job, violations)
		w.emit(progress.Event{
			JobID:   job.ID,
			TS:      w.clock.Now().UTC(),
			Stage:   progress.StageSuggestDone,
			Site:    site,
			URL:     job.URL,
			Outcome: outcome,
		})
	}
	w.checkpoint(ctx, job.ID, scan.ProgressSuggestDone)

	uri := w.storeSnapshot(ctx, job.ID, resp)

	pageURL := resp.URL
	if pageURL == "" {
		pageURL = job.URL
	}
	return scan.Result{
		URL:            pageURL,
		Violations:     violations,
		Summary:        summary,
		FixSuggestions: fixes,
		SnapshotURI:    uri,
		Rendered:       resp.Rendered,
		CompletedAt:    w.clock.Now().UTC(),
	}, nil
}

// fetchPage retrieves the page under the per-fetch budget. The politeness
// wait runs first, against the job budget, so a paced host cannot eat the
// fetch budget before the request even starts.
func (w *Worker) fetchPage(ctx context.Context, job scan.Job) (scan.FetchResponse, error) {
	if err := w.waitPolicy(ctx, job.URL); err != nil {
		return scan.FetchResponse{}, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	return w.fetcher.Fetch(fetchCtx, scan.FetchRequest{JobID: job.ID, URL: job.URL})
}

func (w *Worker) waitPolicy(ctx context.Context, url string) error {
	if w.policy == nil {
		return nil
	}
	return w.policy.Wait(ctx, url)
}

// maybeRender refetches the page in a headless browser when the heuristic
// flags the probe response as client-rendered. The render hits the host a
// second time, so it pays the politeness wait too. Render failures keep the
// probe response; they never fail the job.
func (w *Worker) maybeRender(ctx context.Context, job scan.Job, resp scan.FetchResponse) (scan.FetchResponse, bool) {
	if w.renderer == nil || w.heuristic == nil || !w.heuristic.ShouldRender(resp) {
		return resp, false
	}
	if err := w.waitPolicy(ctx, job.URL); err != nil {
		w.logger.Warn("render skipped by fetch policy",
			zap.String("job_id", job.ID),
			zap.String("url", job.URL),
			zap.Error(err),
		)
		return resp, false
	}

	renderCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	rendered, err := w.renderer.Fetch(renderCtx, scan.FetchRequest{JobID: job.ID, URL: job.URL})
	if err != nil {
		w.logger.Warn("headless render failed, scanning probe response",
			zap.String("job_id", job.ID),
			zap.String("url", job.URL),
			zap.Error(err),
		)
		return resp, false
	}
	rendered.Rendered = true
	return rendered, true
}

// suggestFixes asks the suggester for remediation text. Every failure path
// substitutes the placeholder; the second return value is the outcome label
// (ok, skipped, error, quota).
func (w *Worker) suggestFixes(ctx context.Context, job scan.Job, violations []scan.Violation) (string, string) {
	if w.suggester == nil {
		return scan.FixSuggestionsUnavailable, "skipped"
	}

	text, err := w.suggester.Suggest(ctx, job.URL, violations)
	if err != nil {
		outcome := "error"
		var se *scan.SuggesterError
		if errors.As(err, &se) && se.Quota {
			outcome = "quota"
		}
		w.logger.Warn("fix suggestions unavailable",
			zap.String("job_id", job.ID),
			zap.String("outcome", outcome),
			zap.Error(err),
		)
		return scan.FixSuggestionsUnavailable, outcome
	}
	if strings.TrimSpace(text) == "" {
		return scan.FixSuggestionsUnavailable, "error"
	}
	return text, "ok"
}

// storeSnapshot persists the scanned body and returns its URI. Snapshot
// failures only cost the URI; they never fail the job.
func (w *Worker) storeSnapshot(ctx context.Context, jobID string, resp scan.FetchResponse) string {
	if w.blobs == nil || w.hasher == nil || len(resp.Body) == 0 {
		return ""
	}

	hash, err := w.hasher.Hash(resp.Body)
	if err != nil {
		w.logger.Warn("snapshot hash failed", zap.String("job_id", jobID), zap.Error(err))
		return ""
	}
	uri, err := w.blobs.PutObject(ctx, w.buildSnapshotPath(jobID, hash), w.cfg.ContentType, resp.Body)
	if err != nil {
		w.logger.Warn("snapshot store failed", zap.String("job_id", jobID), zap.Error(err))
		return ""
	}
	return uri
}

func (w *Worker) buildSnapshotPath(jobID, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, hash)
}

// finishCompleted stores the result and announces completion. ErrTerminal
// means another worker finished the job after our lease lapsed; that worker
// already announced it.
func (w *Worker) finishCompleted(ctx context.Context, job scan.Job, start time.Time, res scan.Result) {
	if err := w.queue.Complete(ctx, job.ID, res); err != nil {
		if errors.Is(err, scan.ErrTerminal) {
			w.logger.Warn("job already terminal", zap.String("job_id", job.ID))
			return
		}
		w.logger.Error("job completion failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	dur := w.clock.Now().Sub(start)
	w.emit(progress.Event{
		JobID:   job.ID,
		TS:      w.clock.Now().UTC(),
		Stage:   progress.StageJobDone,
		Site:    siteLabel(job.URL),
		URL:     job.URL,
		Dur:     dur,
		Outcome: "completed",
	})
	w.publishCompletion(ctx, job, "completed", res.Summary.Total)
	w.logger.Info("scan completed",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.Int("violations", res.Summary.Total),
		zap.Bool("rendered", res.Rendered),
		zap.Duration("duration", dur),
	)
}

// finishFailed records the failed attempt. The queue decides whether the job
// retries; only a terminal failure is published downstream.
func (w *Worker) finishFailed(ctx context.Context, job scan.Job, start time.Time, cause error) {
	reason := scan.FailureReason(cause)

	if err := w.queue.Fail(ctx, job.ID, reason); err != nil {
		if errors.Is(err, scan.ErrTerminal) {
			w.logger.Warn("job already terminal", zap.String("job_id", job.ID))
			return
		}
		w.logger.Error("job failure update failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	w.emit(progress.Event{
		JobID:   job.ID,
		TS:      w.clock.Now().UTC(),
		Stage:   progress.StageJobError,
		Site:    siteLabel(job.URL),
		URL:     job.URL,
		Dur:     w.clock.Now().Sub(start),
		Outcome: "failed",
		Note:    reason,
	})

	updated, err := w.queue.Get(ctx, job.ID)
	if err != nil {
		w.logger.Error("job lookup after failure", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if updated.State != scan.StateFailed {
		w.logger.Info("scan attempt failed, retry scheduled",
			zap.String("job_id", job.ID),
			zap.String("url", job.URL),
			zap.Int("attempts", updated.Attempts),
			zap.String("reason", reason),
		)
		return
	}

	w.logger.Warn("scan failed",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.Int("attempts", updated.Attempts),
		zap.String("reason", reason),
	)
	w.publishCompletion(ctx, job, "failed", 0)
}

func (w *Worker) publishCompletion(ctx context.Context, job scan.Job, status string, total int) {
	if w.publisher == nil {
		return
	}
	evt := scan.CompletionEvent{
		JobID:           job.ID,
		URL:             job.URL,
		Status:          status,
		TotalViolations: total,
		Timestamp:       w.clock.Now().UTC().Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, evt); err != nil {
		w.logger.Error("completion publish failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// checkpoint reports a progress milestone. The queue ignores regressions and
// updates on jobs that already finished or were requeued.
func (w *Worker) checkpoint(ctx context.Context, jobID string, pct int) {
	if err := w.queue.UpdateProgress(ctx, jobID, pct); err != nil {
		w.logger.Warn("progress update failed",
			zap.String("job_id", jobID),
			zap.Int("progress", pct),
			zap.Error(err),
		)
	}
}

// overrideJobTimeout substitutes the whole-job timeout for a stage error
// when the job budget, not the stage budget, is what expired.
func (w *Worker) overrideJobTimeout(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &scan.TimeoutError{Scope: scan.TimeoutJob, Limit: w.cfg.JobTimeout}
	}
	return err
}

func (w *Worker) emit(evt progress.Event) {
	if w.hub == nil {
		return
	}
	w.hub.Emit(evt)
}

func impactCounts(violations []scan.Violation) map[string]int64 {
	if len(violations) == 0 {
		return nil
	}
	counts := make(map[string]int64, 4)
	for _, v := range violations {
		counts[string(v.Impact)]++
	}
	return counts
}

func siteLabel(url string) string {
	if site := scan.HostOf(url); site != "" {
		return site
	}
	return "unknown"
}
