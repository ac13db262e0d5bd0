// Package app composes the scan service from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/accessprobe/scand/internal/clock/system"
	"github.com/accessprobe/scand/internal/config"
	"github.com/accessprobe/scand/internal/detector"
	"github.com/accessprobe/scand/internal/detector/wcag"
	"github.com/accessprobe/scand/internal/dispatcher"
	collyfetcher "github.com/accessprobe/scand/internal/fetcher/colly"
	"github.com/accessprobe/scand/internal/fetcher/headless"
	"github.com/accessprobe/scand/internal/gateway"
	"github.com/accessprobe/scand/internal/hash/sha256"
	"github.com/accessprobe/scand/internal/id/uuid"
	"github.com/accessprobe/scand/internal/logging"
	"github.com/accessprobe/scand/internal/metrics"
	"github.com/accessprobe/scand/internal/policy/ratelimit"
	"github.com/accessprobe/scand/internal/policy/simple"
	"github.com/accessprobe/scand/internal/progress"
	progresssinks "github.com/accessprobe/scand/internal/progress/sinks"
	memorypublisher "github.com/accessprobe/scand/internal/publisher/memory"
	gcppublisher "github.com/accessprobe/scand/internal/publisher/pubsub"
	"github.com/accessprobe/scand/internal/queue"
	memqueue "github.com/accessprobe/scand/internal/queue/memory"
	pgqueue "github.com/accessprobe/scand/internal/queue/postgres"
	sqlitequeue "github.com/accessprobe/scand/internal/queue/sqlite"
	"github.com/accessprobe/scand/internal/render"
	"github.com/accessprobe/scand/internal/scan"
	gcsstorage "github.com/accessprobe/scand/internal/storage/gcs"
	localstorage "github.com/accessprobe/scand/internal/storage/local"
	memorystorage "github.com/accessprobe/scand/internal/storage/memory"
	pgstore "github.com/accessprobe/scand/internal/storage/postgres"
	"github.com/accessprobe/scand/internal/store"
	"github.com/accessprobe/scand/internal/suggester"
	"github.com/accessprobe/scand/internal/telemetry"
	"github.com/accessprobe/scand/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App holds the long-lived services composed from configuration.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	gateway  *gateway.Server
	dispatch *dispatcher.Dispatcher
	queue    scan.Queue
	hub      *progress.Hub

	renderer     *headless.Fetcher
	pubsubClient *pubsub.Client
	pubsubTopic  *pubsub.Topic
	gcsClient    *gcs.Client
	auditStore   *pgstore.AuditStore

	tracerShutdown func(context.Context) error
	metricShutdown func(context.Context) error
}

// Build composes the application. It fails fast when a configured backend
// cannot be initialized.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	tp, mp, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown
	a.metricShutdown = mp.Shutdown

	if a.queue, err = a.setupQueue(ctx); err != nil {
		return nil, err
	}
	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	auditRepo, err := a.setupAudit(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	a.hub = a.setupProgress(ctx, auditRepo)
	a.dispatch = a.setupWorkers(blobs, publisher)
	a.gateway = gateway.NewServer(a.queue, auditRepo, uuid.New(), system.New(), cfg, logger.Named("gateway"))

	return a, nil
}

// Run starts the worker pool and the HTTP server, then blocks until the
// context is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.gateway.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	// Workers exit once the run context is canceled. Leases still held at
	// that point expire and re-offer their jobs on the next start.
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before the shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close releases all backends. Safe to call after a partial Build.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.auditStore != nil {
		a.auditStore.Close()
	}
	if err := a.logger.Sync(); err != nil {
		// Syncing stderr fails on some platforms; nothing actionable.
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.metricShutdown != nil {
		if err := a.metricShutdown(ctx); err != nil {
			a.logger.Warn("metric shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) retryPolicy() queue.Policy {
	return queue.Policy{
		MaxAttempts: a.cfg.Queue.MaxAttempts,
		BaseDelay:   time.Duration(a.cfg.Queue.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(a.cfg.Queue.MaxDelayMs) * time.Millisecond,
	}
}

func (a *App) setupQueue(ctx context.Context) (scan.Queue, error) {
	leaseTTL := time.Duration(a.cfg.Queue.LeaseTTLSeconds) * time.Second
	switch a.cfg.Queue.Backend {
	case "postgres":
		a.logger.Info("using postgres queue backend", zap.String("table", a.cfg.Queue.Table))
		q, err := pgqueue.New(ctx, pgqueue.Config{
			DSN:                a.cfg.DB.DSN,
			Table:              a.cfg.Queue.Table,
			Policy:             a.retryPolicy(),
			LeaseTTL:           leaseTTL,
			CompletedRetention: a.cfg.Queue.CompletedRetention,
			FailedRetention:    a.cfg.Queue.FailedRetention,
			MaxConns:           a.cfg.DB.MaxConns,
			MinConns:           a.cfg.DB.MinConns,
			MaxConnLifetime:    time.Duration(a.cfg.DB.MaxConnLifetimeSec) * time.Second,
		}, system.New())
		if err != nil {
			return nil, fmt.Errorf("postgres queue init failed: %w", err)
		}
		return q, nil
	case "sqlite":
		a.logger.Info("using sqlite queue backend", zap.String("path", a.cfg.Queue.SQLitePath))
		q, err := sqlitequeue.New(ctx, sqlitequeue.Config{
			Path:               a.cfg.Queue.SQLitePath,
			Policy:             a.retryPolicy(),
			LeaseTTL:           leaseTTL,
			CompletedRetention: a.cfg.Queue.CompletedRetention,
			FailedRetention:    a.cfg.Queue.FailedRetention,
		}, system.New())
		if err != nil {
			return nil, fmt.Errorf("sqlite queue init failed: %w", err)
		}
		return q, nil
	default:
		a.logger.Info("using in-memory queue backend")
		return memqueue.New(memqueue.Config{
			Policy:             a.retryPolicy(),
			LeaseTTL:           leaseTTL,
			CompletedRetention: a.cfg.Queue.CompletedRetention,
			FailedRetention:    a.cfg.Queue.FailedRetention,
		}, system.New()), nil
	}
}

func (a *App) setupStorage(ctx context.Context) (scan.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("dir", a.cfg.Storage.LocalDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupAudit(ctx context.Context) (store.AuditRepository, error) {
	if !a.cfg.Audit.Enabled {
		a.logger.Info("audit history disabled")
		return nil, nil
	}
	auditStore, err := pgstore.NewAuditStore(ctx, pgstore.AuditStoreConfig{
		DSN:             a.cfg.DB.DSN,
		RunsTable:       a.cfg.Audit.RunsTable,
		StatsTable:      a.cfg.Audit.StatsTable,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeSec) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("audit store init failed: %w", err)
	}
	if err := auditStore.EnsureSchema(ctx); err != nil {
		auditStore.Close()
		return nil, fmt.Errorf("audit schema init failed: %w", err)
	}
	a.auditStore = auditStore
	a.logger.Info("audit history enabled", zap.String("runs_table", a.cfg.Audit.RunsTable))
	return auditStore, nil
}

func (a *App) setupPublisher(ctx context.Context) (scan.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		a.logger.Info("completion events use the in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubTopic = client.Topic(a.cfg.PubSub.TopicName)
	a.logger.Info("pubsub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(a.pubsubTopic), nil
}

func (a *App) setupProgress(ctx context.Context, auditRepo store.AuditRepository) *progress.Hub {
	sinks := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress")),
	}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		a.logger.Warn("prometheus progress sink init failed", zap.Error(err))
	} else {
		sinks = append(sinks, promSink)
	}
	if auditRepo != nil {
		sinks = append(sinks, progresssinks.NewStoreSink(auditRepo, a.logger.Named("audit")))
	}
	hub := progress.NewHub(progress.Config{
		Buffer:        a.cfg.Progress.Buffer,
		MaxBatch:      a.cfg.Progress.BatchSize,
		FlushInterval: time.Duration(a.cfg.Progress.FlushMs) * time.Millisecond,
		BaseContext:   ctx,
		Logger:        a.logger.Named("progress_hub"),
	}, sinks...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer", a.cfg.Progress.Buffer),
		zap.Int("sinks", len(sinks)),
	)
	return hub
}

func (a *App) setupWorkers(blobs scan.BlobStore, publisher scan.Publisher) *dispatcher.Dispatcher {
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:    a.cfg.Fetch.UserAgent,
		Timeout:      a.cfg.FetchTimeout(),
		MaxBodyBytes: a.cfg.Fetch.MaxBodyBytes,
	})

	var renderer scan.Fetcher
	var heuristic scan.RenderHeuristic
	if a.cfg.Render.Enabled {
		headlessFetcher, err := headless.NewChromedp(headless.Config{
			MaxParallel:       a.cfg.Render.MaxParallel,
			UserAgent:         a.cfg.Fetch.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Render.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed, scanning probe responses only", zap.Error(err))
		} else {
			a.renderer = headlessFetcher
			renderer = headlessFetcher
			heuristic = render.NewHeuristic(a.cfg.Render.MinHTMLBytes)
			a.logger.Info("headless rendering enabled", zap.Int("max_parallel", a.cfg.Render.MaxParallel))
		}
	}

	var detect scan.Detector = wcag.New()
	if a.cfg.Detector.Serialize {
		detect = detector.NewSerial(detect)
	}

	var suggest scan.Suggester
	if a.cfg.Suggest.Enabled {
		suggest = suggester.New(suggester.Config{
			BaseURL:       a.cfg.Suggest.BaseURL,
			APIKey:        a.cfg.Suggest.APIKey,
			Model:         a.cfg.Suggest.Model,
			Timeout:       time.Duration(a.cfg.Suggest.TimeoutSeconds) * time.Second,
			MaxViolations: a.cfg.Suggest.MaxViolations,
		}, a.logger.Named("suggester"))
		a.logger.Info("fix suggestions enabled", zap.String("model", a.cfg.Suggest.Model))
	}

	workerCfg := worker.Config{
		JobTimeout:   a.cfg.JobTimeout(),
		FetchTimeout: a.cfg.FetchTimeout(),
		ContentType:  a.cfg.Storage.ContentType,
		BlobPrefix:   a.cfg.Storage.Prefix,
	}
	a.logger.Info("worker config",
		zap.Duration("job_timeout", workerCfg.JobTimeout),
		zap.Duration("fetch_timeout", workerCfg.FetchTimeout),
		zap.String("blob_prefix", workerCfg.BlobPrefix),
	)

	var policy scan.FetchPolicy
	if a.cfg.RateLimit.Enabled {
		policy = ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.RateLimit.DefaultRPS,
			DefaultBurst: a.cfg.RateLimit.DefaultBurst,
		})
		a.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", a.cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", a.cfg.RateLimit.DefaultBurst),
		)
	} else {
		policy = simple.New()
		a.logger.Info("rate limiter disabled, using simple policy")
	}

	hasher := sha256.New()
	clock := system.New()
	workers := make([]*worker.Worker, 0, a.cfg.Scanner.Concurrency)
	for i := 0; i < a.cfg.Scanner.Concurrency; i++ {
		workers = append(workers, worker.New(
			a.queue,
			probe,
			renderer,
			heuristic,
			policy,
			detect,
			suggest,
			blobs,
			publisher,
			hasher,
			clock,
			a.hub,
			workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return dispatcher.New(workers, a.logger.Named("dispatcher"))
}
