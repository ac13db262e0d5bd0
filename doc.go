// Package main hosts the scand executable.
//
// Architecture overview:
//   - HTTP gateway: internal/gateway.Server exposes scan submission, status, watch, health, and metrics
//     endpoints. Submissions are validated, checked against the host blocklist, rate limited per client,
//     and persisted as scan.Job records in the queue before the gateway answers 202.
//   - Queue & dispatcher: jobs live in a durable queue (memory, SQLite, or Postgres) with lease-based
//     delivery, exponential retry backoff, and bounded retention of finished jobs. A fixed worker pool
//     sized by scanner.concurrency leases jobs; context cancellation stops workers cleanly on shutdown,
//     and leases still held at that point expire and re-offer their jobs on the next start.
//   - Scan pipeline: workers fetch the page with the Colly probe fetcher, optionally promote to a
//     headless Chromedp fetch when the response looks client-rendered, evaluate the DOM against WCAG
//     rules, and normalize findings into violations bucketed by severity. When the submitter asked for
//     them, an OpenAI-compatible model turns the findings into fix suggestions; suggester outages
//     substitute a placeholder and never fail the scan.
//   - Persistence & fanout: the scanned HTML is snapshotted to the configured blob store
//     (memory/local/GCS), completion events are published (in-memory or Pub/Sub), and progress events
//     are batched to the configured sinks, including Prometheus and the Postgres audit store.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging;
//     Prometheus metrics are exported via the HTTP middleware and the /metrics handler.
//
// Operational notes:
//   - Concurrency model: lease-based queue delivery with a fixed worker pool; headless fetches have
//     their own semaphore inside the Chromedp fetcher. A panic inside a scan fails that attempt, not the
//     worker.
//   - Budgets: fetch.timeout_seconds bounds each page retrieval and scanner.job_timeout_seconds bounds
//     the whole attempt; the two expire with distinct failure reasons. Failed attempts retry up to
//     queue.max_attempts with exponential backoff.
//   - Observability: zap logs carry job IDs and target hosts at key transitions; Prometheus
//     counters/histograms track submissions, scan outcomes, durations, and watch sessions; the progress
//     hub batches lifecycle events for downstream sinks. Spans export to Cloud Trace when
//     telemetry.project_id is set, and rate_limit.enabled paces outbound fetches per target host.
//   - Status surface: clients poll GET /scan/status?jobId=... or hold a websocket on /scan/watch for
//     change-only frames. Finished jobs age out after the configured retention counts, after which both
//     surfaces answer 404.
//
// Quick start:
//   - Run the service: scand serve --config config.yaml (or rely on SCAND_* env overrides).
//   - One-shot audit: scand scan https://example.com --format table.
//   - Containers: the gateway listens on server.port, stays stateless across requests, and reacts to
//     SIGTERM with a graceful drain bounded by the shutdown timeout.
package main
