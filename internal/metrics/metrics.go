// Package metrics exposes Prometheus collectors for the scan service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	submissionsTotal           *prometheus.CounterVec
	watchSessions              prometheus.Gauge
	queueWaitSeconds           prometheus.Histogram
	fetchDelaySeconds          *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		submissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scand_submissions_total",
				Help: "Scan submissions received, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		watchSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scand_watch_sessions",
				Help: "Currently connected status watch sessions.",
			},
		)

		queueWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scand_queue_wait_seconds",
				Help:    "Time jobs spend queued before a worker leases them.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
		)

		fetchDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scand_fetch_delay_seconds",
				Help:    "Delay imposed by the per-host fetch limiter, labeled by site.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSubmission increments the submission counter for the given outcome
// (accepted, invalid, rate_limited, blocked, error).
func ObserveSubmission(outcome string) {
	submissionsTotal.WithLabelValues(outcome).Inc()
}

// IncWatchSessions increments the connected watch sessions gauge.
func IncWatchSessions() {
	watchSessions.Inc()
}

// DecWatchSessions decrements the connected watch sessions gauge.
func DecWatchSessions() {
	watchSessions.Dec()
}

// ObserveQueueWait records how long a job sat in the queue before leasing.
func ObserveQueueWait(wait time.Duration) {
	if wait < 0 {
		wait = 0
	}
	queueWaitSeconds.Observe(wait.Seconds())
}

// ObserveRateLimitDelay records how long a fetch waited on the per-host
// limiter.
func ObserveRateLimitDelay(site string, delay time.Duration) {
	fetchDelaySeconds.WithLabelValues(site).Observe(delay.Seconds())
}
