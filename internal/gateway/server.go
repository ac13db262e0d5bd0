// Package gateway exposes the HTTP submission and status interface for the
// scan service.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/accessprobe/scand/internal/config"
	"github.com/accessprobe/scand/internal/metrics"
	"github.com/accessprobe/scand/internal/ratelimit"
	"github.com/accessprobe/scand/internal/scan"
	"github.com/accessprobe/scand/internal/store"
)

// enqueueTimeout bounds how long a submission may wait on the queue backend.
const enqueueTimeout = 5 * time.Second

// Server wires HTTP handlers to the job queue.
type Server struct {
	router  chi.Router
	queue   scan.Queue
	history store.AuditRepository
	idGen   scan.IDGenerator
	clock   scan.Clock
	limiter *ratelimit.SubmissionLimiter
	blocked *hostBlocklist
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The rate limiter
// and host blocklist are derived from the gateway section of cfg. history may
// be nil, in which case the scan-history endpoints answer 503.
func NewServer(
	queue scan.Queue,
	history store.AuditRepository,
	idGen scan.IDGenerator,
	clock scan.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		queue:   queue,
		history: history,
		idGen:   idGen,
		clock:   clock,
		limiter: ratelimit.New(cfg.RateWindow(), cfg.Gateway.RateBurst),
		blocked: newHostBlocklist(cfg.Gateway.BlockedHosts),
		cfg:     cfg,
		logger:  logger,
	}

	serverTimeout := time.Duration(cfg.Server.TimeoutSeconds) * time.Second
	if serverTimeout <= 0 {
		serverTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(serverTimeout))
		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
		r.Post("/scan", s.submitScan)
		r.Get("/scan/status", s.scanStatus)
		r.Get("/scans/recent", s.recentScans)
		r.Get("/scans/stats", s.violationStats)
	})

	// The watch socket upgrades the connection; http.TimeoutHandler's writer
	// cannot be hijacked, so this route stays outside the timeout wrapper.
	r.Get("/scan/watch", s.watchScan)

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The queue is the only hard dependency; a Get that answers, even with
	// not-found, proves the backend is reachable.
	if _, err := s.queue.Get(r.Context(), "readiness-probe"); err != nil && !errors.Is(err, scan.ErrJobNotFound) {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scanRequest struct {
	URL        string `json:"url"`
	IncludeFix *bool  `json:"includeAIFixes"`
	Priority   int    `json:"priority"`
}

type submitResponse struct {
	JobID     string `json:"jobId"`
	StatusURL string `json:"statusUrl"`
}

func (s *Server) submitScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.ObserveSubmission("invalid")
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := scan.ValidateTarget(req.URL); err != nil {
		metrics.ObserveSubmission("invalid")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target := strings.TrimSpace(req.URL)
	if s.blocked.IsBlocked(scan.HostOf(target)) {
		metrics.ObserveSubmission("blocked")
		writeError(w, http.StatusForbidden, "target host is not allowed")
		return
	}
	identity := clientIdentity(r)
	if !s.limiter.Allow(identity) {
		metrics.ObserveSubmission("rate_limited")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded, retry later")
		return
	}
	jobID, err := s.enqueueScan(r.Context(), target, req, identity)
	if err != nil {
		metrics.ObserveSubmission("error")
		s.logger.Error("submission failed",
			zap.String("identity", identity),
			zap.Error(err),
		)
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, "could not enqueue scan")
		return
	}
	metrics.ObserveSubmission("accepted")
	s.logger.Info("scan accepted",
		zap.String("job_id", jobID),
		zap.String("site", scan.HostOf(target)),
	)
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:     jobID,
		StatusURL: "/scan/status?jobId=" + url.QueryEscape(jobID),
	})
}

func (s *Server) enqueueScan(ctx context.Context, target string, req scanRequest, identity string) (string, error) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job := scan.Job{
		ID:          jobID,
		URL:         target,
		IncludeFix:  boolOrDefault(req.IncludeFix, true),
		Submitter:   identity,
		Priority:    req.Priority,
		SubmittedAt: s.clock.Now().UTC(),
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	if err := s.queue.Enqueue(queueCtx, job); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return jobID, nil
}

// statusResponse is the projection served by the status and watch endpoints.
type statusResponse struct {
	JobID    string       `json:"jobId"`
	Status   string       `json:"status"`
	Progress int          `json:"progress"`
	Result   *scan.Result `json:"result,omitempty"`
	Error    string       `json:"error,omitempty"`
}

func statusFromJob(job scan.Job) statusResponse {
	resp := statusResponse{
		JobID:    job.ID,
		Status:   string(job.State),
		Progress: job.Progress,
	}
	switch job.State {
	case scan.StateCompleted:
		resp.Result = job.Result
	case scan.StateFailed:
		resp.Error = job.FailureReason
	}
	return resp
}

func (s *Server) scanStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "jobId required")
		return
	}
	job, err := s.queue.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, scan.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("status lookup failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, statusFromJob(job))
}

// clientIdentity derives the submitter identity used for rate limiting. The
// first X-Forwarded-For hop wins so deployments behind a proxy see the real
// client; otherwise the peer address is used.
func clientIdentity(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func boolOrDefault(ptr *bool, def bool) bool {
	if ptr == nil {
		return def
	}
	return *ptr
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", requestIDFrom(r.Context())),
					zap.Any("error", rec),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
