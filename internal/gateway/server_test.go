package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/accessprobe/scand/internal/clock/system"
	"github.com/accessprobe/scand/internal/config"
	"github.com/accessprobe/scand/internal/metrics"
	"github.com/accessprobe/scand/internal/queue"
	memqueue "github.com/accessprobe/scand/internal/queue/memory"
	"github.com/accessprobe/scand/internal/scan"
)

func TestServer_SubmitScan_Succeeds(t *testing.T) {
	t.Parallel()
	metrics.Init()

	q := memqueue.New(memqueue.Config{}, system.New())
	defer q.Close()
	server := newTestServer(q, "job-accepted")

	reqBody := []byte(`{"url":"https://example.com"}`)
	req := httptest.NewRequest(http.MethodPost, "/scan", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "job-accepted")
	require.Contains(t, rec.Body.String(), "/scan/status?jobId=job-accepted")

	job, err := q.Get(context.Background(), "job-accepted")
	require.NoError(t, err)
	require.Equal(t, scan.StateWaiting, job.State)
	require.Equal(t, "https://example.com", job.URL)
	require.True(t, job.IncludeFix, "includeAIFixes should default to true")
	require.NotEmpty(t, job.Submitter)
}

func TestServer_SubmitScan_IncludeFixOptOut(t *testing.T) {
	t.Parallel()
	metrics.Init()

	q := memqueue.New(memqueue.Config{}, system.New())
	defer q.Close()
	server := newTestServer(q, "job-nofix")

	reqBody := []byte(`{"url":"https://example.com","includeAIFixes":false}`)
	req := httptest.NewRequest(http.MethodPost, "/scan", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	job, err := q.Get(context.Background(), "job-nofix")
	require.NoError(t, err)
	require.False(t, job.IncludeFix)
}

func TestServer_SubmitScan_InvalidJSON(t *testing.T) {
	t.Parallel()
	metrics.Init()

	q := memqueue.New(memqueue.Config{}, system.New())
	defer q.Close()
	server := newTestServer(q)

	req := httptest.NewRequest(http.MethodPost, "/scan", bytes.NewBufferString("{invalid"))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid JSON")
}

func TestServer_SubmitScan_EmptyURL(t *testing.T) {
	t.Parallel()
	metrics.Init()

	q := memqueue.New(memqueue.Config{}, system.New())
	defer q.Close()
	server := newTestServer(q)

	req := httptest.NewRequest(http.MethodPost, "/scan", bytes.NewBufferString(`{"url":"   "}`))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid url")
}

// A scheme is not required at submission; unreachable targets surface later
// as job failures.
func TestServer_SubmitScan_SchemelessURLAccepted(t *testing.T) {
	t.Parallel()
	metrics.Init()

	q := memqueue.New(memqueue.Config{}, system.New())
	defer q.Close()
	server := newTestServer(q, "job-schemeless")

	req := httptest.NewRequest(http.MethodPost, "/scan", bytes.NewBufferString(`{"url":"example.com/pricing"}`))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	job, err := q.Get(context.Background(), "job-schemeless")
	require.NoError(t, err)
	require.Equal(t, "example.com/pricing", job.URL)
}

func TestServer_SubmitScan_RateLimited(t *testing.T) {
	t.Parallel()
	metrics.Init()

	q := memqueue.New(memqueue.Config{}, system.New())
	defer q.Close()
	server := newTestServer(q, "rate-1", "rate-2")

	post := func(forwardedFor string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/scan", bytes.NewBufferString(`{"url":"https://example.com"}`))
		if forwardedFor != "" {
			req.Header.Set("X-Forwarded-For", forwardedFor)
		}
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusAccepted, post("").Code)
	second := post("")
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	require.Contains(t, second.Body.String(), "rate limit")

	// A different submitter identity is not throttled.
	require.Equal(t, http.StatusAccepted, post("203.0.113.9").Code)
}

func TestServer_SubmitScan_BlockedHost(t *testing.T) {
	t.Parallel()
	metrics.Init()

	q := memqueue.New(memqueue.Config{}, system.New())
	defer q.Close()
	cfg := newTestConfig()
	cfg.Gateway.BlockedHosts = []string{"*.internal", "tracker.example.com"}
	server := NewServer(q, nil, &fakeIDGen{}, &fakeClock{now: time.Unix(100, 0)}, cfg, zap.NewNop())

	for _, target := range []string{"http://db.internal/admin", "https://tracker.example.com"} {
		body := fmt.Sprintf(`{"url":%q}`, target)
		req := httptest.NewRequest(http.MethodPost, "/scan", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusForbidden, rec.Code, "target %s", target)
	}

	req := httptest.NewRequest(http.MethodPost, "/scan", bytes.NewBufferString(`{"url":"https://ok.example.org"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestServer_SubmitScan_EnqueueFailure(t *testing.T) {
	t.Parallel()
	metrics.Init()

	server := newTestServer(&brokenQueue{})

	req := httptest.NewRequest(http.MethodPost, "/scan", bytes.NewBufferString(`{"url":"https://example.com"}`))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "could not enqueue scan")
}

func TestServer_ScanStatus_MissingJobID(t *testing.T) {
	t.Parallel()
	metrics.Init()

	q := memqueue.New(memqueue.Config{}, system.New())
	defer q.Close()
	server := newTestServer(q)

	req := httptest.NewRequest(http.MethodGet, "/scan/status", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "jobId required")
}

func TestServer_ScanStatus_UnknownJob(t *testing.T) {
	t.Parallel()
	metrics.Init()

	q := memqueue.New(memqueue.Config{}, system.New())
	defer q.Close()
	server := newTestServer(q)

	req := httptest.NewRequest(http.MethodGet, "/scan/status?jobId=nope", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ScanStatus_Waiting(t *testing.T) {
	t.Parallel()
	metrics.Init()

	q := memqueue.New(memqueue.Config{}, system.New())
	defer q.Close()
	require.NoError(t, q.Enqueue(context.Background(), scan.Job{
		ID:          "job-wait",
		URL:         "https://example.com",
		SubmittedAt: time.Now().UTC(),
	}))
	server := newTestServer(q)

	req := httptest.NewRequest(http.MethodGet, "/scan/status?jobId=job-wait", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "waiting", status.Status)
	require.Equal(t, 0, status.Progress)
	require.Nil(t, status.Result)
	require.Empty(t, status.Error)
}

func TestServer_ScanStatus_Completed(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx := context.Background()
	q := memqueue.New(memqueue.Config{}, system.New())
	defer q.Close()
	require.NoError(t, q.Enqueue(ctx, scan.Job{
		ID:          "job-done",
		URL:         "https://example.com",
		SubmittedAt: time.Now().UTC(),
	}))
	leased, err := q.Lease(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, leased.ID, scan.Result{
		URL: leased.URL,
		Violations: []scan.Violation{
			{RuleID: "image-alt", Impact: scan.ImpactCritical, Nodes: 2},
		},
		Summary:     scan.Summary{Total: 1, Critical: 1},
		CompletedAt: time.Now().UTC(),
	}))
	server := newTestServer(q)

	req := httptest.NewRequest(http.MethodGet, "/scan/status?jobId=job-done", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "completed", status.Status)
	require.Equal(t, 100, status.Progress)
	require.NotNil(t, status.Result)
	require.Equal(t, 1, status.Result.Summary.Total)
	require.Empty(t, status.Error)
}

func TestServer_ScanStatus_Failed(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx := context.Background()
	q := memqueue.New(memqueue.Config{
		Policy: queue.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, system.New())
	defer q.Close()
	require.NoError(t, q.Enqueue(ctx, scan.Job{
		ID:          "job-bad",
		URL:         "https://example.com/missing",
		SubmittedAt: time.Now().UTC(),
	}))
	leased, err := q.Lease(ctx)
	require.NoError(t, err)
	reason := scan.FailureReason(&scan.FetchError{
		URL:        leased.URL,
		StatusCode: http.StatusNotFound,
	})
	require.NoError(t, q.Fail(ctx, leased.ID, reason))
	server := newTestServer(q)

	req := httptest.NewRequest(http.MethodGet, "/scan/status?jobId=job-bad", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "failed", status.Status)
	require.Equal(t, 0, status.Progress)
	require.Nil(t, status.Result)
	require.Contains(t, status.Error, scan.ReasonFetchFailed)
	require.Contains(t, status.Error, "404")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()
	metrics.Init()

	q := memqueue.New(memqueue.Config{}, system.New())
	defer q.Close()
	cfg := newTestConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	server := NewServer(q, nil, &fakeIDGen{}, &fakeClock{now: time.Unix(100, 0)}, cfg, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()
	metrics.Init()

	q := memqueue.New(memqueue.Config{}, system.New())
	server := newTestServer(q)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// A closed queue is not ready.
	require.NoError(t, q.Close())
	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()
	metrics.Init()

	q := memqueue.New(memqueue.Config{}, system.New())
	defer q.Close()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	newTestServer(q).Handler().ServeHTTP(rec, req)

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestClientIdentity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name         string
		forwardedFor string
		remoteAddr   string
		want         string
	}{
		{"first forwarded hop wins", "203.0.113.9, 10.0.0.1", "192.0.2.1:1234", "203.0.113.9"},
		{"forwarded hop trimmed", "  203.0.113.9  ", "192.0.2.1:1234", "203.0.113.9"},
		{"remote addr fallback", "", "192.0.2.7:9999", "192.0.2.7"},
		{"remote addr without port", "", "badaddr", "badaddr"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.forwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tc.forwardedFor)
			}
			if got := clientIdentity(req); got != tc.want {
				t.Fatalf("clientIdentity = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

func newTestConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, TimeoutSeconds: 30},
		Gateway: config.GatewayConfig{
			RateWindowSeconds: 3600,
			RateBurst:         1,
			WatchIntervalMs:   10,
		},
		Logging: config.LoggingConfig{Development: true},
	}
}

func newTestServer(q scan.Queue, ids ...string) *Server {
	return NewServer(
		q,
		nil,
		&fakeIDGen{ids: ids},
		&fakeClock{now: time.Unix(100, 0)},
		newTestConfig(),
		zap.NewNop(),
	)
}

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "id-default", nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

// brokenQueue simulates a backend outage.
type brokenQueue struct{}

func (*brokenQueue) Enqueue(context.Context, scan.Job) error { return errors.New("backend down") }

func (*brokenQueue) Lease(ctx context.Context) (scan.Job, error) {
	<-ctx.Done()
	return scan.Job{}, ctx.Err()
}

func (*brokenQueue) UpdateProgress(context.Context, string, int) error {
	return errors.New("backend down")
}

func (*brokenQueue) Complete(context.Context, string, scan.Result) error {
	return errors.New("backend down")
}

func (*brokenQueue) Fail(context.Context, string, string) error { return errors.New("backend down") }

func (*brokenQueue) Get(context.Context, string) (scan.Job, error) {
	return scan.Job{}, scan.ErrJobNotFound
}

func (*brokenQueue) Close() error { return nil }

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
