package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/accessprobe/scand/internal/store"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 500
	historyTimeout   = 3 * time.Second
)

// runDTO is the JSON projection of a persisted scan run.
type runDTO struct {
	JobID      string     `json:"jobId"`
	URL        string     `json:"url"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
}

type violationStatsDTO struct {
	Impact     string    `json:"impact"`
	Count      int64     `json:"count"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// recentScans handles GET /scans/recent?status=&limit=&offset=. Runs come
// from the audit trail, newest first, so they outlive queue retention. It
// returns {"runs": [...]} on success, 400 for invalid filters, 503 when no
// audit store is configured, or 500 if the repository call fails.
func (s *Server) recentScans(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "scan history unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunsLimit, maxRunsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.RunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := parseRunStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), historyTimeout)
	defer cancel()

	runs, err := s.history.ListRuns(ctx, status, limit, offset)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list scans")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": toRunDTOs(runs)})
}

// violationStats handles GET /scans/stats?jobId=. It joins the run row with
// its per-impact violation aggregates. It returns {"run": ..., "stats": [...]}
// on success, 404 when the job has no audit record, 503 when no audit store is
// configured, or 500 for repository errors.
func (s *Server) violationStats(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "scan history unavailable")
		return
	}
	jobID := strings.TrimSpace(r.URL.Query().Get("jobId"))
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "jobId required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), historyTimeout)
	defer cancel()

	run, err := s.history.GetRun(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scan not found")
			return
		}
		s.logger.Error("get run failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load scan")
		return
	}
	stats, err := s.history.ListViolationStats(ctx, jobID)
	if err != nil {
		s.logger.Error("list violation stats failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load scan stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":   toRunDTO(run),
		"stats": toViolationStatsDTOs(stats),
	})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseRunStatus(input string) (store.RunStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return store.RunRunning, nil
	case "completed", "success":
		return store.RunCompleted, nil
	case "failed", "error":
		return store.RunFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}

func toRunDTOs(in []store.Run) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toRunDTO(run))
	}
	return out
}

func toRunDTO(run store.Run) runDTO {
	return runDTO{
		JobID:      run.JobID,
		URL:        run.URL,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Error:      run.ErrorMessage,
	}
}

func toViolationStatsDTOs(in []store.ViolationStats) []violationStatsDTO {
	out := make([]violationStatsDTO, 0, len(in))
	for _, st := range in {
		out = append(out, violationStatsDTO{
			Impact:     st.Impact,
			Count:      st.Count,
			LastUpdate: st.LastUpdate,
		})
	}
	return out
}
