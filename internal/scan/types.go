// Package scan defines core types shared across subsystems.
package scan

import (
	"net/http"
	"time"
)

// JobState represents the lifecycle state of a scan job.
type JobState string

// Job states persisted in the queue.
const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateDelayed   JobState = "delayed"
)

// IsTerminal reports whether the state permits no further transitions.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Progress checkpoints reported by the worker pipeline.
const (
	ProgressAccepted      = 10
	ProgressFetchStarted  = 20
	ProgressDetectorReady = 40
	ProgressDetectorDone  = 60
	ProgressSuggestDone   = 80
	ProgressComplete      = 100
)

// FixSuggestionsUnavailable is substituted into results when the fix
// suggester was asked for text but could not produce any. Suggester outages
// never fail a scan.
const FixSuggestionsUnavailable = "fix suggestions are currently unavailable"

// Job represents the metadata persisted for each submitted scan request.
type Job struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	IncludeFix  bool      `json:"includeAIFixes"`
	Submitter   string    `json:"submitter,omitempty"`
	Priority    int       `json:"priority,omitempty"`
	State       JobState  `json:"state"`
	Progress    int       `json:"progress"`
	Attempts    int       `json:"attempts"`
	SubmittedAt time.Time `json:"submittedAt"`
	// RunAt schedules delayed jobs; the zero value means run immediately.
	RunAt         time.Time  `json:"runAt,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	Result        *Result    `json:"result,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	// LastError records the most recent attempt failure while retries remain.
	LastError string `json:"lastError,omitempty"`
}

// Impact buckets violations by severity. Unrecognized detector output maps
// to ImpactUnknown rather than being dropped.
type Impact string

// Impact levels, ordered from most to least severe.
const (
	ImpactCritical Impact = "critical"
	ImpactSerious  Impact = "serious"
	ImpactModerate Impact = "moderate"
	ImpactMinor    Impact = "minor"
	ImpactUnknown  Impact = "unknown"
)

// Violation is one accessibility finding in normalized form.
type Violation struct {
	RuleID      string `json:"ruleId"`
	Impact      Impact `json:"impact"`
	Description string `json:"description"`
	Help        string `json:"help,omitempty"`
	HelpURL     string `json:"helpUrl,omitempty"`
	Nodes       int    `json:"nodes"`
}

// RawViolation is the loosely structured shape produced by detector
// engines before normalization at the worker boundary.
type RawViolation struct {
	RuleID      string
	Impact      string
	Description string
	Help        string
	HelpURL     string
	Targets     []string
	Nodes       int
}

// Summary aggregates violation counts for a completed scan. Total always
// equals the violation count; impacts outside the four named buckets
// (unknown) contribute to Total only.
type Summary struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	Serious  int `json:"serious"`
	Moderate int `json:"moderate"`
	Minor    int `json:"minor"`
}

// Result is the payload attached to a completed job.
type Result struct {
	URL            string      `json:"url"`
	Violations     []Violation `json:"violations"`
	Summary        Summary     `json:"summary"`
	FixSuggestions string      `json:"fixSuggestions,omitempty"`
	SnapshotURI    string      `json:"snapshotUri,omitempty"`
	Rendered       bool        `json:"rendered,omitempty"`
	CompletedAt    time.Time   `json:"completedAt"`
}

// CompletionEvent is the message published to downstream consumers whenever
// a job reaches a terminal state.
type CompletionEvent struct {
	JobID           string `json:"job_id"`
	URL             string `json:"url"`
	Status          string `json:"status"`
	TotalViolations int    `json:"total_violations"`
	Timestamp       string `json:"timestamp"`
}

// FetchRequest captures everything needed to fetch a page for scanning.
type FetchRequest struct {
	JobID   string
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Rendered   bool
}
