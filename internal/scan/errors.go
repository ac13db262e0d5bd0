package scan

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by queue backends and the gateway.
var (
	ErrJobNotFound = errors.New("scan: job not found")
	ErrQueueClosed = errors.New("scan: queue closed")
	ErrTerminal    = errors.New("scan: job already terminal")
)

// Failure reason codes. A job's failure reason is formatted as
// "<code>: <detail>" so operators can group failures without parsing prose.
const (
	ReasonFetchFailed   = "fetch_failed"
	ReasonFetchTimeout  = "fetch_timeout"
	ReasonJobTimeout    = "job_timeout"
	ReasonDetectorError = "detector_error"
	ReasonInternal      = "internal_error"
)

// ValidationError rejects a submission before it reaches the queue.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// FetchError reports a failed page fetch. StatusCode is zero for transport
// errors and set for non-2xx responses.
type FetchError struct {
	URL        string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("fetch timed out for %s", e.URL)
	case e.StatusCode > 0:
		return fmt.Sprintf("unexpected status %d fetching %s", e.StatusCode, e.URL)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch %s failed", e.URL)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// TimeoutScope distinguishes a fetch deadline from the whole-job deadline.
type TimeoutScope string

const (
	TimeoutFetch TimeoutScope = "fetch"
	TimeoutJob   TimeoutScope = "job"
)

// TimeoutError reports that a stage or the whole job exceeded its budget.
type TimeoutError struct {
	Scope TimeoutScope
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded %s budget", e.Scope, e.Limit)
}

// DetectorError wraps a failure inside the accessibility rule engine.
type DetectorError struct {
	Err error
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("detector: %v", e.Err)
}

func (e *DetectorError) Unwrap() error { return e.Err }

// SuggesterError reports a failed fix-suggestion call. Quota marks
// rate-limit or billing rejections from the upstream model API.
type SuggesterError struct {
	Quota bool
	Err   error
}

func (e *SuggesterError) Error() string {
	if e.Quota {
		return fmt.Sprintf("suggester quota exhausted: %v", e.Err)
	}
	return fmt.Sprintf("suggester: %v", e.Err)
}

func (e *SuggesterError) Unwrap() error { return e.Err }

// FailureReason renders a pipeline error as a "<code>: <detail>" string
// suitable for Queue.Fail.
func FailureReason(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		if fe.Timeout {
			return fmt.Sprintf("%s: %s", ReasonFetchTimeout, fe.Error())
		}
		return fmt.Sprintf("%s: %s", ReasonFetchFailed, fe.Error())
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		if te.Scope == TimeoutJob {
			return fmt.Sprintf("%s: %s", ReasonJobTimeout, te.Error())
		}
		return fmt.Sprintf("%s: %s", ReasonFetchTimeout, te.Error())
	}
	var de *DetectorError
	if errors.As(err, &de) {
		return fmt.Sprintf("%s: %s", ReasonDetectorError, de.Error())
	}
	return fmt.Sprintf("%s: %v", ReasonInternal, err)
}
