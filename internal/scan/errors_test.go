package scan

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFailureReasonCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		err      error
		code     string
		contains string
	}{
		{
			name:     "http status",
			err:      &FetchError{URL: "https://example.com", StatusCode: 404},
			code:     ReasonFetchFailed,
			contains: "404",
		},
		{
			name:     "fetch timeout",
			err:      &FetchError{URL: "https://example.com", Timeout: true},
			code:     ReasonFetchTimeout,
			contains: "timed out",
		},
		{
			name:     "job budget",
			err:      &TimeoutError{Scope: TimeoutJob, Limit: 2 * time.Minute},
			code:     ReasonJobTimeout,
			contains: "job",
		},
		{
			name:     "detector",
			err:      &DetectorError{Err: errors.New("bad parse")},
			code:     ReasonDetectorError,
			contains: "bad parse",
		},
		{
			name:     "unclassified",
			err:      errors.New("boom"),
			code:     ReasonInternal,
			contains: "boom",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			reason := FailureReason(tc.err)
			require.Contains(t, reason, tc.code+": ")
			require.Contains(t, reason, tc.contains)
		})
	}
}

func TestFailureReasonDistinguishesTimeouts(t *testing.T) {
	t.Parallel()

	fetch := FailureReason(&TimeoutError{Scope: TimeoutFetch, Limit: 30 * time.Second})
	job := FailureReason(&TimeoutError{Scope: TimeoutJob, Limit: 120 * time.Second})
	require.NotEqual(t, fetch, job)
	require.Contains(t, fetch, ReasonFetchTimeout)
	require.Contains(t, job, ReasonJobTimeout)
}

func TestFetchErrorUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("connection refused")
	err := &FetchError{URL: "http://localhost:1", Err: inner}
	require.ErrorIs(t, err, inner)
	require.Contains(t, err.Error(), "connection refused")
}

func TestTerminalStates(t *testing.T) {
	t.Parallel()

	require.True(t, StateCompleted.IsTerminal())
	require.True(t, StateFailed.IsTerminal())
	require.False(t, StateWaiting.IsTerminal())
	require.False(t, StateActive.IsTerminal())
	require.False(t, StateDelayed.IsTerminal())
}
