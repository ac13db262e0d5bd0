package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPolicyBackoffDoubles(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}

	require.Equal(t, time.Second, p.Backoff(1))
	require.Equal(t, 2*time.Second, p.Backoff(2))
	require.Equal(t, 4*time.Second, p.Backoff(3))
}

func TestPolicyBackoffCaps(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 3 * time.Second}

	require.Equal(t, 3*time.Second, p.Backoff(5))
	require.Equal(t, 3*time.Second, p.Backoff(50))
}

func TestPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := Policy{}.Normalized()
	require.Equal(t, DefaultMaxAttempts, p.MaxAttempts)

	require.True(t, p.ShouldRetry(1))
	require.True(t, p.ShouldRetry(2))
	require.False(t, p.ShouldRetry(3))
	require.False(t, p.ShouldRetry(4))
}

func TestPolicyNormalizedDefaults(t *testing.T) {
	t.Parallel()

	p := Policy{}.Normalized()
	require.Equal(t, DefaultBaseDelay, p.BaseDelay)
	require.Equal(t, DefaultMaxDelay, p.MaxDelay)

	custom := Policy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}.Normalized()
	require.Equal(t, 5, custom.MaxAttempts)
	require.Equal(t, 10*time.Millisecond, custom.BaseDelay)
}
