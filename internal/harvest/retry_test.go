package harvest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShouldRetryRespectsAttemptCap(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(3, time.Millisecond, time.Second)
	err := CardFailure{Kind: FailureTransientFetch}

	require.True(t, policy.ShouldRetry(err, 1))
	require.True(t, policy.ShouldRetry(err, 2))
	require.False(t, policy.ShouldRetry(err, 3))
}

func TestShouldRetryByFailureKind(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(5, time.Millisecond, time.Second)

	cases := []struct {
		kind FailureKind
		want bool
	}{
		{FailureTransientFetch, true},
		{FailureStorageUnavailable, true},
		{FailureContentMalformed, false},
		{FailureHTMLIncomplete, false},
		{FailurePDFUnreadable, false},
	}
	for _, tc := range cases {
		got := policy.ShouldRetry(CardFailure{Kind: tc.kind}, 1)
		require.Equal(t, tc.want, got, "kind %s", tc.kind)
	}
}

func TestShouldRetryStopsOnContextErrors(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(5, time.Millisecond, time.Second)

	require.False(t, policy.ShouldRetry(context.Canceled, 1))
	require.False(t, policy.ShouldRetry(context.DeadlineExceeded, 1))
	require.False(t, policy.ShouldRetry(nil, 1))
	require.True(t, policy.ShouldRetry(errors.New("transient"), 1))
}

func TestBackoffStaysWithinBounds(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(10, 100*time.Millisecond, time.Second)
	for attempt := 1; attempt <= 9; attempt++ {
		delay := policy.Backoff(attempt)
		require.Greater(t, delay, time.Duration(0))
		require.LessOrEqual(t, delay, time.Second)
	}
}
