package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flakeguard/flakeguard/internal/apperrors"
)

func TestDecide_ValidationNeverRetries(t *testing.T) {
	kinds := []apperrors.Kind{
		apperrors.KindBadRequest,
		apperrors.KindAuthFailure,
		apperrors.KindArtifactTooLarge,
		apperrors.KindArtifactExpired,
	}

	for _, kind := range kinds {
		decision := Decide(apperrors.New(kind, "nope"), 1)
		require.False(t, decision.Retry, "kind %s must not retry", kind)
	}
}

func TestDecide_RateLimitWaitsForReset(t *testing.T) {
	reset := time.Now().Add(90 * time.Second)
	err := apperrors.RateLimited(reset, errors.New("403 rate limited"))

	decision := Decide(err, 1)

	require.True(t, decision.Retry)
	require.Greater(t, decision.Delay, 80*time.Second)
	require.Less(t, decision.Delay, 2*time.Minute)
}

func TestDecide_RateLimitWithPastResetBacksOff(t *testing.T) {
	reset := time.Now().Add(-time.Minute)
	err := apperrors.RateLimited(reset, errors.New("403 rate limited"))

	decision := Decide(err, 1)

	require.True(t, decision.Retry)
	require.Less(t, decision.Delay, time.Minute)
}

func TestDecide_ParseErrorGetsOneRetry(t *testing.T) {
	err := apperrors.New(apperrors.KindParseError, "bad xml")

	require.True(t, Decide(err, 1).Retry)
	require.False(t, Decide(err, 2).Retry)
	require.False(t, Decide(err, 5).Retry)
}

func TestDecide_UpstreamAlwaysRetries(t *testing.T) {
	err := apperrors.New(apperrors.KindUpstreamUnavailable, "502")

	for attempt := 1; attempt <= 10; attempt++ {
		decision := Decide(err, attempt)
		require.True(t, decision.Retry)
		require.Positive(t, decision.Delay)
	}
}

func TestDecide_UnclassifiedRetriesOnce(t *testing.T) {
	err := errors.New("something broke")

	require.True(t, Decide(err, 1).Retry)
	require.False(t, Decide(err, 2).Retry)
}

func TestBackoff_CapsAndJitters(t *testing.T) {
	for attempt := 1; attempt <= 20; attempt++ {
		d := backoff(attempt)
		require.GreaterOrEqual(t, d, backoffBase/2)
		require.LessOrEqual(t, d, backoffBase/2+backoffCap)
	}
}
