package flake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flakeguard/flakeguard/internal/store"
)

func testScorerConfig() ScorerConfig {
	return ScorerConfig{
		WindowSize:           50,
		QuarantineThreshold:  0.6,
		WarnThreshold:        0.3,
		MinRunsForQuarantine: 5,
		MinRecentFailures:    2,
		LookbackDays:         14,
	}
}

func occurrence(status string, attempt int, at time.Time, signature string) store.Occurrence {
	occ := store.Occurrence{Status: status, Attempt: attempt, CreatedAt: at}
	if signature != "" {
		occ.MessageSignature = &signature
	}
	return occ
}

// alternatingWindow builds ten passes followed by four fail/rerun-pass/pass
// cycles, the shape of a timeout flake that recovers on retry.
func alternatingWindow(base time.Time) []store.Occurrence {
	sig := "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4"
	var window []store.Occurrence

	at := base
	for i := 0; i < 10; i++ {
		window = append(window, occurrence(store.StatusPassed, 1, at, ""))
		at = at.Add(6 * time.Hour)
	}
	for i := 0; i < 4; i++ {
		window = append(window, occurrence(store.StatusFailed, 1, at, sig))
		window = append(window, occurrence(store.StatusPassed, 2, at.Add(5*time.Minute), ""))
		at = at.Add(6 * time.Hour)
		window = append(window, occurrence(store.StatusPassed, 1, at, ""))
		at = at.Add(6 * time.Hour)
	}
	return window
}

func TestScorer_Score_AlternatingWithRerunPasses(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	window := alternatingWindow(base)
	now := window[len(window)-1].CreatedAt.Add(time.Hour)

	result := NewScorer(testScorerConfig()).Score(window, nil, now)

	require.Equal(t, 22, result.Features.Total)
	require.Equal(t, 4, result.Features.Failures)
	require.InDelta(t, 0.47, result.Features.Intermittency, 0.01)
	require.InDelta(t, 1.0, result.Features.RerunPassRate, 0.001)
	require.Equal(t, 1, result.Features.MaxConsecutiveFailures)
	require.Equal(t, 4, result.Features.RecentFailures)

	require.Greater(t, result.Score, 0.6)
	require.Equal(t, RecommendQuarantine, result.Recommendation)
	require.InDelta(t, 1.0, result.Confidence, 0.001)
	require.Equal(t, PriorityHigh, result.Priority)
}

func TestScorer_Score_ConsistentlyBroken(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	sig := "deadbeefdeadbeefdeadbeefdeadbeef"

	var window []store.Occurrence
	for i := 0; i < 20; i++ {
		window = append(window, occurrence(store.StatusFailed, 1, base.Add(time.Duration(i)*6*time.Hour), sig))
	}
	now := window[len(window)-1].CreatedAt.Add(time.Hour)

	result := NewScorer(testScorerConfig()).Score(window, nil, now)

	require.Zero(t, result.Features.Intermittency)
	require.Equal(t, 20, result.Features.MaxConsecutiveFailures)
	require.Equal(t, 20, result.Features.ConsecutiveFailures)
	require.InDelta(t, 1.0, result.Features.FailSuccessRatio, 0.001)

	require.Less(t, result.Score, 0.3)
	require.Equal(t, RecommendNone, result.Recommendation)
}

func TestScorer_Score_SingleRunScoresZero(t *testing.T) {
	now := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	window := []store.Occurrence{
		occurrence(store.StatusFailed, 1, now.Add(-2*time.Hour), "deadbeefdeadbeefdeadbeefdeadbeef"),
	}

	result := NewScorer(testScorerConfig()).Score(window, nil, now)

	require.Zero(t, result.Score)
	require.Equal(t, RecommendNone, result.Recommendation)
}

func TestScorer_Score_EmptyWindow(t *testing.T) {
	result := NewScorer(testScorerConfig()).Score(nil, nil, time.Now())

	require.Zero(t, result.Score)
	require.Zero(t, result.Features.Total)
	require.Equal(t, RecommendNone, result.Recommendation)
}

func TestScorer_Score_StaleFailuresBlockRecommendation(t *testing.T) {
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	window := alternatingWindow(base)
	// All failures fall outside the lookback window.
	now := base.AddDate(0, 2, 0)

	result := NewScorer(testScorerConfig()).Score(window, nil, now)

	require.Zero(t, result.Features.RecentFailures)
	require.Equal(t, RecommendNone, result.Recommendation)
}

func TestScorer_Score_SkippedRunsDoNotBreakIntermittency(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	sig := "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4"

	window := []store.Occurrence{
		occurrence(store.StatusPassed, 1, base, ""),
		occurrence(store.StatusSkipped, 1, base.Add(6*time.Hour), ""),
		occurrence(store.StatusFailed, 1, base.Add(12*time.Hour), sig),
		occurrence(store.StatusPassed, 1, base.Add(18*time.Hour), ""),
	}
	now := base.Add(20 * time.Hour)

	result := NewScorer(testScorerConfig()).Score(window, nil, now)

	// Skips drop out of the sequence: P F P yields two flips over two pairs.
	require.InDelta(t, 1.0, result.Features.Intermittency, 0.001)
}

func TestScorer_Score_ConfidenceBoostsWithHistory(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	window := alternatingWindow(base)
	now := window[len(window)-1].CreatedAt.Add(time.Hour)
	firstSeen := base.AddDate(0, -1, 0)

	scorer := NewScorer(testScorerConfig())
	withHistory := scorer.Score(window, &firstSeen, now)
	require.Greater(t, withHistory.Features.DaysSinceFirstSeen, 7.0)
	require.InDelta(t, 1.0, withHistory.Confidence, 0.001)

	// A brand-new test gets its confidence halved.
	shortWindow := []store.Occurrence{
		occurrence(store.StatusPassed, 1, now.Add(-3*time.Hour), ""),
		occurrence(store.StatusFailed, 1, now.Add(-2*time.Hour), "deadbeefdeadbeefdeadbeefdeadbeef"),
		occurrence(store.StatusPassed, 1, now.Add(-1*time.Hour), ""),
	}
	fresh := scorer.Score(shortWindow, nil, now)
	require.Less(t, fresh.Features.DaysSinceFirstSeen, 1.0)
	require.InDelta(t, 3.0/20*0.5, fresh.Confidence, 0.001)
}
