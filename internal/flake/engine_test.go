package flake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flakeguard/flakeguard/internal/store"
)

func testEngine() *Engine {
	return NewEngine(nil, testScorerConfig(), 0)
}

// withTimeoutMessages attaches a timeout failure message to every failed
// occurrence so the pattern detector has something to chew on.
func withTimeoutMessages(window []store.Occurrence) []store.Occurrence {
	msg := "Test timed out after 30000ms"
	for i := range window {
		if window[i].Failed() {
			window[i].Message = &msg
		}
	}
	return window
}

func TestEngine_analyze_MethodsAgree(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	window := withTimeoutMessages(alternatingWindow(base))
	now := window[len(window)-1].CreatedAt.Add(time.Hour)

	analysis := testEngine().analyze(nil, window, nil, now)

	require.Greater(t, analysis.Score, 0.6)
	require.Equal(t, RecommendQuarantine, analysis.Recommendation)
	require.Equal(t, 22, analysis.WindowN)

	// Scorer, temporal and pattern methods all vote flaky here, so the
	// combined confidence lands at the ceiling.
	require.InDelta(t, 1.0, analysis.Confidence, 0.001)

	require.NotEmpty(t, analysis.Patterns)
	require.Equal(t, PatternTimeout, analysis.Patterns[0].Name)
	require.Len(t, analysis.Temporal.Clusters, 4)

	// Retries always pass, which is an environmental signal, but high
	// priority is not bumped further.
	require.Equal(t, PriorityHigh, analysis.Priority)
}

func TestEngine_analyze_StrongPatternPromotesWarn(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	sig := "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4"

	// Alternating without rerun evidence keeps the score in the warn band.
	var window []store.Occurrence
	statuses := []string{
		store.StatusPassed, store.StatusFailed, store.StatusPassed, store.StatusFailed,
		store.StatusPassed, store.StatusFailed, store.StatusPassed, store.StatusFailed,
		store.StatusPassed, store.StatusPassed,
	}
	for i, status := range statuses {
		s := ""
		if status == store.StatusFailed {
			s = sig
		}
		window = append(window, occurrence(status, 1, base.Add(time.Duration(i)*6*time.Hour), s))
	}
	window = withTimeoutMessages(window)
	now := window[len(window)-1].CreatedAt.Add(time.Hour)

	scorerOnly := NewScorer(testScorerConfig()).Score(window, nil, now)
	require.Equal(t, RecommendWarn, scorerOnly.Recommendation)

	analysis := testEngine().analyze(nil, window, nil, now)
	require.Equal(t, RecommendQuarantine, analysis.Recommendation)
}

func TestEngine_analyze_NoFailures(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	var window []store.Occurrence
	for i := 0; i < 10; i++ {
		window = append(window, occurrence(store.StatusPassed, 1, base.Add(time.Duration(i)*6*time.Hour), ""))
	}
	now := window[len(window)-1].CreatedAt.Add(time.Hour)

	analysis := testEngine().analyze(nil, window, nil, now)

	require.Zero(t, analysis.Score)
	require.Equal(t, RecommendNone, analysis.Recommendation)
	require.Empty(t, analysis.Patterns)
	require.Empty(t, analysis.Temporal.Clusters)
}

func TestEngine_analyze_EnvironmentBumpsPriority(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	sig := "deadbeefdeadbeefdeadbeefdeadbeef"

	// A weak flake on a runner with wildly unstable runtimes. The scorer
	// alone ranks it low; the duration signal lifts it one level.
	durations := []int{10, 10, 0, 10, 10, 0, 10, 10000}
	statuses := []string{
		store.StatusPassed, store.StatusPassed, store.StatusFailed, store.StatusPassed,
		store.StatusPassed, store.StatusFailed, store.StatusPassed, store.StatusPassed,
	}
	var window []store.Occurrence
	for i, status := range statuses {
		s := ""
		if status == store.StatusFailed {
			s = sig
		}
		occ := occurrence(status, 1, base.Add(time.Duration(i)*6*time.Hour), s)
		occ.DurationMS = durations[i]
		window = append(window, occ)
	}
	now := window[len(window)-1].CreatedAt.Add(time.Hour)

	scorerOnly := NewScorer(testScorerConfig()).Score(window, nil, now)
	analysis := testEngine().analyze(nil, window, nil, now)

	require.Equal(t, bumpPriority(scorerOnly.Priority), analysis.Priority)
	require.NotEqual(t, scorerOnly.Priority, analysis.Priority)
}

func TestBumpPriority(t *testing.T) {
	require.Equal(t, PriorityMedium, bumpPriority(PriorityLow))
	require.Equal(t, PriorityHigh, bumpPriority(PriorityMedium))
	require.Equal(t, PriorityHigh, bumpPriority(PriorityHigh))
	require.Equal(t, PriorityCritical, bumpPriority(PriorityCritical))
}
