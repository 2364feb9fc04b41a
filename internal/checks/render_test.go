package checks

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flakeguard/flakeguard/internal/flake"
	"github.com/flakeguard/flakeguard/internal/store"
)

func testRepo() RepoInfo {
	return RepoInfo{Host: "github.com", Owner: "acme", Name: "widgets", DefaultBranch: "main"}
}

func candidate(name string, score, confidence float64) *flake.Analysis {
	return &flake.Analysis{
		TestCase:       &store.TestCase{ClassName: "com.example.SuiteTest", Name: name},
		Score:          score,
		Confidence:     confidence,
		Recommendation: flake.RecommendWarn,
		Features:       flake.Features{Failures: 3, RecentFailures: 2},
		WindowN:        50,
	}
}

func TestRenderer_Render_NoCandidates(t *testing.T) {
	stable := &flake.Analysis{Recommendation: flake.RecommendNone}

	out := NewRenderer(0).Render(testRepo(), []*flake.Analysis{stable})

	require.Equal(t, "FlakeGuard: no flaky test candidates", out.Title)
	require.Contains(t, out.Summary, "No flaky test candidates were detected")
	require.Empty(t, out.Actions)
}

func TestRenderer_Render_Deterministic(t *testing.T) {
	analyses := []*flake.Analysis{
		candidate("testAlpha", 0.7, 0.9),
		candidate("testBeta", 0.6, 0.8),
	}

	r := NewRenderer(0)
	first := r.Render(testRepo(), analyses)
	second := r.Render(testRepo(), analyses)
	require.Equal(t, first, second)
}

func TestRenderer_Render_OrderedByConfidence(t *testing.T) {
	analyses := []*flake.Analysis{
		candidate("testLowConfidence", 0.9, 0.4),
		candidate("testHighConfidence", 0.6, 0.95),
	}

	out := NewRenderer(0).Render(testRepo(), analyses)

	require.Equal(t, "FlakeGuard: 2 flaky test candidates", out.Title)
	high := strings.Index(out.Summary, "testHighConfidence")
	low := strings.Index(out.Summary, "testLowConfidence")
	require.Greater(t, low, high)
}

func TestRenderer_Render_ActionSelection(t *testing.T) {
	critical1 := candidate("testCritical1", 0.85, 0.9)
	critical2 := candidate("testCritical2", 0.82, 0.9)
	recent := candidate("testRecent", 0.4, 0.6)
	persistent := candidate("testPersistent", 0.45, 0.6)
	persistent.Features.MaxConsecutiveFailures = 4
	persistent.Features.RecentFailures = 0

	out := NewRenderer(0).Render(testRepo(),
		[]*flake.Analysis{critical1, critical2, recent, persistent})

	require.Len(t, out.Actions, 3)
	require.Equal(t, ActionQuarantine, out.Actions[0].Identifier)
	require.Equal(t, "Quarantine 2 tests", out.Actions[0].Label)
	require.Equal(t, ActionRerunFailed, out.Actions[1].Identifier)
	require.Equal(t, ActionOpenIssue, out.Actions[2].Identifier)
	require.Equal(t, "Open issue for 1 test", out.Actions[2].Label)
}

func TestRenderer_Render_QuarantineRecommendationIsCritical(t *testing.T) {
	// A quarantine verdict counts as critical even below the 0.8 score line.
	quarantined := candidate("testQuarantine", 0.65, 0.9)
	quarantined.Recommendation = flake.RecommendQuarantine
	quarantined.Features.RecentFailures = 0

	out := NewRenderer(0).Render(testRepo(), []*flake.Analysis{quarantined})

	require.NotEmpty(t, out.Actions)
	require.Equal(t, ActionQuarantine, out.Actions[0].Identifier)
	require.Equal(t, "Quarantine 1 test", out.Actions[0].Label)
}

func TestRenderer_Render_TableCappedAtTwentyRows(t *testing.T) {
	var analyses []*flake.Analysis
	for i := 0; i < 25; i++ {
		analyses = append(analyses, candidate(fmt.Sprintf("testCase%02d", i), 0.5, 0.5))
	}

	out := NewRenderer(0).Render(testRepo(), analyses)

	require.Contains(t, out.Summary, "*Showing top 20 of 25 total candidates.*")
	require.Equal(t, 20, strings.Count(out.Summary, "/ testCase"))
}

func TestRenderer_Render_SummaryByteCapTrimsWholeRows(t *testing.T) {
	var analyses []*flake.Analysis
	for i := 0; i < 10; i++ {
		analyses = append(analyses, candidate(fmt.Sprintf("testCase%02d", i), 0.5, 0.5))
	}

	maxBytes := 500
	out := NewRenderer(maxBytes).Render(testRepo(), analyses)

	require.LessOrEqual(t, len(out.Summary), maxBytes)
	require.Contains(t, out.Summary, "of 10 total candidates.*")
	// Rows are dropped whole, never cut mid-line.
	for _, line := range strings.Split(strings.TrimRight(out.Summary, "\n"), "\n") {
		if strings.HasPrefix(line, "| `") {
			require.True(t, strings.HasSuffix(line, "|"), "row %q is truncated", line)
		}
	}
}

func TestRenderer_Render_EscapesAndTruncatesNames(t *testing.T) {
	tricky := candidate("test|With*Markdown", 0.5, 0.5)
	long := candidate(strings.Repeat("x", 80), 0.5, 0.5)
	long.TestCase.ClassName = ""

	out := NewRenderer(0).Render(testRepo(), []*flake.Analysis{tricky, long})

	require.Contains(t, out.Summary, `test\|With\*Markdown`)
	require.Contains(t, out.Summary, strings.Repeat("x", 49)+"…")
	require.NotContains(t, out.Summary, strings.Repeat("x", 50))
}

func TestRenderer_Render_FileLink(t *testing.T) {
	file := "src/test/java/com/example/SuiteTest.java"
	linked := candidate("testLinked", 0.5, 0.9)
	linked.TestCase.File = &file
	linked.Line = 42
	bare := candidate("testBare", 0.5, 0.5)

	out := NewRenderer(0).Render(testRepo(), []*flake.Analysis{linked, bare})

	require.Contains(t, out.Summary,
		"(https://github.com/acme/widgets/blob/main/src/test/java/com/example/SuiteTest.java#L42)")
	require.Contains(t, out.Summary, "| `com.example.SuiteTest / testBare` |")
}

func TestSeverity_Buckets(t *testing.T) {
	require.Equal(t, "🔴 critical", severity(0.8))
	require.Equal(t, "🟡 warning", severity(0.5))
	require.Equal(t, "🟢 stable", severity(0.49))
	require.Equal(t, "🔴 critical", severity(1.5))
}

func TestPluralize(t *testing.T) {
	require.Equal(t, "1 test", pluralize(1, "test"))
	require.Equal(t, "3 tests", pluralize(3, "test"))
	require.Equal(t, "0 tests", pluralize(0, "test"))
}
