package flake

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/flakeguard/flakeguard/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// flakyThreshold is where each detection method casts its "flaky" vote.
const flakyThreshold = 0.5

// Analysis is the combined verdict for one test case.
type Analysis struct {
	TestCase       *store.TestCase
	Score          float64
	Confidence     float64
	Features       Features
	Recommendation string
	Priority       string
	Temporal       TemporalAnalysis
	Patterns       []PatternMatch
	Environment    []EnvFactor
	WindowN        int
	// Line is the source line of the test when a report declared one.
	Line int
}

// FailCount is a renderer convenience.
func (a *Analysis) FailCount() int {
	return a.Features.Failures
}

// Engine runs the scorer, the temporal analyzer, pattern detection and the
// environmental heuristics for a test and combines their outputs.
type Engine struct {
	store      *store.Store
	scorer     *Scorer
	clusterGap time.Duration
}

// NewEngine creates a detection engine.
func NewEngine(st *store.Store, cfg ScorerConfig, clusterGap time.Duration) *Engine {
	if clusterGap <= 0 {
		clusterGap = DefaultClusterGap
	}
	return &Engine{store: st, scorer: NewScorer(cfg), clusterGap: clusterGap}
}

// AnalyzeTest loads the occurrence window for a test, runs every detection
// method and persists the resulting score row.
func (e *Engine) AnalyzeTest(ctx context.Context, testCaseID uuid.UUID) (*Analysis, error) {
	tc, err := e.store.GetTestCase(ctx, testCaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load test case: %w", err)
	}

	window, err := e.store.RecentRunsForTest(ctx, testCaseID, e.scorer.cfg.WindowSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load occurrence window: %w", err)
	}
	// The store returns newest first; analysis wants chronological order.
	reverse(window)

	firstSeen, err := e.store.FirstSeenAt(ctx, testCaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load first-seen timestamp: %w", err)
	}

	analysis := e.analyze(tc, window, firstSeen, time.Now())

	features, err := json.Marshal(analysis.Features)
	if err != nil {
		return nil, fmt.Errorf("failed to encode features: %w", err)
	}
	err = e.store.UpsertFlakeScore(ctx, &store.FlakeScore{
		TestCaseID: testCaseID,
		Score:      analysis.Score,
		Confidence: analysis.Confidence,
		Features:   features,
		WindowN:    analysis.WindowN,
	})
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("test_case_id", testCaseID.String()).
		Float64("score", analysis.Score).
		Float64("confidence", analysis.Confidence).
		Str("recommendation", analysis.Recommendation).
		Msg("Test analyzed")

	return analysis, nil
}

// AnalyzeRun analyzes every test case that reported in a workflow run and
// refreshes the repository's signature clusters.
func (e *Engine) AnalyzeRun(ctx context.Context, repoID, runID uuid.UUID) ([]*Analysis, error) {
	ids, err := e.store.TestCaseIDsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	analyses := make([]*Analysis, 0, len(ids))
	for _, id := range ids {
		a, err := e.AnalyzeTest(ctx, id)
		if err != nil {
			return nil, err
		}
		analyses = append(analyses, a)
	}

	if _, err := e.store.RebuildFailureClusters(ctx, repoID); err != nil {
		return nil, err
	}
	return analyses, nil
}

// analyze combines the detection methods. Separated from persistence so
// tests can drive it with synthetic windows.
func (e *Engine) analyze(tc *store.TestCase, window []store.Occurrence, firstSeen *time.Time, now time.Time) *Analysis {
	result := e.scorer.Score(window, firstSeen, now)

	var failTimes []time.Time
	var failMessages []string
	for _, occ := range window {
		if !occ.Failed() {
			continue
		}
		failTimes = append(failTimes, occ.CreatedAt)
		if occ.Message != nil {
			failMessages = append(failMessages, *occ.Message)
		}
	}

	temporal := AnalyzeTimes(failTimes, e.clusterGap)
	patterns := DetectPatterns(failMessages)
	environment := AnalyzeEnvironment(window)

	analysis := &Analysis{
		TestCase:       tc,
		Features:       result.Features,
		Recommendation: result.Recommendation,
		Priority:       result.Priority,
		Temporal:       temporal,
		Patterns:       patterns,
		Environment:    environment,
		WindowN:        len(window),
	}

	patternConfidence := 0.0
	if dominant := DominantPattern(patterns); dominant != nil {
		patternConfidence = dominant.Confidence
	}
	temporalSignal := math.Min(1, temporal.Burstiness+temporal.Periodicity)

	// Each method votes; agreement strengthens the scorer's confidence by
	// up to 20%.
	votes := 0
	if result.Score >= flakyThreshold {
		votes++
	}
	if temporalSignal >= flakyThreshold {
		votes++
	}
	if patternConfidence >= flakyThreshold {
		votes++
	}
	scorerConfidence := result.Confidence
	if votes >= 2 {
		bonus := 0.1 * float64(votes-1)
		scorerConfidence = math.Min(1, scorerConfidence*(1+bonus))
	}

	analysis.Score = result.Score
	analysis.Confidence = clamp01(
		0.5*scorerConfidence + 0.3*temporalSignal + 0.2*patternConfidence)

	// A strong dominant pattern escalates a warn to a quarantine
	// recommendation. Tests that never cleared the minimum-run gates stay
	// where they are.
	if patternConfidence > 0.7 && analysis.Recommendation == RecommendWarn {
		analysis.Recommendation = RecommendQuarantine
	}
	if EnvScore(environment) > 0.6 {
		analysis.Priority = bumpPriority(analysis.Priority)
	}

	return analysis
}

func bumpPriority(p string) string {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	default:
		return p
	}
}

func reverse(occs []store.Occurrence) {
	for i, j := 0, len(occs)-1; i < j; i, j = i+1, j-1 {
		occs[i], occs[j] = occs[j], occs[i]
	}
}
