// Package flake computes flakiness scores, temporal clusters, failure
// patterns and environmental factors for test cases, and combines them into
// a single verdict per test.
package flake

import (
	"math"
	"time"

	"github.com/flakeguard/flakeguard/internal/store"
)

// Recommendation values emitted by the scorer.
const (
	RecommendNone       = "none"
	RecommendWarn       = "warn"
	RecommendQuarantine = "quarantine"
)

// Priority values, ordered low to critical.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Composite weights. They sum to 0.90; the multipliers below can push a
// strong candidate toward 1.0.
const (
	weightIntermittency = 0.30
	weightRerunPassRate = 0.25
	weightClustering    = 0.15
	weightMsgVariance   = 0.10
	weightFailRatio     = 0.10
)

// Features holds every extracted signal for one test. Persisted as JSON
// alongside the score so reports can explain themselves.
type Features struct {
	Total                    int     `json:"total"`
	Failures                 int     `json:"failures"`
	FailSuccessRatio         float64 `json:"fail_success_ratio"`
	RerunPassRate            float64 `json:"rerun_pass_rate"`
	Intermittency            float64 `json:"intermittency"`
	FailureClustering        float64 `json:"failure_clustering"`
	MessageVariance          float64 `json:"message_variance"`
	ConsecutiveFailures      int     `json:"consecutive_failures"`
	MaxConsecutiveFailures   int     `json:"max_consecutive_failures"`
	RecentFailures           int     `json:"recent_failures"`
	DaysSinceFirstSeen       float64 `json:"days_since_first_seen"`
	AvgTimeBetweenFailsHours float64 `json:"avg_time_between_failures_hours"`
}

// ScorerConfig carries the thresholds the scorer needs.
type ScorerConfig struct {
	WindowSize           int
	QuarantineThreshold  float64
	WarnThreshold        float64
	MinRunsForQuarantine int
	MinRecentFailures    int
	LookbackDays         int
}

// Result is the scorer's verdict for one test case.
type Result struct {
	Score          float64
	Confidence     float64
	Features       Features
	Recommendation string
	Priority       string
}

// Scorer turns an occurrence window into a flake score.
type Scorer struct {
	cfg ScorerConfig
}

// NewScorer creates a scorer with the given thresholds.
func NewScorer(cfg ScorerConfig) *Scorer {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 50
	}
	return &Scorer{cfg: cfg}
}

// Score computes the flake score for a window of occurrences in
// chronological order (oldest first). firstSeen may be nil when the test has
// no history beyond the window.
func (s *Scorer) Score(window []store.Occurrence, firstSeen *time.Time, now time.Time) Result {
	f := s.extractFeatures(window, firstSeen, now)

	score := weightIntermittency*f.Intermittency +
		weightRerunPassRate*f.RerunPassRate +
		weightClustering*f.FailureClustering +
		weightMsgVariance*f.MessageVariance +
		weightFailRatio*f.FailSuccessRatio

	total := float64(f.Total)

	// Consistently broken tests are not flaky.
	if total > 0 && float64(f.MaxConsecutiveFailures) >= 0.8*total {
		score *= 1 - 0.10*(float64(f.MaxConsecutiveFailures)/total)
	}
	// Passing on rerun while flip-flopping is the classic flake shape.
	if f.RerunPassRate > 0.3 && f.Intermittency > 0.4 {
		score *= 1.2
	}
	// A failing suffix usually means a fresh breakage, not flakiness.
	if f.Total > 0 && float64(f.ConsecutiveFailures) >= math.Min(5, 0.6*total) {
		score *= 0.8
	}

	score = clamp01(score)
	if f.Total == 1 || f.FailSuccessRatio == 0 || f.FailSuccessRatio == 1 {
		score = 0
	}

	confidence := math.Min(1, total/20)
	if f.DaysSinceFirstSeen > 7 {
		confidence = math.Min(1, confidence*1.2)
	}
	if f.DaysSinceFirstSeen < 1 {
		confidence *= 0.5
	}

	return Result{
		Score:          score,
		Confidence:     clamp01(confidence),
		Features:       f,
		Recommendation: s.recommend(score, f),
		Priority:       priorityFor(score, f),
	}
}

func (s *Scorer) recommend(score float64, f Features) string {
	if f.Total < s.cfg.MinRunsForQuarantine || f.RecentFailures < s.cfg.MinRecentFailures {
		return RecommendNone
	}
	switch {
	case score >= s.cfg.QuarantineThreshold:
		return RecommendQuarantine
	case score >= s.cfg.WarnThreshold:
		return RecommendWarn
	default:
		return RecommendNone
	}
}

// priorityFor blends the composite score with the two strongest flake
// signals so a moderate score with strong rerun evidence still ranks high.
func priorityFor(score float64, f Features) string {
	blended := 0.6*score + 0.25*f.RerunPassRate + 0.15*f.Intermittency
	switch {
	case blended >= 0.8:
		return PriorityCritical
	case blended >= 0.6:
		return PriorityHigh
	case blended >= 0.35:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func (s *Scorer) extractFeatures(window []store.Occurrence, firstSeen *time.Time, now time.Time) Features {
	f := Features{Total: len(window)}
	if len(window) == 0 {
		return f
	}

	lookback := now.AddDate(0, 0, -s.cfg.LookbackDays)
	var failTimes []time.Time

	rerunTotal, rerunPassed := 0, 0
	uniqueMessages := make(map[string]bool)
	failedWithMessage := 0
	consecutive, maxConsecutive := 0, 0

	prevStatus := ""
	transitions, comparablePairs := 0, 0

	for _, occ := range window {
		failed := occ.Failed()
		if failed {
			f.Failures++
			consecutive++
			if consecutive > maxConsecutive {
				maxConsecutive = consecutive
			}
			failTimes = append(failTimes, occ.CreatedAt)
			if occ.CreatedAt.After(lookback) {
				f.RecentFailures++
			}
			if occ.MessageSignature != nil {
				failedWithMessage++
				uniqueMessages[*occ.MessageSignature] = true
			}
		} else {
			consecutive = 0
		}

		if occ.Attempt > 1 {
			rerunTotal++
			if occ.Status == store.StatusPassed {
				rerunPassed++
			}
		}

		// Transitions are measured over first attempts only; rerun
		// outcomes already feed rerun_pass_rate.
		if occ.Status == store.StatusSkipped || occ.Attempt > 1 {
			continue
		}
		status := store.StatusPassed
		if failed {
			status = store.StatusFailed
		}
		if prevStatus != "" {
			comparablePairs++
			if status != prevStatus {
				transitions++
			}
		}
		prevStatus = status
	}

	f.ConsecutiveFailures = consecutive
	f.MaxConsecutiveFailures = maxConsecutive
	f.FailSuccessRatio = safeRatio(float64(f.Failures), float64(f.Total))
	f.RerunPassRate = safeRatio(float64(rerunPassed), float64(rerunTotal))
	f.Intermittency = safeRatio(float64(transitions), float64(comparablePairs))
	f.MessageVariance = safeRatio(float64(len(uniqueMessages)), float64(failedWithMessage))
	f.FailureClustering = clusteringScore(failTimes)

	first := window[0].CreatedAt
	if firstSeen != nil && firstSeen.Before(first) {
		first = *firstSeen
	}
	f.DaysSinceFirstSeen = now.Sub(first).Hours() / 24

	if len(failTimes) > 1 {
		span := failTimes[len(failTimes)-1].Sub(failTimes[0]).Hours()
		f.AvgTimeBetweenFailsHours = span / float64(len(failTimes)-1)
	}

	return f
}

func safeRatio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	r := num / den
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return clamp01(r)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
