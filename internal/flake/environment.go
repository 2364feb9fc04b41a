package flake

import (
	"math"

	"github.com/flakeguard/flakeguard/internal/store"
)

// EnvFactor is one environmental signal with its significance.
type EnvFactor struct {
	Name         string
	Significance float64
	Description  string
}

// envReportThreshold keeps weak environmental signals out of reports.
const envReportThreshold = 0.3

// AnalyzeEnvironment derives environmental signals from a chronological
// occurrence window: duration instability, failures concentrating at
// particular hours, and the retry success rate.
func AnalyzeEnvironment(window []store.Occurrence) []EnvFactor {
	var factors []EnvFactor

	if f := durationVariance(window); f.Significance > envReportThreshold {
		factors = append(factors, f)
	}
	if f := hourConcentration(window); f.Significance > envReportThreshold {
		factors = append(factors, f)
	}
	if f := retrySuccess(window); f.Significance > envReportThreshold {
		factors = append(factors, f)
	}
	return factors
}

// EnvScore reduces the factors to one number for the combination rules.
func EnvScore(factors []EnvFactor) float64 {
	best := 0.0
	for _, f := range factors {
		if f.Significance > best {
			best = f.Significance
		}
	}
	return best
}

// durationVariance flags tests whose runtime swings widely, a sign of
// resource pressure on the runner.
func durationVariance(window []store.Occurrence) EnvFactor {
	var durations []float64
	for _, occ := range window {
		if occ.DurationMS > 0 {
			durations = append(durations, float64(occ.DurationMS))
		}
	}
	factor := EnvFactor{Name: "duration_variance", Description: "test runtime is highly unstable"}
	if len(durations) < 3 {
		return factor
	}

	mean := 0.0
	for _, d := range durations {
		mean += d
	}
	mean /= float64(len(durations))
	if mean == 0 {
		return factor
	}

	variance := 0.0
	for _, d := range durations {
		diff := d - mean
		variance += diff * diff
	}
	variance /= float64(len(durations))

	// Coefficient of variation, squashed: cv of 1 maps to 0.5.
	cv := math.Sqrt(variance) / mean
	factor.Significance = clamp01(cv / (1 + cv))
	return factor
}

// hourConcentration flags failures that bunch into a few hours of the day,
// pointing at scheduled load or nightly infrastructure work.
func hourConcentration(window []store.Occurrence) EnvFactor {
	factor := EnvFactor{Name: "hour_concentration", Description: "failures concentrate at specific hours"}

	var hours [24]int
	failures := 0
	for _, occ := range window {
		if occ.Failed() {
			hours[occ.CreatedAt.UTC().Hour()]++
			failures++
		}
	}
	if failures < 3 {
		return factor
	}

	peak := 0
	for _, n := range hours {
		if n > peak {
			peak = n
		}
	}

	// Fraction of failures in the single busiest hour, rescaled so that a
	// uniform spread scores 0.
	uniform := float64(failures) / 24
	concentration := (float64(peak) - uniform) / (float64(failures) - uniform)
	factor.Significance = clamp01(concentration)
	return factor
}

// retrySuccess flags tests that reliably pass once retried.
func retrySuccess(window []store.Occurrence) EnvFactor {
	factor := EnvFactor{Name: "retry_success", Description: "test passes when retried"}

	retries, passed := 0, 0
	for _, occ := range window {
		if occ.Attempt > 1 {
			retries++
			if occ.Status == store.StatusPassed {
				passed++
			}
		}
	}
	if retries < 2 {
		return factor
	}
	factor.Significance = clamp01(float64(passed) / float64(retries))
	return factor
}
