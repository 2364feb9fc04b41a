package flake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flakeguard/flakeguard/internal/store"
)

func factorByName(factors []EnvFactor, name string) *EnvFactor {
	for i := range factors {
		if factors[i].Name == name {
			return &factors[i]
		}
	}
	return nil
}

func TestAnalyzeEnvironment_DurationVariance(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	occs := []store.Occurrence{
		{Status: store.StatusPassed, Attempt: 1, DurationMS: 100, CreatedAt: base},
		{Status: store.StatusPassed, Attempt: 1, DurationMS: 5000, CreatedAt: base.Add(time.Hour)},
		{Status: store.StatusPassed, Attempt: 1, DurationMS: 50, CreatedAt: base.Add(2 * time.Hour)},
		{Status: store.StatusPassed, Attempt: 1, DurationMS: 8000, CreatedAt: base.Add(3 * time.Hour)},
	}

	factors := AnalyzeEnvironment(occs)

	factor := factorByName(factors, "duration_variance")
	require.NotNil(t, factor)
	require.Greater(t, factor.Significance, 0.3)
}

func TestAnalyzeEnvironment_StableDurationsReportNothing(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	occs := []store.Occurrence{
		{Status: store.StatusPassed, Attempt: 1, DurationMS: 1000, CreatedAt: base},
		{Status: store.StatusPassed, Attempt: 1, DurationMS: 1010, CreatedAt: base.Add(time.Hour)},
		{Status: store.StatusPassed, Attempt: 1, DurationMS: 990, CreatedAt: base.Add(2 * time.Hour)},
	}

	require.Empty(t, AnalyzeEnvironment(occs))
}

func TestAnalyzeEnvironment_HourConcentration(t *testing.T) {
	// Failures always land at 03:00 UTC, across different days.
	var occs []store.Occurrence
	for day := 1; day <= 4; day++ {
		occs = append(occs, store.Occurrence{
			Status:    store.StatusFailed,
			Attempt:   1,
			CreatedAt: time.Date(2024, 3, day, 3, 15, 0, 0, time.UTC),
		})
	}

	factors := AnalyzeEnvironment(occs)

	factor := factorByName(factors, "hour_concentration")
	require.NotNil(t, factor)
	require.InDelta(t, 1.0, factor.Significance, 0.001)
}

func TestAnalyzeEnvironment_RetrySuccess(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	occs := []store.Occurrence{
		{Status: store.StatusFailed, Attempt: 1, CreatedAt: base},
		{Status: store.StatusPassed, Attempt: 2, CreatedAt: base.Add(5 * time.Minute)},
		{Status: store.StatusFailed, Attempt: 1, CreatedAt: base.Add(time.Hour)},
		{Status: store.StatusPassed, Attempt: 2, CreatedAt: base.Add(65 * time.Minute)},
	}

	factors := AnalyzeEnvironment(occs)

	factor := factorByName(factors, "retry_success")
	require.NotNil(t, factor)
	require.InDelta(t, 1.0, factor.Significance, 0.001)
}

func TestAnalyzeEnvironment_SingleRetryIgnored(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	occs := []store.Occurrence{
		{Status: store.StatusFailed, Attempt: 1, CreatedAt: base},
		{Status: store.StatusPassed, Attempt: 2, CreatedAt: base.Add(5 * time.Minute)},
	}

	require.Nil(t, factorByName(AnalyzeEnvironment(occs), "retry_success"))
}

func TestEnvScore_TakesMaximum(t *testing.T) {
	require.Zero(t, EnvScore(nil))

	factors := []EnvFactor{
		{Name: "duration_variance", Significance: 0.4},
		{Name: "retry_success", Significance: 0.9},
	}
	require.InDelta(t, 0.9, EnvScore(factors), 0.001)
}
