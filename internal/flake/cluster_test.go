package flake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAnalyzeTimes_MergesCloseFailures(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(30 * time.Minute),
		base.Add(90 * time.Minute),
		// Gap of five hours opens a second cluster.
		base.Add(390 * time.Minute),
		base.Add(400 * time.Minute),
	}

	analysis := AnalyzeTimes(times, 2*time.Hour)

	require.Len(t, analysis.Clusters, 2)
	require.Equal(t, 3, analysis.Clusters[0].Failures)
	require.Equal(t, base, analysis.Clusters[0].Start)
	require.Equal(t, base.Add(90*time.Minute), analysis.Clusters[0].End)
	require.Equal(t, 2, analysis.Clusters[1].Failures)
	require.Equal(t, 45*time.Minute, analysis.Clusters[0].AvgGap)
}

func TestAnalyzeTimes_UnorderedInput(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	times := []time.Time{
		base.Add(400 * time.Minute),
		base,
		base.Add(30 * time.Minute),
	}

	analysis := AnalyzeTimes(times, 2*time.Hour)

	require.Len(t, analysis.Clusters, 2)
	require.Equal(t, 2, analysis.Clusters[0].Failures)
}

func TestAnalyzeTimes_SingleClusterHasNoBurstiness(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(10 * time.Minute), base.Add(20 * time.Minute)}

	analysis := AnalyzeTimes(times, 2*time.Hour)

	require.Len(t, analysis.Clusters, 1)
	require.Zero(t, analysis.Burstiness)
	require.Zero(t, analysis.Periodicity)
}

func TestAnalyzeTimes_RegularGapsArePeriodic(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	// One failure every 24 hours, like a nightly batch job.
	var times []time.Time
	for i := 0; i < 5; i++ {
		times = append(times, base.Add(time.Duration(i)*24*time.Hour))
	}

	analysis := AnalyzeTimes(times, 2*time.Hour)

	require.Len(t, analysis.Clusters, 5)
	require.InDelta(t, 1.0, analysis.Periodicity, 0.001)
}

func TestAnalyzeTimes_Empty(t *testing.T) {
	analysis := AnalyzeTimes(nil, 2*time.Hour)
	require.Empty(t, analysis.Clusters)
}

func TestClusteringScore_ScatteredVersusBunched(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	var scattered []time.Time
	for i := 0; i < 6; i++ {
		scattered = append(scattered, base.Add(time.Duration(i)*8*time.Hour))
	}

	var bunched []time.Time
	for i := 0; i < 6; i++ {
		bunched = append(bunched, base.Add(time.Duration(i)*time.Minute))
	}

	require.Greater(t, clusteringScore(scattered), clusteringScore(bunched))
	require.Zero(t, clusteringScore(bunched[:1]))
}
