package flake

import (
	"math"
	"sort"
	"time"
)

// DefaultClusterGap merges failures closer than this into one cluster.
const DefaultClusterGap = 2 * time.Hour

// TimeCluster is one burst of failures on the time axis.
type TimeCluster struct {
	Start    time.Time
	End      time.Time
	Failures int
	// Density is failures per minute of cluster duration.
	Density float64
	// AvgGap is the mean gap between consecutive failures in the cluster.
	AvgGap time.Duration
}

// TemporalAnalysis summarizes how failures distribute over time.
type TemporalAnalysis struct {
	Clusters []TimeCluster
	// Burstiness is the normalized variance of per-cluster density.
	Burstiness float64
	// Periodicity is the peak autocorrelation of inter-cluster gaps at
	// small lags. High values suggest scheduled interference (nightly
	// jobs, cron-driven load).
	Periodicity float64
}

// AnalyzeTimes builds failure clusters from failure timestamps. Times may
// arrive in any order; a gap of at most maxGap merges with the prior
// cluster.
func AnalyzeTimes(failTimes []time.Time, maxGap time.Duration) TemporalAnalysis {
	if maxGap <= 0 {
		maxGap = DefaultClusterGap
	}

	times := make([]time.Time, len(failTimes))
	copy(times, failTimes)
	sortTimes(times)

	var analysis TemporalAnalysis
	if len(times) == 0 {
		return analysis
	}

	current := TimeCluster{Start: times[0], End: times[0], Failures: 1}
	var gaps []time.Duration
	for _, t := range times[1:] {
		gap := t.Sub(current.End)
		if gap <= maxGap {
			current.End = t
			current.Failures++
			gaps = append(gaps, gap)
			continue
		}
		finishCluster(&current, gaps)
		analysis.Clusters = append(analysis.Clusters, current)
		current = TimeCluster{Start: t, End: t, Failures: 1}
		gaps = gaps[:0]
	}
	finishCluster(&current, gaps)
	analysis.Clusters = append(analysis.Clusters, current)

	analysis.Burstiness = burstiness(analysis.Clusters)
	analysis.Periodicity = periodicity(analysis.Clusters)
	return analysis
}

func finishCluster(c *TimeCluster, gaps []time.Duration) {
	minutes := c.End.Sub(c.Start).Minutes()
	c.Density = float64(c.Failures) / math.Max(1, minutes)
	if len(gaps) > 0 {
		var sum time.Duration
		for _, g := range gaps {
			sum += g
		}
		c.AvgGap = sum / time.Duration(len(gaps))
	}
}

// burstiness is the variance of per-cluster densities normalized by the
// squared mean, squashed into [0,1]. A single cluster yields 0.
func burstiness(clusters []TimeCluster) float64 {
	if len(clusters) < 2 {
		return 0
	}
	mean := 0.0
	for _, c := range clusters {
		mean += c.Density
	}
	mean /= float64(len(clusters))
	if mean == 0 {
		return 0
	}

	variance := 0.0
	for _, c := range clusters {
		d := c.Density - mean
		variance += d * d
	}
	variance /= float64(len(clusters))

	cv2 := variance / (mean * mean)
	return clamp01(cv2 / (1 + cv2))
}

// periodicity computes the autocorrelation of the inter-cluster gap
// sequence at lags 1..3 and returns the peak. Fewer than three clusters
// yield 0.
func periodicity(clusters []TimeCluster) float64 {
	if len(clusters) < 3 {
		return 0
	}
	gaps := make([]float64, 0, len(clusters)-1)
	for i := 1; i < len(clusters); i++ {
		gaps = append(gaps, clusters[i].Start.Sub(clusters[i-1].End).Minutes())
	}

	mean := 0.0
	for _, g := range gaps {
		mean += g
	}
	mean /= float64(len(gaps))

	variance := 0.0
	for _, g := range gaps {
		d := g - mean
		variance += d * d
	}
	if variance == 0 {
		// Perfectly regular gaps.
		return 1
	}

	best := 0.0
	for lag := 1; lag <= 3 && lag < len(gaps); lag++ {
		num := 0.0
		for i := lag; i < len(gaps); i++ {
			num += (gaps[i] - mean) * (gaps[i-lag] - mean)
		}
		ac := num / variance
		if ac > best {
			best = ac
		}
	}
	return clamp01(best)
}

// clusteringScore reduces the temporal shape to the single scattered-vs-
// bunched feature the scorer consumes. Scattered failures score high.
func clusteringScore(failTimes []time.Time) float64 {
	if len(failTimes) < 2 {
		return 0
	}
	analysis := AnalyzeTimes(failTimes, DefaultClusterGap)
	spread := float64(len(analysis.Clusters)) / float64(len(failTimes))
	return clamp01(0.7*spread + 0.3*(1-analysis.Burstiness))
}

func sortTimes(times []time.Time) {
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
}
