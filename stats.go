package crest

import (
	"math"
	"sort"
)

// Statistical helpers shared by the peak detector and the anomaly methods.
// Spread measures are population measures (no Bessel correction), matching
// the scoring formulas in anomaly_methods.go.

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64, mu float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sumSq := 0.0
	for _, v := range values {
		d := v - mu
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}

func sortedCopy(values []float64) []float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return sorted
}

// median averages the two central values for even-length input.
// The input slice is not modified.
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := sortedCopy(values)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// mad returns the median absolute deviation from the median.
func mad(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	med := median(values)
	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - med)
	}
	return median(devs)
}

// percentile returns the pct-th percentile of an ascending-sorted slice,
// interpolating linearly between adjacent ranks.
func percentile(sorted []float64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := pct / 100.0 * float64(len(sorted)-1)
	lower := int(rank)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// quartiles returns Q1 and Q3 of the input values.
func quartiles(values []float64) (q1, q3 float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sorted := sortedCopy(values)
	return percentile(sorted, 25), percentile(sorted, 75)
}
