package crest

import (
	"fmt"
	"math"
)

// The five scoring methods. Each returns zero findings when its statistical
// precondition does not hold (degenerate spread, too few peaks).

func peakHeights(peaks []PeakRecord) []float64 {
	heights := make([]float64, len(peaks))
	for i, p := range peaks {
		heights[i] = p.Height
	}
	return heights
}

// anomalyStatistical flags heights by modified z-score, 0.6745 * |h - median|
// / MAD. Skipped when the MAD is zero.
func anomalyStatistical(peaks []PeakRecord, threshold float64) []AnomalyFinding {
	heights := peakHeights(peaks)
	med := median(heights)
	dev := mad(heights)
	if dev == 0 {
		return nil
	}

	var out []AnomalyFinding
	for i, h := range heights {
		score := 0.6745 * math.Abs(h-med) / dev
		if score > threshold {
			out = append(out, AnomalyFinding{
				PeakIndex:   peaks[i].Index,
				Score:       score,
				Method:      MethodStatistical,
				Description: fmt.Sprintf("peak height %.3f deviates from median %.3f (modified z-score %.2f)", h, med, score),
			})
		}
	}
	return out
}

// anomalyZScore flags heights by classic z-score against the mean and
// population standard deviation. Skipped when the deviation is zero.
func anomalyZScore(peaks []PeakRecord, threshold float64) []AnomalyFinding {
	heights := peakHeights(peaks)
	mu := mean(heights)
	sigma := stdDev(heights, mu)
	if sigma == 0 {
		return nil
	}

	var out []AnomalyFinding
	for i, h := range heights {
		score := math.Abs(h-mu) / sigma
		if score > threshold {
			out = append(out, AnomalyFinding{
				PeakIndex:   peaks[i].Index,
				Score:       score,
				Method:      MethodZScore,
				Description: fmt.Sprintf("peak height %.3f deviates from mean %.3f (z-score %.2f)", h, mu, score),
			})
		}
	}
	return out
}

// anomalyIQR flags heights outside the Tukey fences Q1 - m*IQR and
// Q3 + m*IQR. The score is the distance past the nearest fence in IQR units.
// Skipped when the IQR is zero.
func anomalyIQR(peaks []PeakRecord, multiplier float64) []AnomalyFinding {
	heights := peakHeights(peaks)
	q1, q3 := quartiles(heights)
	iqr := q3 - q1
	if iqr == 0 {
		return nil
	}
	lower := q1 - multiplier*iqr
	upper := q3 + multiplier*iqr

	var out []AnomalyFinding
	for i, h := range heights {
		if h >= lower && h <= upper {
			continue
		}
		var score float64
		if h < lower {
			score = (lower - h) / iqr
		} else {
			score = (h - upper) / iqr
		}
		out = append(out, AnomalyFinding{
			PeakIndex:   peaks[i].Index,
			Score:       score,
			Method:      MethodIQR,
			Description: fmt.Sprintf("peak height %.3f outside IQR bounds [%.3f, %.3f]", h, lower, upper),
		})
	}
	return out
}

// anomalyTemporal scores inter-peak time intervals against their median by
// MAD. Each flagged interval is attributed to the later peak of the pair, so
// the first peak is never flagged. Requires at least three peaks; skipped
// when the interval MAD is zero.
func anomalyTemporal(peaks []PeakRecord, threshold float64) []AnomalyFinding {
	if len(peaks) < 3 {
		return nil
	}
	intervals := make([]float64, len(peaks)-1)
	for i := 1; i < len(peaks); i++ {
		intervals[i-1] = peaks[i].Time - peaks[i-1].Time
	}
	if len(intervals) < 2 {
		return nil
	}
	med := median(intervals)
	dev := mad(intervals)
	if dev == 0 {
		return nil
	}

	var out []AnomalyFinding
	for i, iv := range intervals {
		score := math.Abs(iv-med) / dev
		if score > threshold {
			out = append(out, AnomalyFinding{
				PeakIndex:   peaks[i+1].Index,
				Score:       score,
				Method:      MethodTemporal,
				Description: fmt.Sprintf("interval %.3f before this peak deviates from median %.3f", iv, med),
			})
		}
	}
	return out
}

// anomalyIsolation embeds each peak as (height, width, prominence) with
// undefined attributes as zero, normalizes every feature column, and scores
// peaks by Euclidean norm. Peaks above the configured percentile of this
// signal's own scores are flagged. Requires at least ten peaks.
func anomalyIsolation(peaks []PeakRecord, pct float64) []AnomalyFinding {
	if len(peaks) < 10 {
		return nil
	}
	const eps = 1e-8

	features := make([][3]float64, len(peaks))
	for i, p := range peaks {
		features[i][0] = p.Height
		if p.Width != nil {
			features[i][1] = *p.Width
		}
		if p.Prominence != nil {
			features[i][2] = *p.Prominence
		}
	}

	for c := 0; c < 3; c++ {
		col := make([]float64, len(features))
		for i := range features {
			col[i] = features[i][c]
		}
		mu := mean(col)
		sigma := stdDev(col, mu) + eps
		for i := range features {
			features[i][c] = (features[i][c] - mu) / sigma
		}
	}

	scores := make([]float64, len(features))
	for i, f := range features {
		scores[i] = math.Sqrt(f[0]*f[0] + f[1]*f[1] + f[2]*f[2])
	}
	cutoff := percentile(sortedCopy(scores), pct)

	var out []AnomalyFinding
	for i, s := range scores {
		if s > cutoff {
			out = append(out, AnomalyFinding{
				PeakIndex:   peaks[i].Index,
				Score:       s,
				Method:      MethodIsolation,
				Description: fmt.Sprintf("isolated in feature space (score %.2f above p%g cutoff %.2f)", s, pct, cutoff),
			})
		}
	}
	return out
}
