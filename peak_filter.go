package crest

// PeakFilter narrows a peak set by optional criteria. A nil bound is
// inactive. Peaks with an undefined width or prominence fail any active
// bound on that field.
type PeakFilter struct {
	MinHeight     *float64
	MaxHeight     *float64
	MinWidth      *float64
	MaxWidth      *float64
	MinProminence *float64
	MaxProminence *float64
	TimeStart     *float64
	TimeEnd       *float64
}

// FilterPeaks returns the peaks satisfying every active criterion, in the
// original order. The input is not modified.
func FilterPeaks(peaks []PeakRecord, f PeakFilter) []PeakRecord {
	out := make([]PeakRecord, 0, len(peaks))
	for _, p := range peaks {
		if !inBounds(p.Height, f.MinHeight, f.MaxHeight) {
			continue
		}
		if !optionalInBounds(p.Width, f.MinWidth, f.MaxWidth) {
			continue
		}
		if !optionalInBounds(p.Prominence, f.MinProminence, f.MaxProminence) {
			continue
		}
		if !inBounds(p.Time, f.TimeStart, f.TimeEnd) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func inBounds(v float64, lo, hi *float64) bool {
	if lo != nil && v < *lo {
		return false
	}
	if hi != nil && v > *hi {
		return false
	}
	return true
}

func optionalInBounds(v, lo, hi *float64) bool {
	if v == nil {
		return lo == nil && hi == nil
	}
	return inBounds(*v, lo, hi)
}

// SummaryStats is a compact numeric summary of one peak attribute.
type SummaryStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// PeakStatistics summarizes a signal's peak set. Width and Prominence cover
// only the peaks where the attribute is defined. PeakRate is peaks per time
// unit over the span of the time axis.
type PeakStatistics struct {
	Count      int          `json:"count"`
	Height     SummaryStats `json:"height"`
	Width      SummaryStats `json:"width"`
	Prominence SummaryStats `json:"prominence"`
	PeakRate   float64      `json:"peak_rate"`
}

// ComputePeakStatistics summarizes heights, widths and prominences of a peak
// set against its time axis.
func ComputePeakStatistics(peaks []PeakRecord, times []float64) PeakStatistics {
	stats := PeakStatistics{Count: len(peaks)}
	if len(peaks) == 0 {
		return stats
	}

	heights := make([]float64, 0, len(peaks))
	widths := make([]float64, 0, len(peaks))
	proms := make([]float64, 0, len(peaks))
	for _, p := range peaks {
		heights = append(heights, p.Height)
		if p.Width != nil {
			widths = append(widths, *p.Width)
		}
		if p.Prominence != nil {
			proms = append(proms, *p.Prominence)
		}
	}
	stats.Height = summarize(heights)
	stats.Width = summarize(widths)
	stats.Prominence = summarize(proms)

	if len(times) >= 2 {
		span := times[len(times)-1] - times[0]
		if span > 0 {
			stats.PeakRate = float64(len(peaks)) / span
		}
	}
	return stats
}

func summarize(values []float64) SummaryStats {
	if len(values) == 0 {
		return SummaryStats{}
	}
	s := SummaryStats{Min: values[0], Max: values[0]}
	for _, v := range values {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Mean = mean(values)
	s.Std = stdDev(values, s.Mean)
	return s
}
