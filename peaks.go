package crest

import (
	"errors"
	"math"
	"sort"
)

// PeakRecord describes one detected peak in a signal. Index refers to the
// position in the original (untruncated) sample sequence. Width and
// Prominence are nil when their estimation failed for this peak.
type PeakRecord struct {
	Index      int      `json:"index"`
	Time       float64  `json:"time"`
	Height     float64  `json:"height"`
	Width      *float64 `json:"width"`
	Prominence *float64 `json:"prominence"`
}

// PeakParams controls peak detection.
type PeakParams struct {
	// HeightThreshold is the minimum peak height in standard deviations
	// above the signal mean (default 1.0).
	HeightThreshold float64
	// Distance is the minimum sample separation between kept peaks
	// (default 100). Values below 1 are treated as 1.
	Distance int
	// Prominence is the minimum peak prominence in standard deviations
	// (default 0.5).
	Prominence float64
	// WidthMin and WidthMax bound the peak width in samples
	// (default 5 to 50). Both zero disables the width filter.
	WidthMin float64
	WidthMax float64
}

// DefaultPeakParams returns the standard detection parameters.
func DefaultPeakParams() PeakParams {
	return PeakParams{
		HeightThreshold: 1.0,
		Distance:        100,
		Prominence:      0.5,
		WidthMin:        5,
		WidthMax:        50,
	}
}

// normalized clamps out-of-range parameters.
func (p PeakParams) normalized() PeakParams {
	if p.HeightThreshold < 0 {
		p.HeightThreshold = 0
	}
	if p.Distance < 1 {
		p.Distance = 1
	}
	if p.Prominence < 0 {
		p.Prominence = 0
	}
	if p.WidthMin < 0 {
		p.WidthMin = 0
	}
	if p.WidthMax < 0 {
		p.WidthMax = 0
	}
	if p.WidthMax > 0 && p.WidthMax < p.WidthMin {
		p.WidthMin, p.WidthMax = p.WidthMax, p.WidthMin
	}
	return p
}

func (p PeakParams) widthFilterActive() bool {
	return p.WidthMin > 0 || p.WidthMax > 0
}

// errPeakOutOfRange reports an estimator called with an invalid peak position.
var errPeakOutOfRange = errors.New("peak index out of range")

// DetectPeaks locates peaks in a signal. The value and time sequences are
// truncated to the shorter of the two, positions where either entry is NaN
// are dropped, and detection runs on the remaining samples. Returned records
// carry positions in the original sequence, in ascending order. Degenerate
// input (empty or all NaN) yields an empty result.
func DetectPeaks(values, times []float64, params PeakParams) []PeakRecord {
	params = params.normalized()

	n := len(values)
	if len(times) < n {
		n = len(times)
	}
	if n == 0 {
		return nil
	}

	// Compact away NaN positions, remembering original indices.
	valid := make([]float64, 0, n)
	validTimes := make([]float64, 0, n)
	orig := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if math.IsNaN(values[i]) || math.IsNaN(times[i]) {
			continue
		}
		valid = append(valid, values[i])
		validTimes = append(validTimes, times[i])
		orig = append(orig, i)
	}
	if len(valid) == 0 {
		return nil
	}

	mu := mean(valid)
	sigma := stdDev(valid, mu)
	minHeight := mu + params.HeightThreshold*sigma
	minProminence := params.Prominence * sigma

	candidates := localMaxima(valid)

	// Height filter.
	kept := candidates[:0]
	for _, c := range candidates {
		if valid[c] >= minHeight {
			kept = append(kept, c)
		}
	}
	candidates = kept

	candidates = suppressByDistance(valid, candidates, params.Distance)

	// Prominence filter. Bounds are reused by the width estimate below.
	bounds := make([]peakBounds, 0, len(candidates))
	kept = candidates[:0]
	for _, c := range candidates {
		b, err := peakProminence(valid, c)
		if err != nil || b.prominence < minProminence {
			continue
		}
		kept = append(kept, c)
		bounds = append(bounds, b)
	}
	candidates = kept

	// Width filter. A peak whose width cannot be estimated fails an active
	// width constraint.
	widths := make([]*float64, len(candidates))
	if params.widthFilterActive() {
		filtered := candidates[:0]
		filteredBounds := bounds[:0]
		filteredWidths := widths[:0]
		for i, c := range candidates {
			w, err := peakWidth(valid, c, bounds[i])
			if err != nil {
				continue
			}
			if params.WidthMin > 0 && w < params.WidthMin {
				continue
			}
			if params.WidthMax > 0 && w > params.WidthMax {
				continue
			}
			wc := w
			filtered = append(filtered, c)
			filteredBounds = append(filteredBounds, bounds[i])
			filteredWidths = append(filteredWidths, &wc)
		}
		candidates = filtered
		bounds = filteredBounds
		widths = filteredWidths
	} else {
		for i, c := range candidates {
			if w, err := peakWidth(valid, c, bounds[i]); err == nil {
				wc := w
				widths[i] = &wc
			}
		}
	}

	records := make([]PeakRecord, 0, len(candidates))
	for i, c := range candidates {
		prom := bounds[i].prominence
		records = append(records, PeakRecord{
			Index:      orig[c],
			Time:       validTimes[c],
			Height:     valid[c],
			Width:      widths[i],
			Prominence: &prom,
		})
	}
	return records
}

// localMaxima returns the positions of strict local maxima. A plateau counts
// as one maximum at the floor midpoint of its flat top. First and last
// samples are never maxima.
func localMaxima(values []float64) []int {
	var peaks []int
	i := 1
	last := len(values) - 1
	for i < last {
		if values[i-1] < values[i] {
			ahead := i + 1
			for ahead < last && values[ahead] == values[i] {
				ahead++
			}
			if values[ahead] < values[i] {
				peaks = append(peaks, (i+ahead-1)/2)
				i = ahead
			}
		}
		i++
	}
	return peaks
}

// suppressByDistance drops peaks closer than distance samples to a higher
// peak. Candidates are ranked by height descending with ties broken toward
// the lower index, so the result does not depend on evaluation order.
func suppressByDistance(values []float64, peaks []int, distance int) []int {
	if distance <= 1 || len(peaks) < 2 {
		return peaks
	}

	order := make([]int, len(peaks))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		pa, pb := peaks[order[a]], peaks[order[b]]
		if values[pa] != values[pb] {
			return values[pa] > values[pb]
		}
		return pa < pb
	})

	keep := make([]bool, len(peaks))
	for i := range keep {
		keep[i] = true
	}
	for _, oi := range order {
		if !keep[oi] {
			continue
		}
		p := peaks[oi]
		for j := oi - 1; j >= 0 && p-peaks[j] < distance; j-- {
			keep[j] = false
		}
		for j := oi + 1; j < len(peaks) && peaks[j]-p < distance; j++ {
			keep[j] = false
		}
	}

	out := make([]int, 0, len(peaks))
	for i, p := range peaks {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}

// peakBounds holds a peak's prominence and the valley positions bounding it.
type peakBounds struct {
	prominence float64
	leftBase   int
	rightBase  int
}

// peakProminence measures the vertical drop from a peak to the higher of the
// two valley minima beside it. Each side is scanned until the terrain rises
// above the peak's own height or the sequence ends.
func peakProminence(values []float64, peak int) (peakBounds, error) {
	if peak < 0 || peak >= len(values) {
		return peakBounds{}, errPeakOutOfRange
	}
	h := values[peak]

	leftMin := h
	leftBase := peak
	for j := peak - 1; j >= 0 && values[j] <= h; j-- {
		if values[j] < leftMin {
			leftMin = values[j]
			leftBase = j
		}
	}

	rightMin := h
	rightBase := peak
	for j := peak + 1; j < len(values) && values[j] <= h; j++ {
		if values[j] < rightMin {
			rightMin = values[j]
			rightBase = j
		}
	}

	return peakBounds{
		prominence: h - math.Max(leftMin, rightMin),
		leftBase:   leftBase,
		rightBase:  rightBase,
	}, nil
}

// peakWidth measures the horizontal extent of a peak at the evaluation level
// height - prominence/2. Crossings are linearly interpolated; when a side
// never drops below the level before its bounding valley, the valley position
// is used as-is.
func peakWidth(values []float64, peak int, b peakBounds) (float64, error) {
	if peak < 0 || peak >= len(values) {
		return 0, errPeakOutOfRange
	}
	if math.IsNaN(b.prominence) || b.prominence < 0 {
		return 0, errors.New("invalid prominence for width evaluation")
	}
	level := values[peak] - 0.5*b.prominence

	i := peak
	for i > b.leftBase && values[i] > level {
		i--
	}
	leftIP := float64(i)
	if values[i] < level && i < peak {
		leftIP += (level - values[i]) / (values[i+1] - values[i])
	}

	j := peak
	for j < b.rightBase && values[j] > level {
		j++
	}
	rightIP := float64(j)
	if values[j] < level && j > peak {
		rightIP -= (level - values[j]) / (values[j-1] - values[j])
	}

	w := rightIP - leftIP
	if math.IsNaN(w) || w < 0 {
		return 0, errors.New("width evaluation failed")
	}
	return w, nil
}
