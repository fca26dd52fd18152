package crest

import (
	"errors"
	"reflect"
	"testing"
)

// peaksFromHeights builds a peak set with evenly spaced indices and times.
func peaksFromHeights(heights ...float64) []PeakRecord {
	peaks := make([]PeakRecord, len(heights))
	for i, h := range heights {
		peaks[i] = PeakRecord{Index: i * 10, Time: float64(i), Height: h}
	}
	return peaks
}

// peaksAtTimes builds a peak set with the given times and uniform heights.
func peaksAtTimes(times ...float64) []PeakRecord {
	peaks := make([]PeakRecord, len(times))
	for i, ts := range times {
		peaks[i] = PeakRecord{Index: i * 10, Time: ts, Height: 5}
	}
	return peaks
}

func onlyMethod(m AnomalyMethod) AnomalyConfig {
	cfg := DefaultAnomalyConfig()
	cfg.Methods = []AnomalyMethod{m}
	return cfg
}

func TestAnalyzePeaksZeroPeaks(t *testing.T) {
	res := AnalyzePeaks(nil, nil, nil, DefaultAnomalyConfig())
	if len(res.Findings) != 0 {
		t.Errorf("got %d findings, want 0", len(res.Findings))
	}
	if len(res.Warnings) != 0 {
		t.Errorf("got warnings %v, want none", res.Warnings)
	}
	s := res.Statistics
	if s.TotalPeaks != 0 || s.TotalAnomalies != 0 || s.AnomalyRate != 0 || s.MeanScore != 0 || s.MaxScore != 0 {
		t.Errorf("statistics not zero-valued: %+v", s)
	}
	if len(s.ByMethod) != 0 {
		t.Errorf("by-method counts not empty: %v", s.ByMethod)
	}
}

func TestZScoreSingleOutlier(t *testing.T) {
	// Nine peaks of height 1 and one of height 50: population deviation puts
	// the outlier at z close to 3.0, just above the 2.5 default.
	peaks := peaksFromHeights(1, 1, 1, 1, 1, 1, 1, 1, 1, 50)
	res := AnalyzePeaks(peaks, nil, nil, onlyMethod(MethodZScore))

	if len(res.Findings) != 1 {
		t.Fatalf("got %d findings, want exactly 1", len(res.Findings))
	}
	f := res.Findings[0]
	if f.PeakIndex != 90 {
		t.Errorf("flagged peak %d, want 90", f.PeakIndex)
	}
	if f.Method != MethodZScore {
		t.Errorf("method = %s, want zscore", f.Method)
	}
	if !almostEqual(f.Score, 3.0, 1e-3) {
		t.Errorf("score = %v, want ~3.0", f.Score)
	}
}

func TestZScoreSkippedOnZeroDeviation(t *testing.T) {
	peaks := peaksFromHeights(5, 5, 5, 5)
	res := AnalyzePeaks(peaks, nil, nil, onlyMethod(MethodZScore))
	if len(res.Findings) != 0 || len(res.Warnings) != 0 {
		t.Errorf("uniform heights should skip silently: %+v", res)
	}
}

func TestStatisticalOutlier(t *testing.T) {
	peaks := peaksFromHeights(1, 2, 3, 4, 5, 6, 7, 8, 9, 100)
	res := AnalyzePeaks(peaks, nil, nil, onlyMethod(MethodStatistical))

	if len(res.Findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(res.Findings))
	}
	f := res.Findings[0]
	if f.PeakIndex != 90 || f.Method != MethodStatistical {
		t.Errorf("unexpected finding: %+v", f)
	}
	// MAD is 2.5, so the score is 0.6745 * 94.5 / 2.5.
	if !almostEqual(f.Score, 0.6745*94.5/2.5, 1e-9) {
		t.Errorf("score = %v", f.Score)
	}
}

func TestStatisticalSkippedOnZeroMAD(t *testing.T) {
	// Majority identical heights force the MAD to zero; even the extreme
	// value goes unflagged because the method does not run.
	peaks := peaksFromHeights(5, 5, 5, 100)
	res := AnalyzePeaks(peaks, nil, nil, onlyMethod(MethodStatistical))
	if len(res.Findings) != 0 || len(res.Warnings) != 0 {
		t.Errorf("zero MAD should skip silently: %+v", res)
	}
}

func TestIQRScore(t *testing.T) {
	// Quartiles 2 and 4 with multiplier 1.5 give bounds [-1, 7]. The height
	// at 10 sits 3 past the upper bound: score 3/2 = 1.5.
	peaks := peaksFromHeights(1, 2, 3, 4, 10)
	res := AnalyzePeaks(peaks, nil, nil, onlyMethod(MethodIQR))

	if len(res.Findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(res.Findings))
	}
	f := res.Findings[0]
	if f.PeakIndex != 40 || f.Method != MethodIQR {
		t.Errorf("unexpected finding: %+v", f)
	}
	if f.Score != 1.5 {
		t.Errorf("score = %v, want exactly 1.5", f.Score)
	}
}

func TestIQRSkippedOnZeroRange(t *testing.T) {
	peaks := peaksFromHeights(3, 3, 3, 3, 10)
	res := AnalyzePeaks(peaks, nil, nil, onlyMethod(MethodIQR))
	if len(res.Findings) != 0 {
		t.Errorf("zero IQR should skip: %+v", res.Findings)
	}
}

func TestTemporalSkippedWhenIntervalMADZero(t *testing.T) {
	// Intervals 1,1,1,17: the median deviation is still 0, so the method
	// must not run and the late peak goes unflagged.
	peaks := peaksAtTimes(0, 1, 2, 3, 20)
	res := AnalyzePeaks(peaks, nil, nil, onlyMethod(MethodTemporal))
	if len(res.Findings) != 0 || len(res.Warnings) != 0 {
		t.Errorf("zero interval MAD should skip silently: %+v", res)
	}
}

func TestTemporalFlagsLaterPeakOfPair(t *testing.T) {
	// Alternating 1/2 intervals give MAD 0.5; the closing 20-unit gap scores
	// 37 and is attributed to the peak after the gap.
	peaks := peaksAtTimes(0, 1, 3, 4, 6, 7, 9, 10, 30)
	res := AnalyzePeaks(peaks, nil, nil, onlyMethod(MethodTemporal))

	if len(res.Findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(res.Findings))
	}
	f := res.Findings[0]
	last := peaks[len(peaks)-1].Index
	if f.PeakIndex != last {
		t.Errorf("flagged peak %d, want the later peak %d", f.PeakIndex, last)
	}
	if !almostEqual(f.Score, 37, 1e-9) {
		t.Errorf("score = %v, want 37", f.Score)
	}
}

func TestTemporalNeverFlagsFirstPeak(t *testing.T) {
	// A huge leading gap deviates, but only the second peak of the pair can
	// carry the finding.
	peaks := peaksAtTimes(0, 100, 101, 103, 104, 106, 107)
	res := AnalyzePeaks(peaks, nil, nil, onlyMethod(MethodTemporal))
	for _, f := range res.Findings {
		if f.PeakIndex == peaks[0].Index {
			t.Errorf("first peak flagged: %+v", f)
		}
	}
}

func TestTemporalRequiresThreePeaks(t *testing.T) {
	peaks := peaksAtTimes(0, 50)
	res := AnalyzePeaks(peaks, nil, nil, onlyMethod(MethodTemporal))
	if len(res.Findings) != 0 {
		t.Errorf("two peaks should never produce temporal findings: %+v", res.Findings)
	}
}

func TestIsolationRequiresTenPeaks(t *testing.T) {
	heights := []float64{1, 1, 1, 1, 1, 1, 1, 1, 1000}
	res := AnalyzePeaks(peaksFromHeights(heights...), nil, nil, onlyMethod(MethodIsolation))
	if len(res.Findings) != 0 {
		t.Errorf("nine peaks should never produce isolation findings: %+v", res.Findings)
	}
}

func TestIsolationFlagsFeatureOutlier(t *testing.T) {
	peaks := make([]PeakRecord, 12)
	for i := range peaks {
		peaks[i] = PeakRecord{
			Index:      i * 10,
			Time:       float64(i),
			Height:     10,
			Width:      fp(5),
			Prominence: fp(3),
		}
	}
	peaks[11].Height = 100
	peaks[11].Width = fp(50)
	peaks[11].Prominence = fp(80)

	res := AnalyzePeaks(peaks, nil, nil, onlyMethod(MethodIsolation))
	if len(res.Findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(res.Findings))
	}
	if res.Findings[0].PeakIndex != 110 {
		t.Errorf("flagged peak %d, want 110", res.Findings[0].PeakIndex)
	}
}

func TestIsolationTreatsUndefinedAttributesAsZero(t *testing.T) {
	peaks := make([]PeakRecord, 11)
	for i := range peaks {
		peaks[i] = PeakRecord{Index: i, Time: float64(i), Height: 10, Width: fp(5), Prominence: fp(3)}
	}
	// Undefined width and prominence place this peak far from the cluster.
	peaks[10] = PeakRecord{Index: 10, Time: 10, Height: 10}

	res := AnalyzePeaks(peaks, nil, nil, onlyMethod(MethodIsolation))
	if len(res.Findings) != 1 || res.Findings[0].PeakIndex != 10 {
		t.Errorf("findings = %+v, want the zero-featured peak flagged", res.Findings)
	}
}

func TestDedupeFindings(t *testing.T) {
	in := []AnomalyFinding{
		{PeakIndex: 5, Score: 2.0, Method: MethodZScore},
		{PeakIndex: 7, Score: 1.0, Method: MethodZScore},
		{PeakIndex: 5, Score: 3.0, Method: MethodIQR},
	}
	out := dedupeFindings(in)
	if len(out) != 2 {
		t.Fatalf("got %d findings, want 2", len(out))
	}
	if out[0].PeakIndex != 5 || out[0].Score != 3.0 || out[0].Method != MethodIQR {
		t.Errorf("max score not kept: %+v", out[0])
	}
	if out[1].PeakIndex != 7 {
		t.Errorf("ordering wrong: %+v", out)
	}
}

func TestDedupeTieKeepsFirstMethod(t *testing.T) {
	in := []AnomalyFinding{
		{PeakIndex: 5, Score: 2.0, Method: MethodStatistical},
		{PeakIndex: 5, Score: 2.0, Method: MethodZScore},
	}
	out := dedupeFindings(in)
	if len(out) != 1 || out[0].Method != MethodStatistical {
		t.Errorf("tie should keep the first method: %+v", out)
	}
}

func TestAnalyzePeaksDedupAcrossMethods(t *testing.T) {
	peaks := peaksFromHeights(1, 2, 3, 4, 5, 6, 7, 8, 9, 100)
	cfg := DefaultAnomalyConfig()
	cfg.Methods = []AnomalyMethod{MethodStatistical, MethodZScore}
	res := AnalyzePeaks(peaks, nil, nil, cfg)

	if len(res.Findings) != 1 {
		t.Fatalf("got %d findings, want 1 after dedup", len(res.Findings))
	}
	f := res.Findings[0]
	if f.PeakIndex != 90 || f.Method != MethodStatistical {
		t.Errorf("winner should be the higher statistical score: %+v", f)
	}
	s := res.Statistics
	if s.TotalAnomalies != 1 || s.ByMethod[MethodStatistical] != 1 || s.ByMethod[MethodZScore] != 0 {
		t.Errorf("statistics should count the deduplicated list: %+v", s)
	}
	if s.MaxScore != f.Score || s.MeanScore != f.Score {
		t.Errorf("score summary wrong: %+v", s)
	}
}

func TestAnalyzePeaksIdempotent(t *testing.T) {
	peaks := peaksFromHeights(1, 2, 3, 4, 5, 6, 7, 8, 9, 100)
	cfg := DefaultAnomalyConfig()
	first := AnalyzePeaks(peaks, nil, nil, cfg)
	second := AnalyzePeaks(peaks, nil, nil, cfg)
	if !reflect.DeepEqual(first.Findings, second.Findings) {
		t.Errorf("repeated analysis differs:\n%v\n%v", first.Findings, second.Findings)
	}
	if !reflect.DeepEqual(first.Statistics, second.Statistics) {
		t.Errorf("statistics differ:\n%+v\n%+v", first.Statistics, second.Statistics)
	}
}

func TestAnalyzePeaksUniquePeakIndices(t *testing.T) {
	peaks := peaksFromHeights(1, 1, 2, 50, 1, 1, 2, 60, 1, 1, 2, 70)
	res := AnalyzePeaks(peaks, nil, nil, DefaultAnomalyConfig())
	seen := make(map[int]bool)
	for _, f := range res.Findings {
		if seen[f.PeakIndex] {
			t.Errorf("duplicate finding for peak %d", f.PeakIndex)
		}
		seen[f.PeakIndex] = true
	}
	for i := 1; i < len(res.Findings); i++ {
		if res.Findings[i].Score > res.Findings[i-1].Score {
			t.Errorf("findings not sorted by descending score at %d", i)
		}
	}
}

func TestAnalyzePeaksUnknownMethodWarning(t *testing.T) {
	peaks := peaksFromHeights(1, 2, 3)
	cfg := AnomalyConfig{Methods: []AnomalyMethod{"bogus"}}
	res := AnalyzePeaks(peaks, nil, nil, cfg)

	if len(res.Findings) != 0 {
		t.Errorf("unknown method produced findings: %+v", res.Findings)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(res.Warnings))
	}
	var me *MethodError
	if !errors.As(res.Warnings[0], &me) || me.Method != "bogus" {
		t.Errorf("warning should be a MethodError: %v", res.Warnings[0])
	}
	if res.Statistics.TotalPeaks != 3 {
		t.Errorf("total peaks = %d, want 3", res.Statistics.TotalPeaks)
	}
}

func TestAnomalyStatisticsConsistency(t *testing.T) {
	findings := []AnomalyFinding{
		{PeakIndex: 1, Score: 4, Method: MethodZScore},
		{PeakIndex: 2, Score: 2, Method: MethodIQR},
		{PeakIndex: 3, Score: 6, Method: MethodZScore},
	}
	s := computeAnomalyStatistics(10, findings)

	if s.TotalPeaks != 10 || s.TotalAnomalies != 3 {
		t.Errorf("totals = %d/%d", s.TotalPeaks, s.TotalAnomalies)
	}
	if !almostEqual(s.AnomalyRate, 0.3, 1e-12) {
		t.Errorf("rate = %v, want 0.3", s.AnomalyRate)
	}
	if s.MeanScore != 4 || s.MaxScore != 6 {
		t.Errorf("scores = mean %v max %v", s.MeanScore, s.MaxScore)
	}
	counted := 0
	for _, n := range s.ByMethod {
		counted += n
	}
	if counted != s.TotalAnomalies {
		t.Errorf("per-method counts sum to %d, want %d", counted, s.TotalAnomalies)
	}
}

func TestAnomalyConfigNormalized(t *testing.T) {
	n := AnomalyConfig{}.normalized()
	def := DefaultAnomalyConfig()
	if !reflect.DeepEqual(n.Methods, def.Methods) {
		t.Errorf("empty methods should default to all: %v", n.Methods)
	}
	if n.StatisticalThreshold != 3.5 || n.ZScoreThreshold != 2.5 || n.IQRMultiplier != 1.5 ||
		n.TemporalThreshold != 3.0 || n.IsolationPercentile != 95 {
		t.Errorf("defaults not applied: %+v", n)
	}

	bad := AnomalyConfig{IsolationPercentile: 250}.normalized()
	if bad.IsolationPercentile != 95 {
		t.Errorf("out-of-range percentile not clamped: %v", bad.IsolationPercentile)
	}
}

func TestAnomalyMethodValid(t *testing.T) {
	for _, m := range AllAnomalyMethods() {
		if !m.Valid() {
			t.Errorf("%s should be valid", m)
		}
	}
	if AnomalyMethod("bogus").Valid() {
		t.Error("bogus should be invalid")
	}
}
