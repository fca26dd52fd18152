package crest

import (
	"fmt"
	"sort"
)

// AnomalyMethod identifies one of the peak scoring methods.
type AnomalyMethod string

const (
	// MethodStatistical scores peak heights by modified z-score (MAD based).
	MethodStatistical AnomalyMethod = "statistical"
	// MethodZScore scores peak heights by classic z-score.
	MethodZScore AnomalyMethod = "zscore"
	// MethodIQR flags peak heights outside Tukey fences.
	MethodIQR AnomalyMethod = "iqr"
	// MethodTemporal scores irregular inter-peak time intervals.
	MethodTemporal AnomalyMethod = "temporal"
	// MethodIsolation scores peaks by distance in normalized feature space.
	MethodIsolation AnomalyMethod = "isolation"
)

// AllAnomalyMethods lists every method in canonical execution order.
func AllAnomalyMethods() []AnomalyMethod {
	return []AnomalyMethod{
		MethodStatistical,
		MethodZScore,
		MethodIQR,
		MethodTemporal,
		MethodIsolation,
	}
}

// Valid reports whether m names a known method.
func (m AnomalyMethod) Valid() bool {
	switch m {
	case MethodStatistical, MethodZScore, MethodIQR, MethodTemporal, MethodIsolation:
		return true
	}
	return false
}

// AnomalyConfig selects and tunes the scoring methods. Methods run in the
// listed order; the order also breaks score ties during deduplication.
type AnomalyConfig struct {
	// Methods to run. Empty means all methods in canonical order.
	Methods []AnomalyMethod
	// StatisticalThreshold is the modified z-score cutoff (default 3.5).
	StatisticalThreshold float64
	// ZScoreThreshold is the classic z-score cutoff (default 2.5).
	ZScoreThreshold float64
	// IQRMultiplier widens the Tukey fences (default 1.5).
	IQRMultiplier float64
	// TemporalThreshold is the interval deviation cutoff (default 3.0).
	TemporalThreshold float64
	// IsolationPercentile sets the isolation score cutoff (default 95).
	IsolationPercentile float64
}

// DefaultAnomalyConfig returns the standard configuration with all methods
// enabled.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		Methods:              AllAnomalyMethods(),
		StatisticalThreshold: 3.5,
		ZScoreThreshold:      2.5,
		IQRMultiplier:        1.5,
		TemporalThreshold:    3.0,
		IsolationPercentile:  95,
	}
}

// normalized fills in defaults for unset or out-of-range fields.
func (c AnomalyConfig) normalized() AnomalyConfig {
	def := DefaultAnomalyConfig()
	if len(c.Methods) == 0 {
		c.Methods = def.Methods
	}
	if c.StatisticalThreshold <= 0 {
		c.StatisticalThreshold = def.StatisticalThreshold
	}
	if c.ZScoreThreshold <= 0 {
		c.ZScoreThreshold = def.ZScoreThreshold
	}
	if c.IQRMultiplier <= 0 {
		c.IQRMultiplier = def.IQRMultiplier
	}
	if c.TemporalThreshold <= 0 {
		c.TemporalThreshold = def.TemporalThreshold
	}
	if c.IsolationPercentile <= 0 || c.IsolationPercentile > 100 {
		c.IsolationPercentile = def.IsolationPercentile
	}
	return c
}

// AnomalyFinding flags one peak as anomalous. PeakIndex refers to
// PeakRecord.Index within the same signal.
type AnomalyFinding struct {
	PeakIndex   int           `json:"peak_index"`
	Score       float64       `json:"score"`
	Method      AnomalyMethod `json:"method"`
	Description string        `json:"description"`
}

// AnomalyStatistics summarizes the findings for one signal.
type AnomalyStatistics struct {
	TotalPeaks     int                   `json:"total_peaks"`
	TotalAnomalies int                   `json:"total_anomalies"`
	AnomalyRate    float64               `json:"anomaly_rate"`
	ByMethod       map[AnomalyMethod]int `json:"by_method"`
	MeanScore      float64               `json:"mean_score"`
	MaxScore       float64               `json:"max_score"`
}

// AnalysisResult is the outcome of scoring one signal's peaks. Findings are
// deduplicated to one per peak and sorted by descending score. Warnings
// carry *MethodError values for methods that faulted.
type AnalysisResult struct {
	Findings   []AnomalyFinding
	Statistics AnomalyStatistics
	Warnings   []error
}

// AnalyzePeaks scores a signal's peaks with the configured methods. Methods
// run independently; one faulting method is reported as a warning and does
// not abort the others. With zero peaks no method runs and the result is
// empty with zero-valued statistics.
func AnalyzePeaks(peaks []PeakRecord, values, times []float64, cfg AnomalyConfig) AnalysisResult {
	cfg = cfg.normalized()

	var res AnalysisResult
	if len(peaks) == 0 {
		res.Statistics = computeAnomalyStatistics(0, nil)
		return res
	}

	var all []AnomalyFinding
	for _, m := range cfg.Methods {
		findings, err := runAnomalyMethod(m, peaks, values, times, cfg)
		if err != nil {
			res.Warnings = append(res.Warnings, err)
			continue
		}
		all = append(all, findings...)
	}

	res.Findings = dedupeFindings(all)
	res.Statistics = computeAnomalyStatistics(len(peaks), res.Findings)
	return res
}

// runAnomalyMethod dispatches one method and contains its failures: both
// error returns and panics surface as a *MethodError.
func runAnomalyMethod(m AnomalyMethod, peaks []PeakRecord, values, times []float64, cfg AnomalyConfig) (findings []AnomalyFinding, err error) {
	defer func() {
		if r := recover(); r != nil {
			findings = nil
			err = newMethodError(m, fmt.Sprintf("panic: %v", r), nil)
		}
	}()

	switch m {
	case MethodStatistical:
		return anomalyStatistical(peaks, cfg.StatisticalThreshold), nil
	case MethodZScore:
		return anomalyZScore(peaks, cfg.ZScoreThreshold), nil
	case MethodIQR:
		return anomalyIQR(peaks, cfg.IQRMultiplier), nil
	case MethodTemporal:
		return anomalyTemporal(peaks, cfg.TemporalThreshold), nil
	case MethodIsolation:
		return anomalyIsolation(peaks, cfg.IsolationPercentile), nil
	default:
		return nil, newMethodError(m, "unknown method", nil)
	}
}

// dedupeFindings keeps the single highest-scoring finding per peak. Ties go
// to the finding produced first, which follows the configured method order.
// The result is sorted by descending score; equal scores keep their first
// encounter order.
func dedupeFindings(findings []AnomalyFinding) []AnomalyFinding {
	if len(findings) == 0 {
		return nil
	}
	pos := make(map[int]int, len(findings))
	out := make([]AnomalyFinding, 0, len(findings))
	for _, f := range findings {
		if i, ok := pos[f.PeakIndex]; ok {
			if f.Score > out[i].Score {
				out[i] = f
			}
			continue
		}
		pos[f.PeakIndex] = len(out)
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

func computeAnomalyStatistics(totalPeaks int, findings []AnomalyFinding) AnomalyStatistics {
	stats := AnomalyStatistics{
		TotalPeaks:     totalPeaks,
		TotalAnomalies: len(findings),
		ByMethod:       make(map[AnomalyMethod]int),
	}
	if totalPeaks > 0 {
		stats.AnomalyRate = float64(len(findings)) / float64(totalPeaks)
	}
	if len(findings) == 0 {
		return stats
	}
	sum := 0.0
	for _, f := range findings {
		stats.ByMethod[f.Method]++
		sum += f.Score
		if f.Score > stats.MaxScore {
			stats.MaxScore = f.Score
		}
	}
	stats.MeanScore = sum / float64(len(findings))
	return stats
}
