package crest

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SignalResult holds everything computed for one signal in a run.
type SignalResult struct {
	Signal     string            `json:"signal"`
	Peaks      []PeakRecord      `json:"peaks"`
	Findings   []AnomalyFinding  `json:"findings"`
	Statistics AnomalyStatistics `json:"statistics"`
	PeakStats  PeakStatistics    `json:"peak_stats"`
	Warnings   []string          `json:"warnings,omitempty"`
}

// RunResult is the outcome of one Analyzer invocation. Signals appear in the
// requested order regardless of worker scheduling.
type RunResult struct {
	RunID          string         `json:"run_id"`
	StartedAt      time.Time      `json:"started_at"`
	Duration       time.Duration  `json:"duration"`
	Signals        []SignalResult `json:"signals"`
	TotalPeaks     int            `json:"total_peaks"`
	TotalAnomalies int            `json:"total_anomalies"`
}

// SignalResultFor returns the result for a named signal, or nil.
func (r *RunResult) SignalResultFor(name string) *SignalResult {
	for i := range r.Signals {
		if r.Signals[i].Signal == name {
			return &r.Signals[i]
		}
	}
	return nil
}

// Analyzer runs peak detection and anomaly scoring over a SignalSet. Signals
// are independent, so they are fanned out to a bounded worker pool; each
// signal's output depends only on its input, never on scheduling.
type Analyzer struct {
	// Params configures peak detection.
	Params PeakParams
	// Anomaly configures the scoring methods.
	Anomaly AnomalyConfig
	// Workers bounds the pool size. Zero means one worker per CPU; one
	// means sequential.
	Workers int
	// Hub receives progress events when non-nil.
	Hub *StreamHub
}

// NewAnalyzer returns an Analyzer with default detection and scoring
// parameters.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		Params:  DefaultPeakParams(),
		Anomaly: DefaultAnomalyConfig(),
	}
}

// Analyze processes the named signals, or every signal in the set when names
// is empty. A missing name or a per-signal failure is contained in that
// signal's warnings; the only fatal error is context cancellation.
func (a *Analyzer) Analyze(ctx context.Context, set *SignalSet, names []string) (*RunResult, error) {
	if len(names) == 0 {
		names = set.Names()
	}

	run := &RunResult{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Signals:   make([]SignalResult, len(names)),
	}

	workers := a.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(names) {
		workers = len(names)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				run.Signals[i] = a.analyzeSignal(set, names[i])
				a.publishSignal(run.RunID, &run.Signals[i])
			}
		}()
	}

	canceled := false
dispatch:
	for i := range names {
		if ctx.Err() != nil {
			canceled = true
			break dispatch
		}
		select {
		case jobs <- i:
		case <-ctx.Done():
			canceled = true
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	if canceled {
		return nil, ctx.Err()
	}

	for i := range run.Signals {
		run.TotalPeaks += len(run.Signals[i].Peaks)
		run.TotalAnomalies += len(run.Signals[i].Findings)
	}
	run.Duration = time.Since(run.StartedAt)

	if a.Hub != nil {
		a.Hub.Publish(StreamEvent{Type: EventRun, RunID: run.RunID})
	}
	return run, nil
}

// analyzeSignal computes one signal's result. A panic anywhere inside is
// contained here and recorded as a warning so sibling signals keep going.
func (a *Analyzer) analyzeSignal(set *SignalSet, name string) (sr SignalResult) {
	sr.Signal = name
	defer func() {
		if r := recover(); r != nil {
			sr.Peaks = nil
			sr.Findings = nil
			sr.Statistics = computeAnomalyStatistics(0, nil)
			sr.PeakStats = PeakStatistics{}
			sr.Warnings = append(sr.Warnings, fmt.Sprintf("signal analysis panic: %v", r))
		}
	}()

	values, err := set.Signal(name)
	if err != nil {
		sr.Statistics = computeAnomalyStatistics(0, nil)
		sr.Warnings = append(sr.Warnings, err.Error())
		return sr
	}
	times := set.TimeAxis()

	sr.Peaks = DetectPeaks(values, times, a.Params)
	res := AnalyzePeaks(sr.Peaks, values, times, a.Anomaly)
	sr.Findings = res.Findings
	sr.Statistics = res.Statistics
	sr.PeakStats = ComputePeakStatistics(sr.Peaks, times)
	for _, w := range res.Warnings {
		sr.Warnings = append(sr.Warnings, w.Error())
	}
	return sr
}

func (a *Analyzer) publishSignal(runID string, sr *SignalResult) {
	if a.Hub == nil {
		return
	}
	for i := range sr.Findings {
		a.Hub.Publish(StreamEvent{
			Type:    EventFinding,
			RunID:   runID,
			Signal:  sr.Signal,
			Finding: &sr.Findings[i],
		})
	}
	stats := sr.Statistics
	a.Hub.Publish(StreamEvent{
		Type:       EventSignal,
		RunID:      runID,
		Signal:     sr.Signal,
		Statistics: &stats,
	})
}
