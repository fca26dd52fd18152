package crest

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

// WriteSummaryReport renders a human-readable run summary. The layout is
// meant for terminals and log files, not for machine parsing; use the JSON
// export for that.
func WriteSummaryReport(w io.Writer, run *RunResult) error {
	fmt.Fprintf(w, "Analysis run %s\n", run.RunID)
	fmt.Fprintf(w, "Started:  %s\n", run.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Duration: %s\n", run.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Signals:  %d   Peaks: %d   Anomalies: %d\n\n",
		len(run.Signals), run.TotalPeaks, run.TotalAnomalies)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SIGNAL\tPEAKS\tANOMALIES\tRATE\tMAX SCORE\tPEAK RATE")
	for i := range run.Signals {
		sr := &run.Signals[i]
		maxScore := "-"
		if sr.Statistics.TotalAnomalies > 0 {
			maxScore = fmt.Sprintf("%.3g", sr.Statistics.MaxScore)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f%%\t%s\t%s\n",
			sr.Signal,
			len(sr.Peaks),
			len(sr.Findings),
			sr.Statistics.AnomalyRate*100,
			maxScore,
			formatPeakRate(sr.PeakStats.PeakRate),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if run.TotalAnomalies > 0 {
		fmt.Fprintln(w, "\nAnomalies:")
		atw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(atw, "SIGNAL\tPEAK\tTIME\tMETHOD\tSCORE\tDETAIL")
		for i := range run.Signals {
			sr := &run.Signals[i]
			for _, f := range sr.Findings {
				fmt.Fprintf(atw, "%s\t%d\t%.3fs\t%s\t%.3g\t%s\n",
					sr.Signal, f.PeakIndex, peakTime(sr, f.PeakIndex), f.Method, f.Score, f.Description)
			}
		}
		if err := atw.Flush(); err != nil {
			return err
		}
	}

	var warned bool
	for i := range run.Signals {
		sr := &run.Signals[i]
		for _, msg := range sr.Warnings {
			if !warned {
				fmt.Fprintln(w, "\nWarnings:")
				warned = true
			}
			fmt.Fprintf(w, "  %s: %s\n", sr.Signal, msg)
		}
	}
	return nil
}

// RenderSummaryReport is WriteSummaryReport into a string.
func RenderSummaryReport(run *RunResult) string {
	var sb strings.Builder
	_ = WriteSummaryReport(&sb, run)
	return sb.String()
}

// peakTime looks up the detection time for a flagged peak. Findings always
// reference a detected peak, so the fallback zero only covers hand-built
// results.
func peakTime(sr *SignalResult, peakIndex int) float64 {
	for i := range sr.Peaks {
		if sr.Peaks[i].Index == peakIndex {
			return sr.Peaks[i].Time
		}
	}
	return 0
}

func formatPeakRate(rate float64) string {
	if rate == 0 {
		return "-"
	}
	return fmt.Sprintf("%.3g/s", rate)
}
