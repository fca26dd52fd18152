package crest

import (
	"strings"
	"testing"
)

func TestSummaryReport(t *testing.T) {
	run, _ := exportRunFixture()
	run.Signals[1].Warnings = []string{"width estimation failed at index 7"}

	report := RenderSummaryReport(run)

	for _, want := range []string{
		"Analysis run run-fixture-1",
		"Started:  2024-06-03T10:00:00Z",
		"Signals:  2   Peaks: 3   Anomalies: 1",
		"SIGNAL",
		"speed",
		"rpm",
		"Anomalies:",
		"zscore",
		"z-score 4.25 exceeds 2.5",
		"Warnings:",
		"rpm: width estimation failed at index 7",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q\n%s", want, report)
		}
	}
}

func TestSummaryReportNoAnomalies(t *testing.T) {
	run, _ := exportRunFixture()
	run.Signals[0].Findings = nil
	run.Signals[0].Statistics.TotalAnomalies = 0
	run.TotalAnomalies = 0

	report := RenderSummaryReport(run)
	if strings.Contains(report, "Anomalies:\n") && strings.Contains(report, "METHOD") {
		t.Error("anomaly table rendered for a clean run")
	}
	if strings.Contains(report, "Warnings:") {
		t.Error("warnings section rendered without warnings")
	}
	// Signals without anomalies show a dash for the max score.
	if !strings.Contains(report, "-") {
		t.Error("expected dash placeholders in summary table")
	}
}
