package crest

import (
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/crestlab/crest/internal/testutil"
)

// exportRunFixture builds a small finished run by hand so export tests do
// not depend on detector behavior.
func exportRunFixture() (*RunResult, *SignalSet) {
	w1 := 2.5
	p1 := 8.0
	run := &RunResult{
		RunID:     "run-fixture-1",
		StartedAt: time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC),
		Duration:  120 * time.Millisecond,
		Signals: []SignalResult{
			{
				Signal: "speed",
				Peaks: []PeakRecord{
					{Index: 12, Time: 1.2, Height: 42.0, Width: &w1, Prominence: &p1},
					{Index: 30, Time: 3.0, Height: 17.5},
				},
				Findings: []AnomalyFinding{
					{PeakIndex: 12, Score: 4.25, Method: MethodZScore, Description: "z-score 4.25 exceeds 2.5"},
				},
				Statistics: AnomalyStatistics{
					TotalPeaks:     2,
					TotalAnomalies: 1,
					AnomalyRate:    0.5,
					ByMethod:       map[AnomalyMethod]int{MethodZScore: 1},
					MeanScore:      4.25,
					MaxScore:       4.25,
				},
			},
			{
				Signal: "rpm",
				Peaks:  []PeakRecord{{Index: 7, Time: 0.7, Height: 3000}},
				Statistics: AnomalyStatistics{
					TotalPeaks: 1,
					ByMethod:   map[AnomalyMethod]int{},
				},
			},
		},
		TotalPeaks:     3,
		TotalAnomalies: 1,
	}

	set := NewSignalSet([]float64{0, 1, 2, 3})
	set.SetFileInfo(FileInfo{Subject: "coastdown", Author: "bench-rig-07"})
	return run, set
}

func TestExportCSV(t *testing.T) {
	run, set := exportRunFixture()
	path := filepath.Join(t.TempDir(), "peaks.csv")

	result, err := ExportRunToCSV(run, set, path)
	if err != nil {
		t.Fatalf("ExportRunToCSV: %v", err)
	}
	if result.PeaksExported != 3 {
		t.Errorf("PeaksExported = %d, want 3", result.PeaksExported)
	}
	if result.BytesWritten == 0 {
		t.Error("BytesWritten = 0")
	}
	if len(result.Files) != 1 || result.Files[0] != path {
		t.Errorf("Files = %v", result.Files)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(raw)
	for _, want := range []string{
		"# crest peak export",
		"# run_id: run-fixture-1",
		"# total_peaks: 3",
		"# subject: coastdown",
		"Signal_Name,Peak_Index,Time_s,Height,Width,Prominence,Note",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("missing %q in output", want)
		}
	}

	// Parse the data rows past the comment block.
	dataStart := strings.Index(content, "Signal_Name")
	records, err := csv.NewReader(strings.NewReader(content[dataStart:])).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("got %d rows, want header plus 3 peaks", len(records))
	}
	first := records[1]
	if first[0] != "speed" || first[1] != "12" || first[3] != "42" {
		t.Errorf("first row = %v", first)
	}
	if first[6] != "zscore score 4.25" {
		t.Errorf("note = %q", first[6])
	}
	second := records[2]
	if second[4] != "N/A" || second[5] != "N/A" {
		t.Errorf("undefined attributes = %q, %q, want N/A", second[4], second[5])
	}
	if second[6] != "" {
		t.Errorf("unflagged peak note = %q, want empty", second[6])
	}
}

func TestExportCSVGzip(t *testing.T) {
	run, set := exportRunFixture()
	path := filepath.Join(t.TempDir(), "peaks.csv")

	config := DefaultExportConfig()
	config.OutputPath = path
	config.Compression = true
	result, err := NewExporter(run, set, config).Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if got := result.Files[0]; !strings.HasSuffix(got, ".csv.gz") {
		t.Errorf("output file = %q, want .csv.gz suffix", got)
	}

	f, err := os.Open(result.Files[0])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip header: %v", err)
	}
	content, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !strings.Contains(string(content), "Signal_Name,Peak_Index") {
		t.Error("compressed output missing csv header")
	}
}

func TestExportJSON(t *testing.T) {
	run, set := exportRunFixture()
	path := filepath.Join(t.TempDir(), "peaks.json")

	result, err := ExportRunToJSON(run, set, path)
	if err != nil {
		t.Fatalf("ExportRunToJSON: %v", err)
	}
	if result.PeaksExported != 3 {
		t.Errorf("PeaksExported = %d, want 3", result.PeaksExported)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var envelope struct {
		Metadata struct {
			RunID          string    `json:"run_id"`
			TotalPeaks     int       `json:"total_peaks"`
			TotalAnomalies int       `json:"total_anomalies"`
			Source         *FileInfo `json:"source"`
		} `json:"metadata"`
		Signals []SignalResult `json:"signals"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if envelope.Metadata.RunID != "run-fixture-1" {
		t.Errorf("run_id = %q", envelope.Metadata.RunID)
	}
	if envelope.Metadata.TotalPeaks != 3 || envelope.Metadata.TotalAnomalies != 1 {
		t.Errorf("totals = %d/%d", envelope.Metadata.TotalPeaks, envelope.Metadata.TotalAnomalies)
	}
	if envelope.Metadata.Source == nil || envelope.Metadata.Source.Subject != "coastdown" {
		t.Errorf("source = %+v", envelope.Metadata.Source)
	}
	if len(envelope.Signals) != 2 {
		t.Fatalf("signals = %d, want 2", len(envelope.Signals))
	}
	speed := envelope.Signals[0]
	if speed.Signal != "speed" || len(speed.Peaks) != 2 {
		t.Errorf("speed result = %+v", speed)
	}
	if speed.Peaks[0].Width == nil || *speed.Peaks[0].Width != 2.5 {
		t.Error("width pointer lost in JSON round trip")
	}
	if speed.Peaks[1].Width != nil {
		t.Error("undefined width should stay null")
	}
}

func TestExportSignalFilter(t *testing.T) {
	run, set := exportRunFixture()
	config := DefaultExportConfig()
	config.OutputPath = filepath.Join(t.TempDir(), "rpm.csv")
	config.Signals = []string{"rpm"}

	result, err := NewExporter(run, set, config).Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if result.PeaksExported != 1 {
		t.Errorf("PeaksExported = %d, want 1", result.PeaksExported)
	}

	config.Signals = []string{"bogus"}
	config.OutputPath = filepath.Join(t.TempDir(), "bogus.csv")
	if _, err := NewExporter(run, set, config).Export(); !errors.Is(err, ErrSignalNotFound) {
		t.Errorf("unknown signal returned %v, want ErrSignalNotFound", err)
	}
	testutil.MustNotExist(t, config.OutputPath)
}

func TestExportToDirectory(t *testing.T) {
	run, set := exportRunFixture()
	dir := t.TempDir()

	config := DefaultExportConfig()
	config.OutputPath = dir
	result, err := NewExporter(run, set, config).Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	want := filepath.Join(dir, "peaks.csv")
	if result.Files[0] != want {
		t.Errorf("Files[0] = %q, want %q", result.Files[0], want)
	}
}

func TestValidateExportPath(t *testing.T) {
	tests := []struct {
		path string
		ok   bool
	}{
		{"", false},
		{"/etc/passwd", false},
		{"/proc/self/environ", false},
		{"/sys", false},
		{"/tmp/out.csv", true},
		{"relative/out.csv", true},
	}
	for _, tt := range tests {
		_, err := validateExportPath(tt.path)
		if tt.ok && err != nil {
			t.Errorf("validateExportPath(%q): %v", tt.path, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("validateExportPath(%q): expected error", tt.path)
		}
	}
}
