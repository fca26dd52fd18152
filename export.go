package crest

import (
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// validateExportPath resolves the output path and refuses writes into
// sensitive system directories.
func validateExportPath(outputPath string) (string, error) {
	if outputPath == "" {
		return "", errors.New("output path required")
	}
	absPath, err := filepath.Abs(filepath.Clean(outputPath))
	if err != nil {
		return "", fmt.Errorf("invalid output path: %w", err)
	}

	sensitive := []string{
		"/etc", "/bin", "/sbin", "/usr/bin", "/usr/sbin",
		"/boot", "/dev", "/proc", "/sys",
	}
	for _, dir := range sensitive {
		if absPath == dir || strings.HasPrefix(absPath, dir+"/") {
			return "", fmt.Errorf("cannot write to sensitive directory: %s", dir)
		}
	}
	return absPath, nil
}

// ExportFormat defines the output format for run exports.
type ExportFormat int

const (
	// ExportFormatCSV writes one row per detected peak.
	ExportFormatCSV ExportFormat = iota
	// ExportFormatJSON writes a single document with metadata and results.
	ExportFormatJSON
)

// ExportConfig configures run exports.
type ExportConfig struct {
	// Format selects CSV or JSON output.
	Format ExportFormat

	// OutputPath is the target file. A directory gets a default file name.
	OutputPath string

	// Signals restricts the export to the named signals (empty = all).
	Signals []string

	// Compression wraps the output in gzip.
	Compression bool

	// IncludeMetadata emits the "# " comment block before the CSV header.
	IncludeMetadata bool
}

// DefaultExportConfig returns the defaults used by the CLI examples.
func DefaultExportConfig() ExportConfig {
	return ExportConfig{
		Format:          ExportFormatCSV,
		IncludeMetadata: true,
	}
}

// Exporter writes an analysis run to disk. The signal set is optional and
// only contributes source metadata.
type Exporter struct {
	run    *RunResult
	set    *SignalSet
	config ExportConfig
}

// NewExporter creates an exporter for a finished run.
func NewExporter(run *RunResult, set *SignalSet, config ExportConfig) *Exporter {
	return &Exporter{run: run, set: set, config: config}
}

// ExportResult describes what an export produced.
type ExportResult struct {
	PeaksExported int64
	BytesWritten  int64
	Duration      time.Duration
	Files         []string
}

// Export writes the run in the configured format.
func (e *Exporter) Export() (*ExportResult, error) {
	validated, err := validateExportPath(e.config.OutputPath)
	if err != nil {
		return nil, err
	}
	e.config.OutputPath = validated

	results, err := e.signalResults()
	if err != nil {
		return nil, err
	}

	switch e.config.Format {
	case ExportFormatCSV:
		return e.exportCSV(results)
	case ExportFormatJSON:
		return e.exportJSON(results)
	default:
		return nil, fmt.Errorf("unsupported export format: %d", e.config.Format)
	}
}

// signalResults returns the run's results filtered to the configured signal
// names, preserving run order.
func (e *Exporter) signalResults() ([]SignalResult, error) {
	if len(e.config.Signals) == 0 {
		return e.run.Signals, nil
	}
	out := make([]SignalResult, 0, len(e.config.Signals))
	for _, name := range e.config.Signals {
		sr := e.run.SignalResultFor(name)
		if sr == nil {
			return nil, fmt.Errorf("signal %q: %w", name, ErrSignalNotFound)
		}
		out = append(out, *sr)
	}
	return out, nil
}

func (e *Exporter) openOutput(defaultName string) (*os.File, io.Writer, *gzip.Writer, string, error) {
	outputPath := e.config.OutputPath
	if info, err := os.Stat(outputPath); err == nil && info.IsDir() {
		outputPath = filepath.Join(outputPath, defaultName)
	}
	if e.config.Compression && !strings.HasSuffix(outputPath, ".gz") {
		outputPath += ".gz"
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, nil, nil, "", fmt.Errorf("create output directory: %w", err)
	}
	file, err := os.Create(outputPath)
	if err != nil {
		return nil, nil, nil, "", fmt.Errorf("create output file: %w", err)
	}
	var writer io.Writer = file
	var gzWriter *gzip.Writer
	if e.config.Compression {
		gzWriter = gzip.NewWriter(file)
		writer = gzWriter
	}
	return file, writer, gzWriter, outputPath, nil
}

// exportCSV writes one row per peak with the anomaly annotation, if any, in
// the Note column. Undefined widths and prominences export as N/A.
func (e *Exporter) exportCSV(results []SignalResult) (*ExportResult, error) {
	startTime := time.Now()
	result := &ExportResult{}

	file, writer, gzWriter, outputPath, err := e.openOutput("peaks.csv")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if e.config.IncludeMetadata {
		if err := e.writeMetadataComments(writer, results); err != nil {
			return nil, err
		}
	}

	csvWriter := csv.NewWriter(writer)
	header := []string{"Signal_Name", "Peak_Index", "Time_s", "Height", "Width", "Prominence", "Note"}
	if err := csvWriter.Write(header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	for _, sr := range results {
		notes := make(map[int]string, len(sr.Findings))
		for _, f := range sr.Findings {
			notes[f.PeakIndex] = fmt.Sprintf("%s score %.4g", f.Method, f.Score)
		}
		for _, p := range sr.Peaks {
			record := []string{
				sr.Signal,
				strconv.Itoa(p.Index),
				formatFloat(p.Time),
				formatFloat(p.Height),
				formatOptionalFloat(p.Width),
				formatOptionalFloat(p.Prominence),
				notes[p.Index],
			}
			if err := csvWriter.Write(record); err != nil {
				return nil, fmt.Errorf("write record: %w", err)
			}
			result.PeaksExported++
		}
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return nil, fmt.Errorf("csv write error: %w", err)
	}
	if gzWriter != nil {
		if err := gzWriter.Close(); err != nil {
			return nil, err
		}
	}
	if info, err := file.Stat(); err == nil {
		result.BytesWritten = info.Size()
	}

	result.Duration = time.Since(startTime)
	result.Files = []string{outputPath}
	return result, nil
}

func (e *Exporter) writeMetadataComments(w io.Writer, results []SignalResult) error {
	var peaks, anomalies int
	for _, sr := range results {
		peaks += len(sr.Peaks)
		anomalies += len(sr.Findings)
	}

	lines := []string{
		"# crest peak export",
		"# run_id: " + e.run.RunID,
		"# started: " + e.run.StartedAt.UTC().Format(time.RFC3339),
		"# signals: " + strconv.Itoa(len(results)),
		"# total_peaks: " + strconv.Itoa(peaks),
		"# total_anomalies: " + strconv.Itoa(anomalies),
	}
	if e.set != nil {
		info := e.set.FileInfo()
		if info.Subject != "" {
			lines = append(lines, "# subject: "+info.Subject)
		}
		if info.Author != "" {
			lines = append(lines, "# author: "+info.Author)
		}
		if !info.StartTime.IsZero() {
			lines = append(lines, "# measured: "+info.StartTime.UTC().Format(time.RFC3339))
		}
	}
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

type exportMetadata struct {
	RunID           string    `json:"run_id"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	SignalCount     int       `json:"signal_count"`
	TotalPeaks      int       `json:"total_peaks"`
	TotalAnomalies  int       `json:"total_anomalies"`
	Source          *FileInfo `json:"source,omitempty"`
	GeneratedAt     time.Time `json:"generated_at"`
}

type exportEnvelope struct {
	Metadata exportMetadata `json:"metadata"`
	Signals  []SignalResult `json:"signals"`
}

func (e *Exporter) exportJSON(results []SignalResult) (*ExportResult, error) {
	startTime := time.Now()
	result := &ExportResult{}

	file, writer, gzWriter, outputPath, err := e.openOutput("peaks.json")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var peaks, anomalies int
	for _, sr := range results {
		peaks += len(sr.Peaks)
		anomalies += len(sr.Findings)
		result.PeaksExported += int64(len(sr.Peaks))
	}

	envelope := exportEnvelope{
		Metadata: exportMetadata{
			RunID:           e.run.RunID,
			StartedAt:       e.run.StartedAt,
			DurationSeconds: e.run.Duration.Seconds(),
			SignalCount:     len(results),
			TotalPeaks:      peaks,
			TotalAnomalies:  anomalies,
			GeneratedAt:     time.Now().UTC(),
		},
		Signals: results,
	}
	if e.set != nil {
		info := e.set.FileInfo()
		envelope.Metadata.Source = &info
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(envelope); err != nil {
		return nil, fmt.Errorf("encode run: %w", err)
	}
	if gzWriter != nil {
		if err := gzWriter.Close(); err != nil {
			return nil, err
		}
	}
	if info, err := file.Stat(); err == nil {
		result.BytesWritten = info.Size()
	}

	result.Duration = time.Since(startTime)
	result.Files = []string{outputPath}
	return result, nil
}

// Helper functions

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatOptionalFloat(v *float64) string {
	if v == nil {
		return "N/A"
	}
	return formatFloat(*v)
}

// ExportRunToCSV writes a run to a CSV file with default settings.
func ExportRunToCSV(run *RunResult, set *SignalSet, path string) (*ExportResult, error) {
	config := DefaultExportConfig()
	config.OutputPath = path
	return NewExporter(run, set, config).Export()
}

// ExportRunToJSON writes a run to a JSON file with default settings.
func ExportRunToJSON(run *RunResult, set *SignalSet, path string) (*ExportResult, error) {
	config := DefaultExportConfig()
	config.Format = ExportFormatJSON
	config.OutputPath = path
	return NewExporter(run, set, config).Export()
}
