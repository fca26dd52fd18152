package crest

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AnalysisSpec is a declarative YAML profile describing a full analysis
// run: detection settings, anomaly settings, signal selection, and exports.
// Unset fields fall back to the package defaults, so a minimal profile only
// names itself.
type AnalysisSpec struct {
	Version   string            `yaml:"version"`
	Name      string            `yaml:"name"`
	Detection DetectionSpec     `yaml:"detection,omitempty"`
	Anomaly   AnomalySpec       `yaml:"anomaly,omitempty"`
	Signals   []string          `yaml:"signals,omitempty"`
	Workers   int               `yaml:"workers,omitempty"`
	Exports   []ExportSpec      `yaml:"exports,omitempty"`
	Vars      map[string]string `yaml:"vars,omitempty"`
}

// DetectionSpec overrides peak detection parameters. Nil fields keep the
// defaults. It doubles as the detection block of HTTP analyze requests.
type DetectionSpec struct {
	HeightThreshold *float64 `yaml:"height_threshold,omitempty" json:"height_threshold,omitempty"`
	Distance        *int     `yaml:"distance,omitempty" json:"distance,omitempty"`
	Prominence      *float64 `yaml:"prominence,omitempty" json:"prominence,omitempty"`
	WidthMin        *float64 `yaml:"width_min,omitempty" json:"width_min,omitempty"`
	WidthMax        *float64 `yaml:"width_max,omitempty" json:"width_max,omitempty"`
}

// AnomalySpec overrides anomaly scoring parameters. Nil fields keep the
// defaults. It doubles as the anomaly block of HTTP analyze requests.
type AnomalySpec struct {
	Methods              []string `yaml:"methods,omitempty" json:"methods,omitempty"`
	StatisticalThreshold *float64 `yaml:"statistical_threshold,omitempty" json:"statistical_threshold,omitempty"`
	ZScoreThreshold      *float64 `yaml:"zscore_threshold,omitempty" json:"zscore_threshold,omitempty"`
	IQRMultiplier        *float64 `yaml:"iqr_multiplier,omitempty" json:"iqr_multiplier,omitempty"`
	TemporalThreshold    *float64 `yaml:"temporal_threshold,omitempty" json:"temporal_threshold,omitempty"`
	IsolationPercentile  *float64 `yaml:"isolation_percentile,omitempty" json:"isolation_percentile,omitempty"`
}

// ExportSpec describes one export target of a profile.
type ExportSpec struct {
	Format   string   `yaml:"format"`
	Path     string   `yaml:"path"`
	Signals  []string `yaml:"signals,omitempty"`
	Compress bool     `yaml:"compress,omitempty"`
}

// ParseAnalysisSpec parses and validates a YAML profile.
func ParseAnalysisSpec(data []byte) (*AnalysisSpec, error) {
	var spec AnalysisSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("profile: invalid YAML: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// ParseAnalysisSpecFile parses a YAML profile from a file path.
func ParseAnalysisSpecFile(path string) (*AnalysisSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: cannot read %s: %w", path, err)
	}
	return ParseAnalysisSpec(data)
}

// Validate checks the profile for structural correctness.
func (s *AnalysisSpec) Validate() error {
	if s.Version == "" {
		return fmt.Errorf("profile: version is required")
	}
	if s.Name == "" {
		return fmt.Errorf("profile: name is required")
	}

	if d := s.Detection.Distance; d != nil && *d < 1 {
		return fmt.Errorf("profile: detection.distance must be at least 1")
	}
	if lo, hi := s.Detection.WidthMin, s.Detection.WidthMax; lo != nil && hi != nil && *hi < *lo {
		return fmt.Errorf("profile: detection.width_max is below width_min")
	}

	for i, m := range s.Anomaly.Methods {
		if !AnomalyMethod(m).Valid() {
			return fmt.Errorf("profile: anomaly.methods[%d] %q is not supported (valid: %s)",
				i, m, joinMethods(AllAnomalyMethods()))
		}
	}
	if p := s.Anomaly.IsolationPercentile; p != nil && (*p <= 0 || *p > 100) {
		return fmt.Errorf("profile: anomaly.isolation_percentile must be in (0, 100]")
	}

	for i, sig := range s.Signals {
		if err := ValidateSignalName(sig); err != nil {
			return fmt.Errorf("profile: signals[%d] %q: %w", i, sig, err)
		}
	}

	for i, ex := range s.Exports {
		switch strings.ToLower(ex.Format) {
		case "csv", "json":
		case "":
			return fmt.Errorf("profile: exports[%d].format is required", i)
		default:
			return fmt.Errorf("profile: exports[%d].format %q is not supported (valid: csv, json)", i, ex.Format)
		}
		if ex.Path == "" {
			return fmt.Errorf("profile: exports[%d].path is required", i)
		}
	}
	return nil
}

// PeakParams resolves the detection section against the defaults.
func (s *AnalysisSpec) PeakParams() PeakParams {
	params := DefaultPeakParams()
	if v := s.Detection.HeightThreshold; v != nil {
		params.HeightThreshold = *v
	}
	if v := s.Detection.Distance; v != nil {
		params.Distance = *v
	}
	if v := s.Detection.Prominence; v != nil {
		params.Prominence = *v
	}
	if v := s.Detection.WidthMin; v != nil {
		params.WidthMin = *v
	}
	if v := s.Detection.WidthMax; v != nil {
		params.WidthMax = *v
	}
	return params
}

// AnomalyConfig resolves the anomaly section against the defaults.
func (s *AnalysisSpec) AnomalyConfig() AnomalyConfig {
	cfg := DefaultAnomalyConfig()
	if len(s.Anomaly.Methods) > 0 {
		cfg.Methods = make([]AnomalyMethod, len(s.Anomaly.Methods))
		for i, m := range s.Anomaly.Methods {
			cfg.Methods[i] = AnomalyMethod(m)
		}
	}
	if v := s.Anomaly.StatisticalThreshold; v != nil {
		cfg.StatisticalThreshold = *v
	}
	if v := s.Anomaly.ZScoreThreshold; v != nil {
		cfg.ZScoreThreshold = *v
	}
	if v := s.Anomaly.IQRMultiplier; v != nil {
		cfg.IQRMultiplier = *v
	}
	if v := s.Anomaly.TemporalThreshold; v != nil {
		cfg.TemporalThreshold = *v
	}
	if v := s.Anomaly.IsolationPercentile; v != nil {
		cfg.IsolationPercentile = *v
	}
	return cfg
}

// Execute runs the profile against a signal set and performs its exports.
// Export paths go through variable expansion.
func (s *AnalysisSpec) Execute(ctx context.Context, set *SignalSet) (*RunResult, error) {
	analyzer := NewAnalyzer()
	analyzer.Params = s.PeakParams()
	analyzer.Anomaly = s.AnomalyConfig()
	analyzer.Workers = s.Workers

	run, err := analyzer.Analyze(ctx, set, s.Signals)
	if err != nil {
		return nil, err
	}

	for i, ex := range s.Exports {
		config := DefaultExportConfig()
		if strings.EqualFold(ex.Format, "json") {
			config.Format = ExportFormatJSON
		}
		config.OutputPath = s.expandVars(ex.Path)
		config.Signals = ex.Signals
		config.Compression = ex.Compress
		if _, err := NewExporter(run, set, config).Export(); err != nil {
			return run, fmt.Errorf("profile: exports[%d]: %w", i, err)
		}
	}
	return run, nil
}

// Encode serializes the profile back to YAML.
func (s *AnalysisSpec) Encode() ([]byte, error) {
	return yaml.Marshal(s)
}

// expandVars replaces ${VAR} references with values from s.Vars, then from
// the environment.
func (s *AnalysisSpec) expandVars(v string) string {
	for k, val := range s.Vars {
		v = strings.ReplaceAll(v, "${"+k+"}", val)
	}
	return os.Expand(v, os.Getenv)
}

func joinMethods(methods []AnomalyMethod) string {
	parts := make([]string, len(methods))
	for i, m := range methods {
		parts[i] = string(m)
	}
	return strings.Join(parts, ", ")
}
