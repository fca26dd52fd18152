// Package crest detects peaks in sampled measurement signals and scores
// them for anomalies.
//
// Crest ports the peak-detection semantics of scipy's find_peaks (height,
// distance, prominence and width filtering, with plateau handling) and
// layers five anomaly scoring methods, batch analysis, persistence and an
// HTTP API on top.
//
// # Basic Usage
//
// Detect peaks in a single signal:
//
//	peaks := crest.DetectPeaks(values, times, crest.DefaultPeakParams())
//	for _, p := range peaks {
//	    fmt.Printf("peak at %.2fs height %.2f\n", p.Time, p.Height)
//	}
//
// Score the peaks for anomalies:
//
//	result := crest.AnalyzePeaks(peaks, values, times, crest.DefaultAnomalyConfig())
//	for _, f := range result.Findings {
//	    fmt.Println(f.Description)
//	}
//
// Analyze a whole measurement in one run:
//
//	set := crest.NewSignalSet(times)
//	_ = set.AddSignal("wheel_speed", speed)
//	run, err := crest.NewAnalyzer().Analyze(ctx, set, nil)
//
// # Features
//
// Detection & Scoring:
//   - find_peaks-compatible detection with NaN handling
//   - Statistical, modified z-score, IQR, temporal and isolation scoring
//   - Per-signal statistics (heights, widths, prominences, peak rate)
//   - Concurrent multi-signal analysis with a bounded worker pool
//
// Persistence & Export:
//   - Result stores: in-memory, SQLite, PostgreSQL
//   - CSV and JSON export with optional gzip compression
//   - Compressed archive format with optional AES-256-GCM encryption
//   - Artifact storage on file, memory, S3 or tiered backends
//
// Integrations:
//   - HTTP API with API-key auth and per-IP rate limiting
//   - Prometheus remote write ingestion into signal sets
//   - WebSocket streaming of per-signal progress events
//   - YAML analysis profiles for repeatable batch jobs
//
// # Configuration
//
// Detection and scoring are configured per call through [PeakParams] and
// [AnomalyConfig]; both have Default constructors whose zero-ish values
// mirror the original tooling. The [Analyzer], stores and the [Server] take
// small config structs with the same Default pattern.
package crest
