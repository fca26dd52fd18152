package crest

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

// Collector accumulates samples from Prometheus remote write requests so
// live telemetry can be analyzed with the same pipeline as recorded files.
// Each series becomes a signal; timestamps are kept in milliseconds until
// BuildSignalSet converts them to a shared relative time axis.
type Collector struct {
	mu     sync.RWMutex
	series map[string]map[int64]float64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{series: make(map[string]map[int64]float64)}
}

// DecodeWriteRequest decodes a snappy-compressed protobuf remote write body.
func DecodeWriteRequest(body []byte) (*prompb.WriteRequest, error) {
	decoded, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	var req prompb.WriteRequest
	if err := req.Unmarshal(decoded); err != nil {
		return nil, fmt.Errorf("decode write request: %w", err)
	}
	return &req, nil
}

// Ingest adds all samples from a write request and returns how many were
// accepted. A sample at a timestamp the series already has overwrites the
// earlier value.
func (c *Collector) Ingest(req *prompb.WriteRequest) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for i := range req.Timeseries {
		ts := &req.Timeseries[i]
		if len(ts.Samples) == 0 {
			continue
		}
		name := seriesName(ts.Labels)
		samples, ok := c.series[name]
		if !ok {
			samples = make(map[int64]float64, len(ts.Samples))
			c.series[name] = samples
		}
		for _, s := range ts.Samples {
			samples[s.Timestamp] = s.Value
			count++
		}
	}
	return count
}

// IngestSnappy decodes a compressed write request body and ingests it.
func (c *Collector) IngestSnappy(body []byte) (int, error) {
	req, err := DecodeWriteRequest(body)
	if err != nil {
		return 0, err
	}
	return c.Ingest(req), nil
}

// SeriesNames returns the collected series names, sorted.
func (c *Collector) SeriesNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.series))
	for name := range c.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SampleCount returns the total number of collected samples.
func (c *Collector) SampleCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := 0
	for _, samples := range c.series {
		total += len(samples)
	}
	return total
}

// Reset discards all collected samples.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.series = make(map[string]map[int64]float64)
}

// BuildSignalSet assembles the collected series into a SignalSet. The time
// axis is the sorted union of all sample timestamps, in seconds relative to
// the earliest sample. Series missing a timestamp get NaN there, which peak
// detection skips.
func (c *Collector) BuildSignalSet() (*SignalSet, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stampSet := make(map[int64]struct{})
	for _, samples := range c.series {
		for ts := range samples {
			stampSet[ts] = struct{}{}
		}
	}
	if len(stampSet) == 0 {
		return nil, errors.New("no samples collected")
	}

	stamps := make([]int64, 0, len(stampSet))
	for ts := range stampSet {
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })

	origin := stamps[0]
	times := make([]float64, len(stamps))
	for i, ts := range stamps {
		times[i] = float64(ts-origin) / 1000.0
	}

	set := NewSignalSet(times)
	set.SetFileInfo(FileInfo{StartTime: time.UnixMilli(origin).UTC()})

	names := make([]string, 0, len(c.series))
	for name := range c.series {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		samples := c.series[name]
		values := make([]float64, len(stamps))
		for i, ts := range stamps {
			if v, ok := samples[ts]; ok {
				values[i] = v
			} else {
				values[i] = math.NaN()
			}
		}
		if err := set.AddSignal(name, values); err != nil {
			return nil, fmt.Errorf("add series %s: %w", name, err)
		}
	}
	return set, nil
}

// seriesName derives a signal name from series labels: the metric name
// followed by sorted label pairs, sanitized to the signal name charset.
func seriesName(labels []prompb.Label) string {
	var metric string
	extra := make([]prompb.Label, 0, len(labels))
	for _, l := range labels {
		if l.Name == "__name__" {
			metric = l.Value
		} else {
			extra = append(extra, l)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].Name < extra[j].Name })

	var b strings.Builder
	b.WriteString(metric)
	for _, l := range extra {
		b.WriteByte('.')
		b.WriteString(l.Name)
		b.WriteByte('.')
		b.WriteString(l.Value)
	}
	return sanitizeSignalName(b.String())
}

func sanitizeSignalName(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == ':', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", ".")
	}
	name = strings.Trim(name, ".")
	if name == "" {
		return "unnamed"
	}
	if c := name[0]; c != '_' && (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
		name = "_" + name
	}
	if len(name) > maxSignalNameLen {
		name = name[:maxSignalNameLen]
	}
	return name
}
