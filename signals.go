package crest

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// signalNameRegex validates signal names: alphanumeric, underscores, dots,
// colons. Must start with a letter or underscore.
var signalNameRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.:]*$`)

// maxSignalNameLen is the maximum allowed signal name length.
const maxSignalNameLen = 256

// ValidateSignalName validates a signal name.
func ValidateSignalName(name string) error {
	if name == "" {
		return ErrInvalidSignalName
	}
	if len(name) > maxSignalNameLen {
		return ErrInvalidSignalName
	}
	// The regexp admits dots, so check traversal sequences separately.
	if strings.Contains(name, "..") {
		return ErrInvalidSignalName
	}
	if !signalNameRegex.MatchString(name) {
		return ErrInvalidSignalName
	}
	return nil
}

// FileInfo carries metadata about the measurement the signals came from.
type FileInfo struct {
	Version   string    `json:"version,omitempty"`
	Author    string    `json:"author,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
}

// SignalSet is an in-memory table of named signals sharing one time axis.
// Sample slices are stored as provided; gaps are NaN entries and lengths may
// differ from the time axis (detection truncates to the shorter). The set is
// safe for concurrent reads once populated.
type SignalSet struct {
	mu         sync.RWMutex
	info       FileInfo
	times      []float64
	signals    map[string][]float64
	order      []string
	sampleRate float64
}

// NewSignalSet creates a set around a shared time axis of relative seconds.
func NewSignalSet(times []float64) *SignalSet {
	return &SignalSet{
		times:   times,
		signals: make(map[string][]float64),
	}
}

// SetFileInfo attaches measurement metadata.
func (s *SignalSet) SetFileInfo(info FileInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
}

// FileInfo returns the attached measurement metadata.
func (s *SignalSet) FileInfo() FileInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// AddSignal stores a sample sequence under a validated name. Names must be
// unique within the set.
func (s *SignalSet) AddSignal(name string, values []float64) error {
	if err := ValidateSignalName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.signals[name]; ok {
		return ErrDuplicateSignal
	}
	s.signals[name] = values
	s.order = append(s.order, name)
	return nil
}

// Signal returns the sample sequence for a name. The returned slice is the
// stored one; callers must not modify it.
func (s *SignalSet) Signal(name string) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values, ok := s.signals[name]
	if !ok {
		return nil, ErrSignalNotFound
	}
	return values, nil
}

// Names returns the signal names in insertion order.
func (s *SignalSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.order))
	copy(names, s.order)
	return names
}

// Len returns the number of signals in the set.
func (s *SignalSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.signals)
}

// TimeAxis returns the shared time axis. Callers must not modify it.
func (s *SignalSet) TimeAxis() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.times
}

// Duration returns the span of the time axis in seconds.
func (s *SignalSet) Duration() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.times) < 2 {
		return 0
	}
	return s.times[len(s.times)-1] - s.times[0]
}

// SetSampleRate overrides the nominal sample rate in Hz.
func (s *SignalSet) SetSampleRate(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleRate = rate
}

// sampleRateOverride returns the explicit rate, zero when unset.
func (s *SignalSet) sampleRateOverride() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sampleRate
}

// SampleRate returns the nominal sample rate in Hz. Unless overridden it is
// estimated from the time axis.
func (s *SignalSet) SampleRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sampleRate > 0 {
		return s.sampleRate
	}
	if len(s.times) < 2 {
		return 0
	}
	span := s.times[len(s.times)-1] - s.times[0]
	if span <= 0 {
		return 0
	}
	return float64(len(s.times)-1) / span
}
