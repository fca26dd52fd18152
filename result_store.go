package crest

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ResultStore persists finished analysis runs. Implementations must be safe
// for concurrent use.
type ResultStore interface {
	// SaveRun stores a run, replacing any run with the same ID.
	SaveRun(ctx context.Context, run *RunResult) error
	// LoadRun returns a stored run or ErrRunNotFound.
	LoadRun(ctx context.Context, runID string) (*RunResult, error)
	// ListRuns returns summaries of all stored runs, newest first.
	ListRuns(ctx context.Context) ([]RunSummary, error)
	// DeleteRun removes a run or returns ErrRunNotFound.
	DeleteRun(ctx context.Context, runID string) error
	// Close releases the store. Further calls return ErrStoreClosed.
	Close() error
}

// RunSummary is the listing row for a stored run.
type RunSummary struct {
	RunID          string        `json:"run_id"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	SignalCount    int           `json:"signal_count"`
	TotalPeaks     int           `json:"total_peaks"`
	TotalAnomalies int           `json:"total_anomalies"`
}

func summarizeRun(run *RunResult) RunSummary {
	return RunSummary{
		RunID:          run.RunID,
		StartedAt:      run.StartedAt,
		Duration:       run.Duration,
		SignalCount:    len(run.Signals),
		TotalPeaks:     run.TotalPeaks,
		TotalAnomalies: run.TotalAnomalies,
	}
}

// MemoryResultStore keeps runs in process memory. Runs are stored by
// reference; callers must not modify a run after saving it.
type MemoryResultStore struct {
	mu     sync.RWMutex
	runs   map[string]*RunResult
	closed bool
}

var _ ResultStore = (*MemoryResultStore)(nil)

// NewMemoryResultStore creates an empty in-memory store.
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{runs: make(map[string]*RunResult)}
}

// SaveRun stores a run, replacing any run with the same ID.
func (m *MemoryResultStore) SaveRun(ctx context.Context, run *RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.runs[run.RunID] = run
	return nil
}

// LoadRun returns a stored run or ErrRunNotFound.
func (m *MemoryResultStore) LoadRun(ctx context.Context, runID string) (*RunResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

// ListRuns returns summaries of all stored runs, newest first.
func (m *MemoryResultStore) ListRuns(ctx context.Context) ([]RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	summaries := make([]RunSummary, 0, len(m.runs))
	for _, run := range m.runs {
		summaries = append(summaries, summarizeRun(run))
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].StartedAt.Equal(summaries[j].StartedAt) {
			return summaries[i].RunID < summaries[j].RunID
		}
		return summaries[i].StartedAt.After(summaries[j].StartedAt)
	})
	return summaries, nil
}

// DeleteRun removes a run or returns ErrRunNotFound.
func (m *MemoryResultStore) DeleteRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.runs[runID]; !ok {
		return ErrRunNotFound
	}
	delete(m.runs, runID)
	return nil
}

// Close releases the store.
func (m *MemoryResultStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.runs = nil
	return nil
}
