package crest

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

// storeRunFixture builds a run with enough nested structure to exercise
// every column a store has to persist: optional peak attributes, findings,
// per-method counts, peak statistics and warnings.
func storeRunFixture(id string, started time.Time) *RunResult {
	w := 2.5
	p := 8.0
	return &RunResult{
		RunID:     id,
		StartedAt: started,
		Duration:  120 * time.Millisecond,
		Signals: []SignalResult{
			{
				Signal: "speed",
				Peaks: []PeakRecord{
					{Index: 12, Time: 1.2, Height: 42.0, Width: &w, Prominence: &p},
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
				PeakStats: PeakStatistics{
					Count:    2,
					Height:   SummaryStats{Mean: 29.75, Std: 12.25, Min: 17.5, Max: 42.0},
					PeakRate: 0.5,
				},
				Warnings: []string{"anomaly method temporal: needs at least 3 peaks"},
			},
			{
				Signal: "rpm",
				Peaks:  []PeakRecord{{Index: 7, Time: 0.7, Height: 3000}},
				Statistics: AnomalyStatistics{
					TotalPeaks: 1,
					ByMethod:   map[AnomalyMethod]int{},
				},
				PeakStats: PeakStatistics{Count: 1},
			},
		},
		TotalPeaks:     3,
		TotalAnomalies: 1,
	}
}

// assertRunsEqual compares runs field by field. StartedAt is compared with
// Equal because wall clock representations differ across a store round trip.
func assertRunsEqual(t *testing.T, got, want *RunResult) {
	t.Helper()
	if !got.StartedAt.Equal(want.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, want.StartedAt)
	}
	gotCopy := *got
	wantCopy := *want
	gotCopy.StartedAt = wantCopy.StartedAt
	if !reflect.DeepEqual(gotCopy, wantCopy) {
		t.Errorf("run mismatch:\ngot  %+v\nwant %+v", gotCopy, wantCopy)
	}
}

func TestMemoryStoreSaveLoad(t *testing.T) {
	store := NewMemoryResultStore()
	defer store.Close()
	ctx := context.Background()

	run := storeRunFixture("run-1", time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC))
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	loaded, err := store.LoadRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	assertRunsEqual(t, loaded, run)
}

func TestMemoryStoreOverwrite(t *testing.T) {
	store := NewMemoryResultStore()
	defer store.Close()
	ctx := context.Background()

	started := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	if err := store.SaveRun(ctx, storeRunFixture("run-1", started)); err != nil {
		t.Fatal(err)
	}

	updated := storeRunFixture("run-1", started)
	updated.Signals = updated.Signals[:1]
	updated.TotalPeaks = 2
	if err := store.SaveRun(ctx, updated); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.LoadRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Signals) != 1 || loaded.TotalPeaks != 2 {
		t.Errorf("got %d signals, %d peaks, want 1 signal, 2 peaks", len(loaded.Signals), loaded.TotalPeaks)
	}

	list, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("ListRuns returned %d entries, want 1", len(list))
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	store := NewMemoryResultStore()
	defer store.Close()
	ctx := context.Background()

	if _, err := store.LoadRun(ctx, "absent"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("LoadRun error = %v, want ErrRunNotFound", err)
	}
	if err := store.DeleteRun(ctx, "absent"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("DeleteRun error = %v, want ErrRunNotFound", err)
	}
}

func TestMemoryStoreListOrder(t *testing.T) {
	store := NewMemoryResultStore()
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	for _, r := range []struct {
		id      string
		started time.Time
	}{
		{"middle", base.Add(time.Hour)},
		{"tie-b", base},
		{"newest", base.Add(2 * time.Hour)},
		{"tie-a", base},
	} {
		if err := store.SaveRun(ctx, storeRunFixture(r.id, r.started)); err != nil {
			t.Fatal(err)
		}
	}

	list, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, sum := range list {
		ids = append(ids, sum.RunID)
	}
	want := []string{"newest", "middle", "tie-a", "tie-b"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("ListRuns order = %v, want %v", ids, want)
	}

	if list[0].SignalCount != 2 || list[0].TotalPeaks != 3 || list[0].TotalAnomalies != 1 {
		t.Errorf("summary = %+v", list[0])
	}
	if list[0].Duration != 120*time.Millisecond {
		t.Errorf("Duration = %v", list[0].Duration)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryResultStore()
	defer store.Close()
	ctx := context.Background()

	run := storeRunFixture("run-1", time.Now().UTC())
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, err := store.LoadRun(ctx, "run-1"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("LoadRun after delete = %v, want ErrRunNotFound", err)
	}
	if err := store.DeleteRun(ctx, "run-1"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("second DeleteRun = %v, want ErrRunNotFound", err)
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	store := NewMemoryResultStore()
	ctx := context.Background()

	run := storeRunFixture("run-1", time.Now().UTC())
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := store.SaveRun(ctx, run); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("SaveRun after close = %v, want ErrStoreClosed", err)
	}
	if _, err := store.LoadRun(ctx, "run-1"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("LoadRun after close = %v, want ErrStoreClosed", err)
	}
	if _, err := store.ListRuns(ctx); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("ListRuns after close = %v, want ErrStoreClosed", err)
	}
	if err := store.DeleteRun(ctx, "run-1"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("DeleteRun after close = %v, want ErrStoreClosed", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}
