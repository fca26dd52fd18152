package crest

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

// failingBackend errors on every operation, for circuit breaker tests.
type failingBackend struct {
	calls int
}

func (f *failingBackend) Read(ctx context.Context, key string) ([]byte, error) {
	f.calls++
	return nil, errors.New("backend down")
}

func (f *failingBackend) Write(ctx context.Context, key string, data []byte) error {
	f.calls++
	return errors.New("backend down")
}

func (f *failingBackend) Delete(ctx context.Context, key string) error {
	f.calls++
	return errors.New("backend down")
}

func (f *failingBackend) List(ctx context.Context, prefix string) ([]string, error) {
	f.calls++
	return nil, errors.New("backend down")
}

func (f *failingBackend) Exists(ctx context.Context, key string) (bool, error) {
	f.calls++
	return false, errors.New("backend down")
}

func (f *failingBackend) Close() error { return nil }

func TestArtifactStoreRoundTrip(t *testing.T) {
	store := NewArtifactStore(NewMemoryBackend(), DefaultArtifactStoreConfig())
	defer store.Close()
	ctx := context.Background()

	if err := store.Put(ctx, "run-1", "peaks.csv", []byte("csv data")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, "run-1", "report.txt", []byte("report")); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, "run-2", "peaks.csv", []byte("other run")); err != nil {
		t.Fatal(err)
	}

	data, err := store.Get(ctx, "run-1", "peaks.csv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "csv data" {
		t.Errorf("Get = %q", data)
	}

	names, err := store.List(ctx, "run-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"peaks.csv", "report.txt"}) {
		t.Errorf("List = %v", names)
	}

	exists, err := store.Exists(ctx, "run-1", "peaks.csv")
	if err != nil || !exists {
		t.Errorf("Exists = %v, %v", exists, err)
	}

	if err := store.Delete(ctx, "run-1", "peaks.csv"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	exists, _ = store.Exists(ctx, "run-1", "peaks.csv")
	if exists {
		t.Error("expected artifact deleted")
	}
	// The sibling run is untouched.
	if _, err := store.Get(ctx, "run-2", "peaks.csv"); err != nil {
		t.Errorf("sibling run artifact lost: %v", err)
	}
}

func TestArtifactStoreKeyValidation(t *testing.T) {
	store := NewArtifactStore(NewMemoryBackend(), DefaultArtifactStoreConfig())
	defer store.Close()
	ctx := context.Background()

	bad := []struct{ runID, name string }{
		{"", "a.csv"},
		{"run/1", "a.csv"},
		{"run\\1", "a.csv"},
		{"run-1", ""},
		{"run-1", "/abs"},
		{"run-1", "../escape"},
	}
	for _, tc := range bad {
		if err := store.Put(ctx, tc.runID, tc.name, []byte("x")); err == nil {
			t.Errorf("Put(%q, %q) succeeded, want error", tc.runID, tc.name)
		}
	}

	// Subdirectories within a run are allowed.
	if err := store.Put(ctx, "run-1", "exports/peaks.csv", []byte("x")); err != nil {
		t.Errorf("Put with nested name: %v", err)
	}
}

func TestArtifactStoreEncryption(t *testing.T) {
	enc, err := NewEncryptor("artifact-password")
	if err != nil {
		t.Fatal(err)
	}
	backend := NewMemoryBackend()
	cfg := DefaultArtifactStoreConfig()
	cfg.Encryptor = enc
	store := NewArtifactStore(backend, cfg)
	defer store.Close()
	ctx := context.Background()

	plaintext := []byte("sensitive export data")
	if err := store.Put(ctx, "run-1", "peaks.csv", plaintext); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// The backend must hold ciphertext, not the plaintext.
	raw, err := backend.Read(ctx, "run-1/peaks.csv")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, plaintext) {
		t.Error("backend stored plaintext")
	}

	got, err := store.Get(ctx, "run-1", "peaks.csv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Get = %q, want %q", got, plaintext)
	}

	// A store with the wrong password cannot read it.
	wrongEnc, _ := NewEncryptor("wrong-password")
	wrongCfg := DefaultArtifactStoreConfig()
	wrongCfg.Encryptor = wrongEnc
	wrongStore := NewArtifactStore(backend, wrongCfg)
	if _, err := wrongStore.Get(ctx, "run-1", "peaks.csv"); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("Get with wrong password = %v, want ErrDecryptFailed", err)
	}
}

func TestArtifactStoreArchive(t *testing.T) {
	store := NewArtifactStore(NewMemoryBackend(), DefaultArtifactStoreConfig())
	defer store.Close()
	ctx := context.Background()

	set := NewSignalSet([]float64{0, 0.5, 1.0, 1.5})
	if err := set.AddSignal("speed", []float64{10, 20, 15, 12}); err != nil {
		t.Fatal(err)
	}

	if err := store.PutArchive(ctx, "run-1", "signals.crest", set, ""); err != nil {
		t.Fatalf("PutArchive: %v", err)
	}

	loaded, err := store.GetArchive(ctx, "run-1", "signals.crest", "")
	if err != nil {
		t.Fatalf("GetArchive: %v", err)
	}
	values, err := loaded.Signal("speed")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(values, []float64{10, 20, 15, 12}) {
		t.Errorf("Signal = %v", values)
	}
	if !reflect.DeepEqual(loaded.TimeAxis(), []float64{0, 0.5, 1.0, 1.5}) {
		t.Errorf("TimeAxis = %v", loaded.TimeAxis())
	}
}

func TestArtifactStoreCircuitBreaker(t *testing.T) {
	backend := &failingBackend{}
	store := NewArtifactStore(backend, ArtifactStoreConfig{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})
	ctx := context.Background()

	if state := store.BreakerState(); state != "closed" {
		t.Errorf("initial BreakerState = %q", state)
	}

	for i := 0; i < 2; i++ {
		if err := store.Put(ctx, "run-1", "a.csv", []byte("x")); err == nil {
			t.Fatal("Put succeeded against failing backend")
		}
	}
	if state := store.BreakerState(); state != "open" {
		t.Errorf("BreakerState after failures = %q, want open", state)
	}

	// The open breaker rejects calls without touching the backend.
	before := backend.calls
	if err := store.Put(ctx, "run-1", "a.csv", []byte("x")); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Put with open breaker = %v, want ErrCircuitOpen", err)
	}
	if backend.calls != before {
		t.Errorf("backend called %d times while breaker open", backend.calls-before)
	}
}
