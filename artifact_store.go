package crest

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ArtifactStoreConfig configures an ArtifactStore.
type ArtifactStoreConfig struct {
	// Encryptor, when set, encrypts artifact bodies before they reach the
	// backend and decrypts them on the way out.
	Encryptor *Encryptor

	// MaxFailures consecutive backend failures open the circuit breaker.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing again.
	ResetTimeout time.Duration
}

// DefaultArtifactStoreConfig returns the artifact store defaults.
func DefaultArtifactStoreConfig() ArtifactStoreConfig {
	return ArtifactStoreConfig{
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
	}
}

// ArtifactStore keeps run artifacts (archives, exports, reports) on a
// StorageBackend under run-scoped keys. A circuit breaker guards the
// backend so a failing remote store degrades fast instead of hanging
// every caller.
type ArtifactStore struct {
	backend StorageBackend
	config  ArtifactStoreConfig
	breaker *CircuitBreaker
}

// NewArtifactStore wraps a backend with artifact semantics.
func NewArtifactStore(backend StorageBackend, config ArtifactStoreConfig) *ArtifactStore {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	return &ArtifactStore{
		backend: backend,
		config:  config,
		breaker: NewCircuitBreaker(config.MaxFailures, config.ResetTimeout),
	}
}

// artifactKey builds the backend key for a run artifact.
func artifactKey(runID, name string) (string, error) {
	if runID == "" || strings.ContainsAny(runID, "/\\") {
		return "", fmt.Errorf("invalid run ID %q", runID)
	}
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return runID + "/" + name, nil
}

// Put stores an artifact under runID/name.
func (a *ArtifactStore) Put(ctx context.Context, runID, name string, data []byte) error {
	key, err := artifactKey(runID, name)
	if err != nil {
		return err
	}
	if a.config.Encryptor != nil {
		data, err = a.config.Encryptor.Encrypt(data)
		if err != nil {
			return fmt.Errorf("encrypt artifact %s: %w", key, err)
		}
	}
	return a.breaker.Execute(func() error {
		return a.backend.Write(ctx, key, data)
	})
}

// Get retrieves an artifact stored under runID/name.
func (a *ArtifactStore) Get(ctx context.Context, runID, name string) ([]byte, error) {
	key, err := artifactKey(runID, name)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = a.breaker.Execute(func() error {
		var readErr error
		data, readErr = a.backend.Read(ctx, key)
		return readErr
	})
	if err != nil {
		return nil, err
	}
	if a.config.Encryptor != nil {
		data, err = a.config.Encryptor.Decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("decrypt artifact %s: %w", key, err)
		}
	}
	return data, nil
}

// Delete removes an artifact.
func (a *ArtifactStore) Delete(ctx context.Context, runID, name string) error {
	key, err := artifactKey(runID, name)
	if err != nil {
		return err
	}
	return a.breaker.Execute(func() error {
		return a.backend.Delete(ctx, key)
	})
}

// List returns the artifact names stored for a run, sorted.
func (a *ArtifactStore) List(ctx context.Context, runID string) ([]string, error) {
	if runID == "" || strings.ContainsAny(runID, "/\\") {
		return nil, fmt.Errorf("invalid run ID %q", runID)
	}
	prefix := runID + "/"
	var keys []string
	err := a.breaker.Execute(func() error {
		var listErr error
		keys, listErr = a.backend.List(ctx, prefix)
		return listErr
	})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, strings.TrimPrefix(k, prefix))
	}
	return names, nil
}

// Exists checks whether an artifact is stored.
func (a *ArtifactStore) Exists(ctx context.Context, runID, name string) (bool, error) {
	key, err := artifactKey(runID, name)
	if err != nil {
		return false, err
	}
	var exists bool
	err = a.breaker.Execute(func() error {
		var exErr error
		exists, exErr = a.backend.Exists(ctx, key)
		return exErr
	})
	return exists, err
}

// PutArchive encodes a signal set and stores it as a run artifact. The
// archive layer handles its own optional password encryption; passing an
// empty password stores it in plain archive form, still subject to the
// store's Encryptor if one is configured.
func (a *ArtifactStore) PutArchive(ctx context.Context, runID, name string, set *SignalSet, password string) error {
	data, err := EncodeArchive(set, password)
	if err != nil {
		return fmt.Errorf("encode archive %s: %w", name, err)
	}
	return a.Put(ctx, runID, name, data)
}

// GetArchive retrieves and decodes a stored signal set archive.
func (a *ArtifactStore) GetArchive(ctx context.Context, runID, name string, password string) (*SignalSet, error) {
	data, err := a.Get(ctx, runID, name)
	if err != nil {
		return nil, err
	}
	set, err := DecodeArchive(data, password)
	if err != nil {
		return nil, fmt.Errorf("decode archive %s: %w", name, err)
	}
	return set, nil
}

// BreakerState reports the circuit breaker state for health endpoints.
func (a *ArtifactStore) BreakerState() string {
	return a.breaker.State()
}

// Close closes the underlying backend.
func (a *ArtifactStore) Close() error {
	return a.backend.Close()
}
