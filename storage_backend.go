package crest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// StorageBackend is the interface artifact storage is written against.
// Archives, exports and reports can live on the local filesystem, in
// memory, or in S3-compatible object storage.
type StorageBackend interface {
	// Read reads an artifact from storage.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write writes an artifact to storage.
	Write(ctx context.Context, key string, data []byte) error

	// Delete removes an artifact from storage.
	Delete(ctx context.Context, key string) error

	// List returns all artifact keys matching a prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists checks if an artifact exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases any resources.
	Close() error
}

var (
	_ StorageBackend = (*FileBackend)(nil)
	_ StorageBackend = (*MemoryBackend)(nil)
	_ StorageBackend = (*TieredBackend)(nil)
)

// FileBackend stores artifacts under a base directory on the local
// filesystem. Keys map to relative paths.
type FileBackend struct {
	baseDir string
}

// NewFileBackend creates the base directory if needed and returns a
// backend rooted there.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	absDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	return &FileBackend{baseDir: filepath.Clean(absDir)}, nil
}

// safePath resolves a key inside the base directory. Keys that escape the
// base directory after cleaning are rejected.
func (f *FileBackend) safePath(key string) (string, error) {
	resolved := filepath.Clean(filepath.Join(f.baseDir, filepath.Clean(key)))
	if resolved != f.baseDir && !strings.HasPrefix(resolved, f.baseDir+string(os.PathSeparator)) {
		return "", errors.New("invalid key: escapes base directory")
	}
	return resolved, nil
}

func (f *FileBackend) Read(ctx context.Context, key string) ([]byte, error) {
	path, err := f.safePath(key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (f *FileBackend) Write(ctx context.Context, key string, data []byte) error {
	path, err := f.safePath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (f *FileBackend) Delete(ctx context.Context, key string) error {
	path, err := f.safePath(key)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

func (f *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	searchPath, err := f.safePath(prefix)
	if err != nil {
		return nil, err
	}

	var keys []string
	err = filepath.WalkDir(searchPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A missing prefix directory just yields no keys.
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if !d.IsDir() {
			rel, err := filepath.Rel(f.baseDir, path)
			if err != nil {
				return err
			}
			keys = append(keys, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileBackend) Exists(ctx context.Context, key string) (bool, error) {
	path, err := f.safePath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (f *FileBackend) Close() error {
	return nil
}

// MemoryBackend stores artifacts in a map. Useful for tests and as the hot
// tier of a TieredBackend. Reads and writes copy the data so callers cannot
// alias the stored bytes.
type MemoryBackend struct {
	data map[string][]byte
	mu   sync.RWMutex
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (m *MemoryBackend) Read(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.data[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryBackend) Write(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *MemoryBackend) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.data[key]
	return ok, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}

// Size returns the number of stored artifacts.
func (m *MemoryBackend) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// TieredBackend layers a fast hot backend over a slower cold one. Writes
// land in the hot tier, reads fall back to cold and promote hits into hot.
type TieredBackend struct {
	hot  StorageBackend
	cold StorageBackend
}

// NewTieredBackend composes two backends into hot and cold tiers.
func NewTieredBackend(hot, cold StorageBackend) *TieredBackend {
	return &TieredBackend{hot: hot, cold: cold}
}

func (t *TieredBackend) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := t.hot.Read(ctx, key)
	if err == nil {
		return data, nil
	}

	data, err = t.cold.Read(ctx, key)
	if err != nil {
		return nil, err
	}

	// Promote so the next read hits the hot tier.
	_ = t.hot.Write(ctx, key, data)
	return data, nil
}

func (t *TieredBackend) Write(ctx context.Context, key string, data []byte) error {
	return t.hot.Write(ctx, key, data)
}

func (t *TieredBackend) Delete(ctx context.Context, key string) error {
	errHot := t.hot.Delete(ctx, key)
	errCold := t.cold.Delete(ctx, key)
	if errHot != nil && errCold != nil {
		return errHot
	}
	return nil
}

func (t *TieredBackend) List(ctx context.Context, prefix string) ([]string, error) {
	hotKeys, err := t.hot.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	coldKeys, err := t.cold.List(ctx, prefix)
	if err != nil {
		return hotKeys, nil
	}

	seen := make(map[string]bool, len(hotKeys))
	for _, k := range hotKeys {
		seen[k] = true
	}
	for _, k := range coldKeys {
		if !seen[k] {
			hotKeys = append(hotKeys, k)
		}
	}
	sort.Strings(hotKeys)
	return hotKeys, nil
}

func (t *TieredBackend) Exists(ctx context.Context, key string) (bool, error) {
	exists, err := t.hot.Exists(ctx, key)
	if err == nil && exists {
		return true, nil
	}
	return t.cold.Exists(ctx, key)
}

func (t *TieredBackend) Close() error {
	errHot := t.hot.Close()
	errCold := t.cold.Close()
	if errHot != nil {
		return errHot
	}
	return errCold
}
