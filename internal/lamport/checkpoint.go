package lamport

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type checkpointState struct {
	Clock uint64 `json:"clock"`
}

// FileCheckpoint stores the clock value as a small JSON document, written
// to a temp file and atomically renamed over the live path so the
// checkpoint is always either the previous or the new complete value.
// Stores are monotonic: a value below the highest one already loaded or
// stored is silently dropped, so concurrent writers racing to persist
// cannot leave an older value on disk after a newer one was durable.
type FileCheckpoint struct {
	mu      sync.Mutex
	path    string
	highest uint64
}

// NewFileCheckpoint prepares a checkpoint at path, creating the parent
// directory when necessary.
func NewFileCheckpoint(path string) (*FileCheckpoint, error) {
	if path == "" {
		return nil, fmt.Errorf("lamport: checkpoint path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lamport: prepare checkpoint directory: %w", err)
	}
	return &FileCheckpoint{path: path}, nil
}

// Load reads the stored clock value; a missing or empty file yields 0.
func (f *FileCheckpoint) Load() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("lamport: read checkpoint %q: %w", f.path, err)
	}
	if len(data) == 0 {
		return 0, nil
	}
	var state checkpointState
	if err := json.Unmarshal(data, &state); err != nil {
		return 0, fmt.Errorf("lamport: decode checkpoint %q: %w", f.path, err)
	}
	if state.Clock > f.highest {
		f.highest = state.Clock
	}
	return state.Clock, nil
}

// Store writes value via temp file + rename. Values at or below the
// highest already persisted are ignored.
func (f *FileCheckpoint) Store(value uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if value <= f.highest {
		return nil
	}
	data, err := json.Marshal(checkpointState{Clock: value})
	if err != nil {
		return fmt.Errorf("lamport: encode checkpoint: %w", err)
	}
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".clock-*.tmp")
	if err != nil {
		return fmt.Errorf("lamport: create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("lamport: write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("lamport: sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("lamport: close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("lamport: rename checkpoint: %w", err)
	}
	tmpName = ""
	f.highest = value
	return nil
}

// MemCheckpoint keeps the value in memory only; useful for tests and
// embedded servers that do not need clock durability.
type MemCheckpoint struct {
	mu    sync.Mutex
	value uint64
}

// Load returns the last stored value.
func (m *MemCheckpoint) Load() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, nil
}

// Store records value unless a higher one is already held.
func (m *MemCheckpoint) Store(value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value > m.value {
		m.value = value
	}
	return nil
}
