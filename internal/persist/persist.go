// Package persist snapshots the observation store to disk and reloads it at
// startup so records and clock state survive a restart.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/aggrd/internal/clock"
	"pkt.systems/aggrd/internal/lamport"
	"pkt.systems/aggrd/internal/loggingutil"
	"pkt.systems/aggrd/internal/store"
	"pkt.systems/aggrd/internal/weather"
	"pkt.systems/pslog"
)

// TimeLayout is the compact wall-clock format used for last-updated stamps
// in the snapshot file.
const TimeLayout = "20060102150405"

type snapshotEntry struct {
	Data        weather.Observation `json:"data"`
	LastUpdated string              `json:"last-updated"`
	LastLamport uint64              `json:"last-lamport"`
}

// Config carries the persistence manager's dependencies.
type Config struct {
	// Path is the snapshot file location. Its directory must exist.
	Path     string
	Interval time.Duration
	Store    *store.Store
	Lamport  *lamport.Clock
	Wall     clock.Clock
	Logger   pslog.Logger
	// OnSave, when set, observes every successful save. Used for metrics.
	OnSave func(records int, elapsed time.Duration)
}

// Manager owns the snapshot file. Load runs once at startup; a background
// loop then saves whenever the store has been dirtied since the last cycle.
type Manager struct {
	path     string
	interval time.Duration
	store    *store.Store
	lclk     *lamport.Clock
	wall     clock.Clock
	logger   pslog.Logger
	onSave   func(records int, elapsed time.Duration)

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewManager validates cfg and builds a manager. It does not touch the disk.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Path == "" {
		return nil, errors.New("persist: snapshot path required")
	}
	if cfg.Store == nil {
		return nil, errors.New("persist: store required")
	}
	if cfg.Lamport == nil {
		return nil, errors.New("persist: lamport clock required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("persist: invalid interval %s", cfg.Interval)
	}
	wall := cfg.Wall
	if wall == nil {
		wall = clock.Real{}
	}
	return &Manager{
		path:     cfg.Path,
		interval: cfg.Interval,
		store:    cfg.Store,
		lclk:     cfg.Lamport,
		wall:     wall,
		logger:   loggingutil.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "persist"),
		onSave:   cfg.OnSave,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Load reads the snapshot file and restores its records and the highest
// saved Lamport value. A missing or empty file is a clean first boot; a file
// that exists but does not parse is a hard error.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.logger.Debug("persist.load.no_snapshot", "path", m.path)
			return nil
		}
		return fmt.Errorf("persist: read snapshot: %w", err)
	}
	if len(data) == 0 {
		m.logger.Debug("persist.load.empty_snapshot", "path", m.path)
		return nil
	}

	var snapshot map[string]snapshotEntry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("persist: decode snapshot %s: %w", m.path, err)
	}

	var maxLamport uint64
	for station, entry := range snapshot {
		if station == "" || entry.Data.ID == "" {
			m.logger.Warn("persist.load.skip_record", "station", station)
			continue
		}
		m.store.Restore(station, entry.Data, entry.LastLamport)
		if entry.LastLamport > maxLamport {
			maxLamport = entry.LastLamport
		}
	}
	m.lclk.Restore(maxLamport)
	m.logger.Info("persist.load.complete", "records", m.store.Len(), "lamport", m.lclk.Value())
	return nil
}

// Start launches the background save loop.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.started.Store(true)
		go m.run()
	})
}

// Close stops the loop and performs a final save if the store is dirty.
func (m *Manager) Close() error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.started.Load() {
			<-m.doneCh
		}
		err = m.saveIfDirty()
	})
	return err
}

func (m *Manager) run() {
	defer close(m.doneCh)
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.wall.After(m.interval):
			if err := m.saveIfDirty(); err != nil {
				m.logger.Error("persist.save.error", "error", err)
			}
		}
	}
}

func (m *Manager) saveIfDirty() error {
	if !m.store.ClearDirty() {
		return nil
	}
	if err := m.Save(); err != nil {
		// Leave the previous snapshot intact and retry next cycle.
		m.store.MarkDirty()
		return err
	}
	return nil
}

// Save writes the current store contents to the snapshot file atomically:
// temp file, fsync, rename, directory sync. A crash mid-save leaves the
// previous snapshot untouched.
func (m *Manager) Save() error {
	start := m.wall.Now()
	entries := m.store.Snapshot()
	snapshot := make(map[string]snapshotEntry, len(entries))
	for station, entry := range entries {
		snapshot[station] = snapshotEntry{
			Data:        entry.Observation,
			LastUpdated: entry.LastSeen.UTC().Format(TimeLayout),
			LastLamport: entry.Lamport,
		}
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("persist: encode snapshot: %w", err)
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("persist: create temp snapshot: %w", err)
	}
	moved := false
	defer func() {
		_ = tmp.Close()
		if !moved {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(payload); err != nil {
		return fmt.Errorf("persist: write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("persist: sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist: close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("persist: rename snapshot: %w", err)
	}
	moved = true
	if err := syncDir(dir); err != nil {
		m.logger.Warn("persist.save.dir_sync_error", "dir", dir, "error", err)
	}

	elapsed := m.wall.Since(start)
	m.logger.Debug("persist.save.complete", "records", len(snapshot), "bytes", len(payload), "elapsed", elapsed)
	if m.onSave != nil {
		m.onSave(len(snapshot), elapsed)
	}
	return nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
