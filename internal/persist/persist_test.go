package persist_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/aggrd/internal/clock"
	"pkt.systems/aggrd/internal/lamport"
	"pkt.systems/aggrd/internal/persist"
	"pkt.systems/aggrd/internal/store"
	"pkt.systems/aggrd/internal/weather"
)

func newManager(t *testing.T, path string, st *store.Store, wall clock.Clock) (*persist.Manager, *lamport.Clock) {
	t.Helper()
	lclk, err := lamport.New(&lamport.MemCheckpoint{}, nil)
	if err != nil {
		t.Fatalf("lamport clock: %v", err)
	}
	m, err := persist.NewManager(persist.Config{
		Path:     path,
		Interval: time.Minute,
		Store:    st,
		Lamport:  lclk,
		Wall:     wall,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, lclk
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snapshot.json")
	st := store.New(nil)
	st.Put("IDS60901", weather.Observation{ID: "IDS60901", AirTemp: 13.3}, 4)
	st.Put("IDS60902", weather.Observation{ID: "IDS60902", AirTemp: 9.1}, 7)

	m, _ := newManager(t, path, st, nil)
	if err := m.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := store.New(nil)
	m2, lclk := newManager(t, path, restored, nil)
	if err := m2.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.Len() != 2 {
		t.Fatalf("restored %d records, want 2", restored.Len())
	}
	obs, ok := restored.Get("IDS60902")
	if !ok || obs.AirTemp != 9.1 {
		t.Fatalf("restored record mismatch: %+v ok=%v", obs, ok)
	}
	if lclk.Value() < 7 {
		t.Fatalf("lamport = %d, want at least the highest saved value", lclk.Value())
	}
	if restored.Dirty() {
		t.Fatal("load must not dirty the store")
	}
}

func TestSnapshotFileFormat(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snapshot.json")
	wall := clock.NewManual(time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC))
	st := store.New(wall)
	st.Put("IDS60901", weather.Observation{ID: "IDS60901", AirTemp: 13.3}, 5)

	m, _ := newManager(t, path, st, wall)
	if err := m.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snapshot map[string]struct {
		Data        weather.Observation `json:"data"`
		LastUpdated string              `json:"last-updated"`
		LastLamport uint64              `json:"last-lamport"`
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	entry, ok := snapshot["IDS60901"]
	if !ok {
		t.Fatalf("station missing from snapshot: %s", raw)
	}
	if entry.Data.ID != "IDS60901" || entry.LastLamport != 5 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.LastUpdated != "20260301123045" {
		t.Fatalf("last-updated = %q", entry.LastUpdated)
	}
}

func TestLoadMissingAndEmptyFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	m, _ := newManager(t, filepath.Join(dir, "absent.json"), store.New(nil), nil)
	if err := m.Load(); err != nil {
		t.Fatalf("load missing file: %v", err)
	}

	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatalf("write empty file: %v", err)
	}
	m2, _ := newManager(t, empty, store.New(nil), nil)
	if err := m2.Load(); err != nil {
		t.Fatalf("load empty file: %v", err)
	}
}

func TestLoadCorruptSnapshotFails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snapshot.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	m, _ := newManager(t, path, store.New(nil), nil)
	if err := m.Load(); err == nil || !strings.Contains(err.Error(), "decode snapshot") {
		t.Fatalf("load corrupt file = %v, want decode error", err)
	}
}

func TestCloseSavesDirtyStore(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snapshot.json")
	st := store.New(nil)
	m, _ := newManager(t, path, st, nil)
	m.Start()

	st.Put("IDS60901", weather.Observation{ID: "IDS60901"}, 1)
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot missing after close: %v", err)
	}
}

func TestBackgroundLoopSavesWhenDirty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snapshot.json")
	wall := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := store.New(wall)
	m, _ := newManager(t, path, st, wall)
	m.Start()
	defer m.Close()

	st.Put("IDS60901", weather.Observation{ID: "IDS60901"}, 1)

	// Keep advancing: the loop may not have registered its timer yet when
	// the first advance lands.
	deadline := time.Now().Add(2 * time.Second)
	for {
		wall.Advance(time.Minute)
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background loop never wrote the snapshot")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st.Dirty() {
		t.Fatal("dirty flag should be cleared after save")
	}
}

func TestSaveSkippedWhenClean(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snapshot.json")
	st := store.New(nil)
	m, _ := newManager(t, path, st, nil)
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("clean store must not produce a snapshot, stat err = %v", err)
	}
}
