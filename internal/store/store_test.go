package store_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"pkt.systems/aggrd/internal/clock"
	"pkt.systems/aggrd/internal/store"
	"pkt.systems/aggrd/internal/weather"
)

func obs(id string, temp float64) weather.Observation {
	return weather.Observation{ID: id, AirTemp: temp}
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	s := store.New(nil)
	if !s.Put("IDS60901", obs("IDS60901", 13.3), 1) {
		t.Fatal("first put should report new")
	}
	got, ok := s.Get("IDS60901")
	if !ok {
		t.Fatal("expected station present")
	}
	if got.AirTemp != 13.3 {
		t.Fatalf("air_temp = %v", got.AirTemp)
	}
	if s.Put("IDS60901", obs("IDS60901", 14.0), 2) {
		t.Fatal("second put should report existing")
	}
	got, _ = s.Get("IDS60901")
	if got.AirTemp != 14.0 {
		t.Fatal("update should replace record wholesale")
	}
}

func TestGetAbsentIsNotAnError(t *testing.T) {
	t.Parallel()

	s := store.New(nil)
	if _, ok := s.Get("IDS00000"); ok {
		t.Fatal("expected absent station")
	}
}

func TestPutMarksDirtyAndClearDirtySwaps(t *testing.T) {
	t.Parallel()

	s := store.New(nil)
	if s.Dirty() {
		t.Fatal("fresh store should be clean")
	}
	s.Put("IDS60901", obs("IDS60901", 1), 1)
	if !s.Dirty() {
		t.Fatal("put should mark dirty")
	}
	if !s.ClearDirty() {
		t.Fatal("clear should report previous dirty state")
	}
	if s.Dirty() || s.ClearDirty() {
		t.Fatal("store should stay clean until next mutation")
	}
}

func TestRestoreDoesNotMarkDirty(t *testing.T) {
	t.Parallel()

	s := store.New(nil)
	s.Restore("IDS60901", obs("IDS60901", 1), 7)
	if s.Dirty() {
		t.Fatal("restore should not mark dirty")
	}
	if _, ok := s.Get("IDS60901"); !ok {
		t.Fatal("restored record should be readable")
	}
}

func TestSweepExpiredRemovesOnlyStale(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC))
	s := store.New(clk)

	s.Put("stale", obs("stale", 1), 1)
	clk.Advance(25 * time.Second)
	s.Put("fresh", obs("fresh", 2), 2)
	clk.Advance(10 * time.Second) // stale is 35s old, fresh is 10s old
	s.ClearDirty()

	removed := s.SweepExpired(30 * time.Second)
	if len(removed) != 1 || removed[0] != "stale" {
		t.Fatalf("removed = %v, want [stale]", removed)
	}
	if _, ok := s.Get("stale"); ok {
		t.Fatal("stale station should be gone")
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Fatal("fresh station should survive")
	}
	if !s.Dirty() {
		t.Fatal("removal should mark dirty")
	}

	// A sweep that removes nothing leaves the dirty flag alone.
	s.ClearDirty()
	if removed := s.SweepExpired(30 * time.Second); len(removed) != 0 {
		t.Fatalf("unexpected removals: %v", removed)
	}
	if s.Dirty() {
		t.Fatal("no-op sweep should not mark dirty")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	t.Parallel()

	s := store.New(nil)
	s.Put("IDS60901", obs("IDS60901", 5), 9)
	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot size = %d", len(snap))
	}
	if snap["IDS60901"].Lamport != 9 {
		t.Fatalf("snapshot lamport = %d, want the write's clock", snap["IDS60901"].Lamport)
	}
	delete(snap, "IDS60901")
	if _, ok := s.Get("IDS60901"); !ok {
		t.Fatal("mutating snapshot must not touch the store")
	}
}

func TestConcurrentDistinctKeyPuts(t *testing.T) {
	t.Parallel()

	s := store.New(nil)
	const n = 64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("IDS%05d", i)
			s.Put(id, obs(id, float64(i)), uint64(i)+1)
		}(i)
	}
	wg.Wait()

	if s.Len() != n {
		t.Fatalf("len = %d, want %d", s.Len(), n)
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("IDS%05d", i)
		got, ok := s.Get(id)
		if !ok || got.AirTemp != float64(i) {
			t.Fatalf("lost or corrupted update for %s: %+v ok=%v", id, got, ok)
		}
	}
}

func TestClearEmptiesStore(t *testing.T) {
	t.Parallel()

	s := store.New(nil)
	s.Put("IDS60901", obs("IDS60901", 5), 9)
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("len after clear = %d", s.Len())
	}
	if !s.Dirty() {
		t.Fatal("clear should mark dirty")
	}
}
