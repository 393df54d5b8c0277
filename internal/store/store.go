// Package store holds the in-memory observation store shared by the
// request processor, the persistence manager, and the expiry sweeper.
package store

import (
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/aggrd/internal/clock"
	"pkt.systems/aggrd/internal/weather"
)

// Entry is a snapshot view of one stored station: the observation, the time
// it was last refreshed, and the Lamport clock of the write that stored it.
type Entry struct {
	Observation weather.Observation
	LastSeen    time.Time
	Lamport     uint64
}

type record struct {
	obs      weather.Observation
	lastSeen time.Time
	lamport  uint64
}

// Store is a concurrent keyed map of observations. The dirty flag is set by
// every mutation and cleared only by the persistence manager right before
// it snapshots.
type Store struct {
	clk clock.Clock

	mu      sync.RWMutex
	records map[string]record

	dirty atomic.Bool
}

// New returns an empty store reading time from clk.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		clk:     clk,
		records: make(map[string]record),
	}
}

// Get returns the observation stored for station, if any.
func (s *Store) Get(station string) (weather.Observation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[station]
	return rec.obs, ok
}

// Put stores obs for station with the Lamport clock of the write, stamps its
// last-seen time, and marks the store dirty. Reports whether the station was
// previously absent.
func (s *Store) Put(station string, obs weather.Observation, lamport uint64) (wasNew bool) {
	now := s.clk.Now()
	s.mu.Lock()
	_, existed := s.records[station]
	s.records[station] = record{obs: obs, lastSeen: now, lamport: lamport}
	s.mu.Unlock()
	s.dirty.Store(true)
	return !existed
}

// Restore inserts obs with a fresh last-seen stamp without marking the
// store dirty. Used when reloading a snapshot at startup: the loaded state
// already matches the file on disk.
func (s *Store) Restore(station string, obs weather.Observation, lamport uint64) {
	now := s.clk.Now()
	s.mu.Lock()
	s.records[station] = record{obs: obs, lastSeen: now, lamport: lamport}
	s.mu.Unlock()
}

// SweepExpired atomically removes every entry whose last refresh is older
// than ttl and returns the removed station ids. Any removal marks the
// store dirty.
func (s *Store) SweepExpired(ttl time.Duration) []string {
	now := s.clk.Now()
	var removed []string
	s.mu.Lock()
	for station, rec := range s.records {
		if now.Sub(rec.lastSeen) > ttl {
			delete(s.records, station)
			removed = append(removed, station)
		}
	}
	s.mu.Unlock()
	if len(removed) > 0 {
		s.dirty.Store(true)
	}
	return removed
}

// Snapshot returns a deep copy of the current contents, suitable for
// serialization while writers keep making progress.
func (s *Store) Snapshot() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Entry, len(s.records))
	for station, rec := range s.records {
		out[station] = Entry{Observation: rec.obs, LastSeen: rec.lastSeen, Lamport: rec.lamport}
	}
	return out
}

// Len returns the number of stored stations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Clear removes all entries and marks the store dirty. Test/reset hook.
func (s *Store) Clear() {
	s.mu.Lock()
	s.records = make(map[string]record)
	s.mu.Unlock()
	s.dirty.Store(true)
}

// Dirty reports whether in-memory state has diverged from the last
// snapshot.
func (s *Store) Dirty() bool {
	return s.dirty.Load()
}

// ClearDirty resets the dirty flag, returning its previous value. The
// persistence manager calls this immediately before reading the map; a
// write landing between the clear and the read is captured by the next
// cycle.
func (s *Store) ClearDirty() bool {
	return s.dirty.Swap(false)
}

// MarkDirty forces the next persistence cycle to save.
func (s *Store) MarkDirty() {
	s.dirty.Store(true)
}
