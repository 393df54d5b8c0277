// Package lamport implements a Lamport logical clock with durable
// checkpointing. The clock is shared by every connection handler, so all
// mutations use compare-and-swap loops; each mutation synchronously writes
// the new value to the configured checkpoint so a restarted process resumes
// at or above the last value it ever emitted.
package lamport

import (
	"sync/atomic"

	"pkt.systems/aggrd/internal/loggingutil"
	"pkt.systems/pslog"
)

// Checkpoint persists a single clock value across restarts.
type Checkpoint interface {
	// Load returns the last stored value, or 0 when no checkpoint exists.
	Load() (uint64, error)
	// Store durably records value.
	Store(value uint64) error
}

// Clock is a Lamport logical clock. The zero value is not usable; construct
// with New.
type Clock struct {
	value      atomic.Uint64
	checkpoint Checkpoint
	logger     pslog.Logger
}

// New constructs a Clock resuming from the checkpoint's stored value.
func New(cp Checkpoint, logger pslog.Logger) (*Clock, error) {
	c := &Clock{
		checkpoint: cp,
		logger:     loggingutil.EnsureLogger(logger),
	}
	if cp != nil {
		saved, err := cp.Load()
		if err != nil {
			return nil, err
		}
		c.value.Store(saved)
	}
	return c, nil
}

// Value returns the current clock value without mutating it.
func (c *Clock) Value() uint64 {
	return c.value.Load()
}

// Tick bumps the clock before a send and returns the new value.
func (c *Clock) Tick() uint64 {
	next := c.value.Add(1)
	c.persist(next)
	return next
}

// Witness merges a received peer value: the clock becomes
// max(local, received)+1. Returns the new value.
func (c *Clock) Witness(received uint64) uint64 {
	for {
		cur := c.value.Load()
		next := max(cur, received) + 1
		if c.value.CompareAndSwap(cur, next) {
			c.persist(next)
			return next
		}
	}
}

// Restore raises the clock to at least saved without the +1 receive step.
// Used when fast-forwarding from snapshot state at startup.
func (c *Clock) Restore(saved uint64) uint64 {
	for {
		cur := c.value.Load()
		if saved <= cur {
			return cur
		}
		if c.value.CompareAndSwap(cur, saved) {
			c.persist(saved)
			return saved
		}
	}
}

// Checkpoint write failures are logged rather than surfaced: the in-memory
// clock is still correct, only the resume-at-least guarantee weakens until
// the next successful write.
func (c *Clock) persist(value uint64) {
	if c.checkpoint == nil {
		return
	}
	if err := c.checkpoint.Store(value); err != nil {
		c.logger.Warn("lamport.checkpoint.write_error", "value", value, "error", err)
	}
}
