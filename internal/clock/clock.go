// Package clock abstracts wall-clock access so expiry and persistence
// cadence can be driven deterministically in tests.
package clock

import "time"

// Clock provides the time operations aggrd depends on.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Since reports the elapsed wall time since t.
func (Real) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
