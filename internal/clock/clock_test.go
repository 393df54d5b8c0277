package clock_test

import (
	"testing"
	"time"

	"pkt.systems/aggrd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)

	ch := m.After(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before advance")
	default:
	}

	m.Advance(29 * time.Second)
	if m.Pending() != 1 {
		t.Fatalf("expected timer still pending, got %d", m.Pending())
	}

	m.Advance(time.Second)
	select {
	case fired := <-ch:
		if want := start.Add(30 * time.Second); !fired.Equal(want) {
			t.Fatalf("timer fired at %v, want %v", fired, want)
		}
	default:
		t.Fatal("timer did not fire after advancing past deadline")
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("expected immediate delivery for zero duration")
	}
}

func TestManualSince(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	m.Advance(90 * time.Second)
	if d := m.Since(start); d != 90*time.Second {
		t.Fatalf("expected 90s since start, got %v", d)
	}
}
