package clock

import (
	"testing"
	"time"
)

func TestManualSetTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)

	newNow := start.Add(42 * time.Second)
	c.Set(newNow)

	if got := c.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)

	short := c.After(5 * time.Second)
	long := c.After(30 * time.Second)

	c.Advance(10 * time.Second)
	select {
	case got := <-short:
		if want := start.Add(10 * time.Second); !got.Equal(want) {
			t.Fatalf("short fired at %v, want %v", got, want)
		}
	default:
		t.Fatalf("expected 5s waiter to fire after advancing 10s")
	}
	select {
	case <-long:
		t.Fatalf("30s waiter fired early")
	default:
	}
	if got := c.Pending(); got != 1 {
		t.Fatalf("Pending() = %d, want 1", got)
	}

	c.Advance(20 * time.Second)
	select {
	case <-long:
	default:
		t.Fatalf("expected 30s waiter to fire")
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	c := NewManual(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatalf("After(0) should fire immediately")
	}
}

func TestManualListeners(t *testing.T) {
	c := NewManual(time.Unix(0, 0))
	var seen []time.Time
	c.AddListener(func(now time.Time) { seen = append(seen, now) })

	c.Advance(time.Second)
	c.Advance(time.Second)

	if len(seen) != 2 {
		t.Fatalf("listener invoked %d times, want 2", len(seen))
	}
	if !seen[1].Equal(time.Unix(2, 0)) {
		t.Fatalf("last listener time = %v, want %v", seen[1], time.Unix(2, 0))
	}
}
