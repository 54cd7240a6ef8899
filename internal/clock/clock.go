package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source used by session timers. Depending on an interface
// rather than the time package lets tests drive keepalive and dead timers
// deterministically.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives the current time once d has
	// elapsed on this clock.
	After(d time.Duration) <-chan time.Time
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// Manual is a clock that only moves when Advance or Set is called. Pending
// After channels fire, in deadline order, as soon as the clock passes them.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter

	// listeners observe every time change.
	listeners []func(time.Time)
}

// NewManual constructs a manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After registers a waiter that fires once the clock reaches now+d. A
// non-positive duration fires immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, waiter{deadline: m.now.Add(d), ch: ch})
	return ch
}

// Pending reports how many After channels have not fired yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// AddListener registers a callback invoked after every time change.
func (m *Manual) AddListener(fn func(time.Time)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	m.Set(target)
}

// Set moves the clock to t, firing every waiter whose deadline is not after t.
// Moving backwards only updates Now.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t

	sort.Slice(m.waiters, func(i, j int) bool {
		return m.waiters[i].deadline.Before(m.waiters[j].deadline)
	})
	fired := 0
	for _, w := range m.waiters {
		if w.deadline.After(t) {
			break
		}
		w.ch <- t
		fired++
	}
	m.waiters = append(m.waiters[:0], m.waiters[fired:]...)
	listeners := append([]func(time.Time){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(t)
	}
}
