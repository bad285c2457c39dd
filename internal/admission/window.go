package admission

import (
	"sync"
	"time"
)

// Window is a per-device sliding-window request counter. Each device key
// maps to the ordered timestamps of its requests inside the trailing window;
// the window slides lazily on each Allow call rather than on a timer.
type Window struct {
	mu       sync.Mutex
	requests map[string][]time.Time

	window   time.Duration
	capacity int
	now      func() time.Time
}

type WindowOption func(*Window)

// WithWindow sets the trailing window duration.
func WithWindow(d time.Duration) WindowOption {
	return func(w *Window) {
		if d > 0 {
			w.window = d
		}
	}
}

// WithCapacity sets the number of requests allowed per window.
func WithCapacity(n int) WindowOption {
	return func(w *Window) {
		if n > 0 {
			w.capacity = n
		}
	}
}

// WithWindowClock overrides the time source, for tests.
func WithWindowClock(now func() time.Time) WindowOption {
	return func(w *Window) {
		if now != nil {
			w.now = now
		}
	}
}

func NewWindow(opts ...WindowOption) *Window {
	w := &Window{
		requests: make(map[string][]time.Time),
		window:   DefaultWindow,
		capacity: DefaultCapacity,
		now:      time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Allow records a request for the device and reports whether it fits in the
// window. Prune, check, and append happen under one lock so concurrent
// callers for the same key cannot jointly over-admit.
func (w *Window) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	windowStart := now.Add(-w.window)

	kept := pruneAfter(w.requests[key], windowStart)

	if len(kept) >= w.capacity {
		// keep the pruned slice so the map does not hold dead timestamps
		w.requests[key] = kept
		return false
	}

	w.requests[key] = append(kept, now)
	return true
}

// Remaining reports how many requests the device has left in the current
// window without recording one. Reporting only; not an admission gate.
func (w *Window) Remaining(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	in := len(pruneAfter(w.requests[key], w.now().Add(-w.window)))
	if in >= w.capacity {
		return 0
	}
	return w.capacity - in
}

// Compact drops devices whose every recorded request has aged out of the
// window, returning how many device entries were removed. The sweeper calls
// this so devices that went quiet do not pin map entries forever.
func (w *Window) Compact() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	windowStart := w.now().Add(-w.window)
	removed := 0
	for key, stamps := range w.requests {
		if kept := pruneAfter(stamps, windowStart); len(kept) == 0 {
			delete(w.requests, key)
			removed++
		} else {
			w.requests[key] = kept
		}
	}
	return removed
}

// pruneAfter keeps timestamps strictly newer than cutoff. Timestamps are
// appended in order, so a single scan for the first survivor suffices.
func pruneAfter(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}
