package threat

import (
	"sync"
	"time"
)

// Window counts events per key over a sliding time span. Each key keeps at
// most limit timestamps, so memory is bounded by the number of active keys.
type Window struct {
	mu     sync.Mutex
	span   time.Duration
	limit  int
	events map[string][]time.Time
}

// NewWindow creates a Window covering span that stores up to limit events
// per key.
func NewWindow(span time.Duration, limit int) *Window {
	if limit < 1 {
		limit = 1
	}
	return &Window{span: span, limit: limit, events: make(map[string][]time.Time)}
}

// Record notes an event for key at t and returns how many events for key
// fall inside the window ending at t.
func (w *Window) Record(key string, t time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	ts := prune(w.events[key], t.Add(-w.span))
	ts = append(ts, t)
	if len(ts) > w.limit {
		ts = ts[len(ts)-w.limit:]
	}
	w.events[key] = ts
	return len(ts)
}

// Count returns the events for key inside the window ending at now.
func (w *Window) Count(key string, now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	ts := prune(w.events[key], now.Add(-w.span))
	if len(ts) == 0 {
		delete(w.events, key)
		return 0
	}
	w.events[key] = ts
	return len(ts)
}

// Reset forgets key.
func (w *Window) Reset(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.events, key)
}

// Sweep drops keys with no events after cutoff and returns how many remain.
func (w *Window) Sweep(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-w.span)
	for k, ts := range w.events {
		if ts = prune(ts, cutoff); len(ts) == 0 {
			delete(w.events, k)
		} else {
			w.events[k] = ts
		}
	}
	return len(w.events)
}

// prune removes timestamps at or before cutoff.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
