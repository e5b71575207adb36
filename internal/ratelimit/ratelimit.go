// Package ratelimit implements per-identity sliding-window admission control.
package ratelimit

import (
	"sync"
	"time"
)

// Window is the sliding-window duration; the limit is per minute.
const Window = 60 * time.Second

// Result is the outcome of an admission check.
type Result struct {
	Allowed           bool
	Limit             int
	Remaining         int
	RetryAfterSeconds int
}

// window is the bounded set of recent admission timestamps for one identity.
// It never holds more than the per-minute cap.
type window struct {
	mu       sync.Mutex
	stamps   []time.Time
	lastUsed time.Time
}

// prune drops timestamps older than now-Window, in place.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-Window)
	keep := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	w.stamps = keep
}

// Registry manages per-identity windows.
type Registry struct {
	mu      sync.RWMutex
	limit   int
	windows map[string]*window
}

// NewRegistry creates a registry with the given per-minute cap.
func NewRegistry(limit int) *Registry {
	return &Registry{
		limit:   limit,
		windows: make(map[string]*window),
	}
}

// Allow admits or denies one request for id at the current instant.
func (r *Registry) Allow(id string) Result {
	return r.allowAt(id, time.Now())
}

func (r *Registry) allowAt(id string, now time.Time) Result {
	w := r.getOrCreate(id)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastUsed = now
	w.prune(now)

	if len(w.stamps) >= r.limit {
		return Result{
			Allowed:           false,
			Limit:             r.limit,
			RetryAfterSeconds: int(Window / time.Second),
		}
	}
	w.stamps = append(w.stamps, now)
	return Result{
		Allowed:   true,
		Limit:     r.limit,
		Remaining: r.limit - len(w.stamps),
	}
}

func (r *Registry) getOrCreate(id string) *window {
	r.mu.RLock()
	w, ok := r.windows[id]
	r.mu.RUnlock()
	if ok {
		return w
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if w, ok := r.windows[id]; ok {
		return w
	}
	w = &window{}
	r.windows[id] = w
	return w
}

// Sweep prunes every window and evicts identities whose windows are empty.
// It returns the number of identities evicted.
func (r *Registry) Sweep() int {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, w := range r.windows {
		w.mu.Lock()
		w.prune(now)
		empty := len(w.stamps) == 0
		w.mu.Unlock()
		if empty {
			delete(r.windows, id)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.windows)
}
