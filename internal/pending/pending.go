// Package pending correlates forwarded requests with their response frames.
//
// Every entry leaves the table exactly once: the first of response arrival,
// deadline expiry, or caller disconnect removes it under the table lock, and
// the other two become no-ops.
package pending

import (
	"sync"
	"time"
)

// Result is a decoded response frame ready to write back to the caller.
type Result struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Entry is one in-flight forwarded request.
type Entry struct {
	ID      string
	Token   string
	Alias   string // "" when the request arrived on a token host
	Started time.Time

	ch chan *Result // buffered, capacity 1; written at most once
}

// Wait returns the channel the response is delivered on.
func (e *Entry) Wait() <-chan *Result {
	return e.ch
}

// Table is the id -> waiting request map.
type Table struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// Add inserts a fresh entry for id.
func (t *Table) Add(id, token, alias string) *Entry {
	e := &Entry{
		ID:      id,
		Token:   token,
		Alias:   alias,
		Started: time.Now(),
		ch:      make(chan *Result, 1),
	}
	t.mu.Lock()
	t.entries[id] = e
	t.mu.Unlock()
	return e
}

// Complete removes the entry for id and delivers res to its waiter. It
// returns the entry, or nil if id was not pending (late or duplicate
// responses land here).
func (t *Table) Complete(id string, res *Result) *Entry {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	e.ch <- res
	return e
}

// Cancel removes the entry for id without delivering anything. It returns
// false when a completion already won the race; the waiter must then drain
// its channel.
func (t *Table) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; !ok {
		return false
	}
	delete(t.entries, id)
	return true
}

// Len returns the number of in-flight requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
