// Package traffic maintains the relay's in-memory transfer counters.
//
// Counters are monotone within a relay run and reset on restart; snapshots
// carry the relay run id so the control plane can detect resets when it
// polls. Nothing here is persisted.
package traffic

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Stats are the counters kept per identity.
type Stats struct {
	Requests   int64     `json:"requests"`
	Responses  int64     `json:"responses"`
	BytesIn    int64     `json:"bytesIn"`
	BytesOut   int64     `json:"bytesOut"`
	LastSeen   time.Time `json:"lastSeen"`
	LastStatus int       `json:"lastStatus,omitempty"`
}

// IdentityStats pairs an identity with its counters for snapshots.
type IdentityStats struct {
	Identity string `json:"identity"`
	Stats
}

// Tracker holds the by-token and by-alias counter maps.
type Tracker struct {
	mu         sync.Mutex
	maxEntries int
	byToken    map[string]*Stats
	byAlias    map[string]*Stats
}

// NewTracker creates a tracker; each map is ceiling-bounded at maxEntries.
func NewTracker(maxEntries int) *Tracker {
	return &Tracker{
		maxEntries: maxEntries,
		byToken:    make(map[string]*Stats),
		byAlias:    make(map[string]*Stats),
	}
}

// RecordRequest counts an admitted ingress request for token and, when the
// request arrived on an alias host, for the alias as well.
func (t *Tracker) RecordRequest(token, alias string, bytesIn int64) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	s := getOrCreate(t.byToken, token)
	s.Requests++
	s.BytesIn += bytesIn
	s.LastSeen = now
	if alias != "" {
		s := getOrCreate(t.byAlias, alias)
		s.Requests++
		s.BytesIn += bytesIn
		s.LastSeen = now
	}
}

// RecordResponse counts a response frame delivered for token/alias.
func (t *Tracker) RecordResponse(token, alias string, bytesOut int64, status int) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	s := getOrCreate(t.byToken, token)
	s.Responses++
	s.BytesOut += bytesOut
	s.LastSeen = now
	s.LastStatus = status
	if alias != "" {
		s := getOrCreate(t.byAlias, alias)
		s.Responses++
		s.BytesOut += bytesOut
		s.LastSeen = now
		s.LastStatus = status
	}
}

// Snapshot returns both counter maps as sorted slices.
func (t *Tracker) Snapshot() (byToken, byAlias []IdentityStats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return collect(t.byToken), collect(t.byAlias)
}

// Sizes returns the tracked identity counts.
func (t *Tracker) Sizes() (tokens, aliases int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byToken), len(t.byAlias)
}

// EnforceCeiling evicts the least-recently-seen half of any map over the
// ceiling, returning the total eviction count. Evictions are rare and
// bounded, so the sort cost is acceptable.
func (t *Tracker) EnforceCeiling() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return evictOldest(t.byToken, t.maxEntries) + evictOldest(t.byAlias, t.maxEntries)
}

func getOrCreate(m map[string]*Stats, id string) *Stats {
	s, ok := m[id]
	if !ok {
		s = &Stats{}
		m[id] = s
	}
	return s
}

func collect(m map[string]*Stats) []IdentityStats {
	out := make([]IdentityStats, 0, len(m))
	for id, s := range m {
		out = append(out, IdentityStats{Identity: id, Stats: *s})
	}
	slices.SortFunc(out, func(a, b IdentityStats) int {
		return strings.Compare(a.Identity, b.Identity)
	})
	return out
}

func evictOldest(m map[string]*Stats, max int) int {
	if max <= 0 || len(m) <= max {
		return 0
	}
	type aged struct {
		id   string
		seen time.Time
	}
	all := make([]aged, 0, len(m))
	for id, s := range m {
		all = append(all, aged{id: id, seen: s.LastSeen})
	}
	slices.SortFunc(all, func(a, b aged) int {
		return a.seen.Compare(b.seen)
	})
	evict := len(m) / 2
	for _, a := range all[:evict] {
		delete(m, a.id)
	}
	return evict
}
