// Package dedupe provides the duplicate-suppression window (spec §3
// RecentSet) used by the reassembly table to avoid re-surfacing a message to
// the application more than once within BroadcastMemoryTime.
//
// Unlike the teacher's circular-buffer packet deduplicator, this table is
// keyed by message id and carries a completion timestamp so stale entries
// can be evicted lazily on lookup, matching spec §3's "evicted lazily on any
// lookup" rule.
package dedupe

import (
	"sync"
	"time"
)

// BroadcastMemoryTime is the duration a completed message id is remembered
// to suppress duplicate application-level delivery (spec §3, §GLOSSARY).
const BroadcastMemoryTime = 30 * time.Second

// RecentSet tracks the completion time of recently reassembled message ids.
type RecentSet struct {
	window time.Duration
	nowFn  func() time.Time

	mu      sync.Mutex
	entries map[uint16]time.Time
}

// New creates a RecentSet using the default BroadcastMemoryTime window and
// the system clock.
func New() *RecentSet {
	return NewWithWindow(BroadcastMemoryTime, time.Now)
}

// NewWithWindow creates a RecentSet with an explicit window and time source,
// for deterministic testing.
func NewWithWindow(window time.Duration, nowFn func() time.Time) *RecentSet {
	return &RecentSet{
		window:  window,
		nowFn:   nowFn,
		entries: make(map[uint16]time.Time),
	}
}

// Contains reports whether id completed within the last window, evicting it
// (and any other expired entries) if it did not.
func (r *RecentSet) Contains(id uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked()
	_, ok := r.entries[id]
	return ok
}

// Insert records id as having just completed reassembly.
func (r *RecentSet) Insert(id uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked()
	r.entries[id] = r.nowFn()
}

// evictLocked removes entries older than window. Callers must hold r.mu.
func (r *RecentSet) evictLocked() {
	now := r.nowFn()
	for id, t := range r.entries {
		if now.Sub(t) > r.window {
			delete(r.entries, id)
		}
	}
}

// Len returns the number of currently-remembered ids, after eviction.
func (r *RecentSet) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked()
	return len(r.entries)
}
