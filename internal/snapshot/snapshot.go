// Package snapshot remembers the size and modification time last observed for
// each candidate path so the scanner only hashes files that changed.
package snapshot

import (
	"io/fs"
	"sync"
	"time"
)

// Entry is the observed shape of a file.
type Entry struct {
	Size    int64
	ModTime time.Time
}

// Tracker is an in-memory, concurrency-safe map of path to Entry. It is not
// persisted: after a restart every file is re-evaluated and the ledger
// decides whether its content is new.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{entries: make(map[string]Entry)}
}

// HasChanged reports whether path differs from its stored snapshot, storing
// the new snapshot when it does. A path with no snapshot counts as changed.
func (t *Tracker) HasChanged(path string, info fs.FileInfo) bool {
	entry := Entry{Size: info.Size(), ModTime: info.ModTime()}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.entries[path]
	if ok && prev.Size == entry.Size && prev.ModTime.Equal(entry.ModTime) {
		return false
	}
	t.entries[path] = entry
	return true
}

// Forget drops the snapshot for path so the next tick re-evaluates it.
func (t *Tracker) Forget(path string) {
	t.mu.Lock()
	delete(t.entries, path)
	t.mu.Unlock()
}

// Retain drops snapshots for every path not in keep.
func (t *Tracker) Retain(keep []string) int {
	set := make(map[string]struct{}, len(keep))
	for _, p := range keep {
		set[p] = struct{}{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for p := range t.entries {
		if _, ok := set[p]; !ok {
			delete(t.entries, p)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked paths.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
