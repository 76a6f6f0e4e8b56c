package logging

import "sync"

// Ring keeps the most recent log entries, overwriting the oldest.
type Ring struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
}

// NewRing returns a ring holding up to size entries. A size below 1 is
// raised to 1.
func NewRing(size int) *Ring {
	return &Ring{entries: make([]Entry, max(size, 1))}
}

// Add stores e.
func (r *Ring) Add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// Len returns the number of stored entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.len()
}

func (r *Ring) len() int {
	if r.full {
		return len(r.entries)
	}
	return r.next
}

// Last returns up to n of the newest entries, oldest first. A negative n
// returns everything.
func (r *Ring) Last(n int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := r.len()
	if n < 0 || n > count {
		n = count
	}
	out := make([]Entry, n)
	start := r.next - n
	if start < 0 {
		start += len(r.entries)
	}
	for i := range out {
		out[i] = r.entries[(start+i)%len(r.entries)]
	}
	return out
}
