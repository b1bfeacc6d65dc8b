package entitycache

import "time"

// EntryState tracks where an entry sits in its staleness lifecycle.
type EntryState int

const (
	// StateFresh indicates the entry is within its staleness window.
	StateFresh EntryState = iota
	// StateStale indicates the entry is past its window or was explicitly
	// invalidated; it remains readable until refreshed or evicted.
	StateStale
	// StateInvalidating indicates a refetch for the entry is in flight.
	StateInvalidating
)

// String returns the string representation of EntryState.
func (s EntryState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateInvalidating:
		return "invalidating"
	default:
		return "unknown"
	}
}

// Entry is one versioned cache record. Entries are returned by value;
// mutating a returned Entry has no effect on the cache.
type Entry struct {
	Key     Key
	Value   any
	Version uint64
	StaleAt time.Time
	State   EntryState
}

// IsStale reports whether the entry is past its staleness window or was
// marked stale explicitly.
func (e Entry) IsStale() bool {
	if e.State != StateFresh {
		return true
	}
	return !e.StaleAt.IsZero() && time.Now().After(e.StaleAt)
}
