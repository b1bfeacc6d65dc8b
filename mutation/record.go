package mutation

import (
	"time"

	"github.com/google/uuid"

	"github.com/c360/storesync/entitycache"
)

// Status tracks an optimistic record through its saga.
type Status int

const (
	// StatusQueued indicates the saga is waiting behind another mutation
	// on the same logical entity and has not applied yet.
	StatusQueued Status = iota
	// StatusPending indicates the optimistic value is in the cache and the
	// server call has not resolved.
	StatusPending
	// StatusConfirmed indicates the server accepted the mutation and the
	// authoritative value replaced the optimistic one.
	StatusConfirmed
	// StatusRolledBack indicates the server rejected the mutation and the
	// pre-mutation snapshot was restored.
	StatusRolledBack
	// StatusCancelled indicates the saga was superseded or its context
	// cancelled; its effects were discarded silently.
	StatusCancelled
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusRolledBack:
		return "rolledBack"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Record is the optimistic record for one in-flight mutation: the snapshot
// needed for rollback and the applied guess needed for supersede checks.
// At most one Record is pending per (key, entityID) pair at a time.
type Record struct {
	MutationID    uuid.UUID
	Key           entitycache.Key
	EntityID      string
	PreviousValue any
	PreviousFound bool
	AppliedValue  any
	Fields        []string
	Status        Status
	CreatedAt     time.Time
}

// ServerRequest is what a mutation's server call receives. MutationID is
// the client-generated correlation id: a server that creates entities echoes
// it back so temporary optimistic ids are matched by id, never by string
// prefix inspection.
type ServerRequest struct {
	MutationID uuid.UUID
	Intent     any
}

// Outcome is the terminal disposition of a mutation saga.
type Outcome int

const (
	// OutcomeConfirmed means the authoritative server value was applied.
	OutcomeConfirmed Outcome = iota
	// OutcomeRolledBack means the snapshot was restored after rejection or
	// exhausted retries.
	OutcomeRolledBack
	// OutcomeConflict means the cached snapshot itself was stale; a forced
	// refetch replaced the entry instead of a blind rollback.
	OutcomeConflict
	// OutcomeCancelled means the saga's effects were discarded silently:
	// its context was cancelled or a push event superseded it.
	OutcomeCancelled
)

// String returns the string representation of Outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeRolledBack:
		return "rolledBack"
	case OutcomeConflict:
		return "conflict"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the user-facing outcome of one mutation. Err is set for
// rollback and conflict outcomes; cancellations carry no error because they
// are never surfaced.
type Result struct {
	MutationID uuid.UUID
	Outcome    Outcome
	Value      any
	Err        error
}
