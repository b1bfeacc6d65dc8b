package reconcile

// Entity status values advance through a fixed order. The push channel only
// ever carries transitions; the first status an entity shows comes from the
// authoritative fetch.
const (
	StatusPending    = "pending"
	StatusConfirmed  = "confirmed"
	StatusProcessing = "processing"
	StatusShipping   = "shipping"
	StatusDelivered  = "delivered"
	StatusCancelled  = "cancelled"
	StatusReturned   = "returned"
)

// statusRank orders the forward progression. Terminal states sit outside
// the ranking: they are reachable from any non-terminal state and absorbing
// once set.
var statusRank = map[string]int{
	StatusPending:    0,
	StatusConfirmed:  1,
	StatusProcessing: 2,
	StatusShipping:   3,
	StatusDelivered:  4,
}

func isTerminal(status string) bool {
	return status == StatusCancelled || status == StatusReturned
}

// AllowTransition reports whether an entity currently at from may move to
// to. Duplicate and backward transitions are rejected; terminal states
// absorb everything. An unknown current status (including empty, i.e. the
// entity has no status yet) accepts any known target, since the reconciler
// never originates first state and must not block a transition it cannot
// rank.
func AllowTransition(from, to string) bool {
	if isTerminal(from) {
		return false
	}
	if isTerminal(to) {
		return true
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return true
	}
	return toRank > fromRank
}
