// Package vdev implements the deferred vdev cache-flush policy: on
// WRITE_DONE, an lwb with no waiters and a live successor merges its touched
// vdev ids into the successor's set instead of flushing immediately
// (spec.md §4.4 "Deferred vdev-flush policy (C6)").
package vdev

// FlushSet is the set of vdev ids one lwb must flush before its root can
// complete. Not safe for concurrent use by itself -- callers hold the
// owning lwb's log lock while mutating it, the same lock that guards the
// lwb's waiter list this policy keys off of.
type FlushSet map[uint64]struct{}

// NewFlushSet returns an empty set.
func NewFlushSet() FlushSet {
	return make(FlushSet)
}

// Add records vdevID as touched by this lwb's write.
func (s FlushSet) Add(vdevID uint64) {
	s[vdevID] = struct{}{}
}

// IDs returns the set's members as a slice, in no particular order.
func (s FlushSet) IDs() []uint64 {
	ids := make([]uint64, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	return ids
}

// Merge adds every id in other to s.
func (s FlushSet) Merge(other FlushSet) {
	for id := range other {
		s[id] = struct{}{}
	}
}

// Decision is the outcome of evaluating the deferred-flush policy for one
// lwb at WRITE_DONE.
type Decision struct {
	// Defer is true when this lwb's flush responsibility was handed to its
	// successor; Defer == true implies FlushNow is empty.
	Defer bool
	// FlushNow is the set of vdev ids this lwb must flush itself.
	FlushNow []uint64
}

// Evaluate decides whether lwb's flush set should be issued now or merged
// into successor's. hasWaiters reports whether the lwb being evaluated has
// any commit waiters attached; hasSuccessor reports whether a successor lwb
// exists to defer onto.
//
// Per spec.md §4.4: "if the lwb has zero waiters and a successor exists,
// the set of vdev ids the lwb touched is merged into the successor's set
// and no flushes are issued for this lwb -- the successor will cover them.
// Otherwise flushes are issued for every vdev in the set."
func Evaluate(own FlushSet, hasWaiters, hasSuccessor bool, successor FlushSet) Decision {
	if !hasWaiters && hasSuccessor {
		successor.Merge(own)
		return Decision{Defer: true}
	}
	return Decision{FlushNow: own.IDs()}
}
