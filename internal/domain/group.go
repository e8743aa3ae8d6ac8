package domain

import "time"

// Group is a node in the allocation group tree. A group with a non-nil
// Schedule is an allocation group: it bounds the total current its
// descendant chargers may draw, per session priority, over time.
type Group struct {
	ID          string
	ParentID    string // empty for root groups
	Description string
	Schedule    *Schedule // nil for structural (non-allocation) groups

	// Suspended freezes the allocator for this subtree: current offers are
	// kept, no new profile changes are issued. Set via SetBalanzState.
	Suspended bool

	// LastReductionAt is the last time any connector in this allocation
	// group had its offer reduced (spec.md §4.4 step 6). The allocator
	// defers growth group-wide for wait_after_reduce after this time.
	LastReductionAt time.Time
}

// IsAllocationGroup reports whether the group governs a current budget.
func (g *Group) IsAllocationGroup() bool {
	return g != nil && g.Schedule != nil
}
