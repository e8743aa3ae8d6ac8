package domain

import "time"

// OfferChange is the single impure unit the allocator produces per cycle:
// (snapshot, now) -> []OfferChange, followed by a commit step that applies
// each change through the state machine and the OCPP adapter.
type OfferChange struct {
	ChargerID    string
	ConnectorIdx int
	GroupID      string
	FromA        int
	ToA          int

	// Suspend marks a reduction to zero via the unused-offer reclamation
	// rule (step 7) or an ineligible-connector drop; the commit step
	// reinstalls the blocking profile instead of a TxProfile at ToA.
	Suspend bool

	// Reduced marks a step-6 rolling-usage reduction (as opposed to a
	// reclamation-to-zero or an initial allocation). The commit step uses
	// this to start the group-wide wait_after_reduce growth grace.
	Reduced bool

	// ReclaimUntil is set when Suspend was triggered by unused-offer
	// reclamation: the connector should not be re-evaluated for allocation
	// before this time. Zero for every other kind of change.
	ReclaimUntil time.Time

	// Plateau carries the allocator's freshly-inferred session ceiling
	// (spec.md §4.4 step 2), if any was learned this cycle. Zero means
	// nothing new was learned; the commit step leaves Connector.Plateau
	// untouched in that case.
	Plateau int
}
