package registry

import "github.com/balanzlc/balanz/internal/domain"

// Snapshot is the copy-on-read view consumed by the allocator each tick. It
// is built under a brief read lock and never mutated afterward; the
// allocator's commit step writes back through the Registry, not the
// Snapshot.
type Snapshot struct {
	Groups   map[string]*domain.Group
	Chargers map[string]*domain.Charger
	Sessions map[string]*domain.Session
	Tags     map[string]*domain.Tag
}

// AllocationGroupFor returns the nearest allocation-group ancestor governing
// the given charger's group, or nil if none.
func (s *Snapshot) AllocationGroupFor(groupID string) *domain.Group {
	return nearestAllocationGroup(s.Groups, groupID)
}

// AncestorChain returns every allocation-group ancestor of groupID, nearest
// first, for compounding cap checks during group-tree descent.
func (s *Snapshot) AncestorChain(groupID string) []*domain.Group {
	return ancestorChain(s.Groups, groupID)
}

// ChargersInGroup returns the chargers whose nearest allocation-group
// ancestor is exactly the given allocation group (the deepest allocation
// group governs its chargers, per spec.md §4.4).
func (s *Snapshot) ChargersInGroup(allocationGroupID string) []*domain.Charger {
	var out []*domain.Charger
	for _, c := range s.Chargers {
		if ag := s.AllocationGroupFor(c.GroupID); ag != nil && ag.ID == allocationGroupID {
			out = append(out, c)
		}
	}
	return out
}

// SessionFor returns the live session on a connector, if any.
func (s *Snapshot) SessionFor(conn *domain.Connector) *domain.Session {
	if conn == nil || conn.SessionID == "" {
		return nil
	}
	return s.Sessions[conn.SessionID]
}
