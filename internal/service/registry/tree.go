package registry

import "github.com/balanzlc/balanz/internal/domain"

// validateTree checks that every group's ParentID (when set) resolves to a
// known group and that no cycle exists. Called whenever the group set is
// replaced wholesale (boot load, ReloadGroups).
func validateTree(groups map[string]*domain.Group) error {
	for id, g := range groups {
		if g.ParentID == "" {
			continue
		}
		if _, ok := groups[g.ParentID]; !ok {
			return &registryError{op: "validateTree", msg: "group " + id + " references unknown parent " + g.ParentID}
		}
	}

	for id := range groups {
		seen := map[string]bool{}
		cur := id
		for {
			g, ok := groups[cur]
			if !ok || g.ParentID == "" {
				break
			}
			if seen[cur] {
				return &registryError{op: "validateTree", msg: "cycle detected involving group " + id}
			}
			seen[cur] = true
			cur = g.ParentID
		}
	}
	return nil
}

// nearestAllocationGroup walks a charger's group and its ancestors, returning
// the nearest group with a non-nil Schedule (spec.md §3: at most one
// allocation-group ancestor governs a given charger).
func nearestAllocationGroup(groups map[string]*domain.Group, groupID string) *domain.Group {
	cur := groupID
	for cur != "" {
		g, ok := groups[cur]
		if !ok {
			return nil
		}
		if g.IsAllocationGroup() {
			return g
		}
		cur = g.ParentID
	}
	return nil
}

// ancestorChain returns groupID and every allocation-group ancestor above it,
// nearest first, used by the allocator's group-tree descent (compounding
// caps at every enclosing allocation group).
func ancestorChain(groups map[string]*domain.Group, groupID string) []*domain.Group {
	var chain []*domain.Group
	cur := groupID
	for cur != "" {
		g, ok := groups[cur]
		if !ok {
			break
		}
		if g.IsAllocationGroup() {
			chain = append(chain, g)
		}
		cur = g.ParentID
	}
	return chain
}

// descendants returns the ids of every group reachable from root by
// following ParentID links downward (i.e. root and everything under it).
func descendants(groups map[string]*domain.Group, rootID string) map[string]bool {
	out := map[string]bool{rootID: true}
	changed := true
	for changed {
		changed = false
		for id, g := range groups {
			if out[id] {
				continue
			}
			if out[g.ParentID] {
				out[id] = true
				changed = true
			}
		}
	}
	return out
}
