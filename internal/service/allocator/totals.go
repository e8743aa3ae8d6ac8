package allocator

import (
	"time"

	"github.com/balanzlc/balanz/internal/domain"
	"github.com/balanzlc/balanz/internal/service/registry"
)

// groupTotals tracks, for every enclosing allocation group, the current sum
// of tentative offers held by connectors at or above each priority
// threshold active in that group's schedule for the time of day being
// planned. Nested allocation groups compound: a connector's allocation must
// fit every enclosing group's per-priority cap (spec.md §4.4, "Group-tree
// descent").
type groupTotals struct {
	now    time.Time
	sums   map[string]map[int]int // groupID -> threshold priority -> cumulative offer
	chains map[*connState][]*domain.Group
}

func newGroupTotals(snap *registry.Snapshot, conns []*connState, now time.Time) *groupTotals {
	t := &groupTotals{
		now:    now,
		sums:   make(map[string]map[int]int),
		chains: make(map[*connState][]*domain.Group, len(conns)),
	}
	for _, cs := range conns {
		t.chains[cs] = snap.AncestorChain(cs.charger.GroupID)
	}
	for _, cs := range conns {
		if cs.offer > 0 {
			t.add(cs, cs.offer)
		}
	}
	return t
}

// thresholdsAtOrBelow returns every threshold priority in g's schedule
// interval covering `now` that is <= p.
func thresholdsAtOrBelow(g *domain.Group, now time.Time, p int) []int {
	iv := g.Schedule.IntervalAt(now)
	if iv == nil {
		return nil
	}
	var out []int
	for _, tc := range iv.Caps {
		if tc.Priority <= p {
			out = append(out, tc.Priority)
		}
	}
	return out
}

// nearestThresholdAtOrBelow returns the greatest threshold priority in g's
// schedule interval covering `now` that does not exceed p, matching
// Schedule.CapAt's own selection rule, or -1 if none qualifies.
func nearestThresholdAtOrBelow(g *domain.Group, now time.Time, p int) int {
	best := -1
	for _, t := range thresholdsAtOrBelow(g, now, p) {
		if t > best {
			best = t
		}
	}
	return best
}

// add records that cs now holds `delta` additional amperes against every
// enclosing allocation group's threshold buckets at or below cs.priority —
// a connector at priority p counts toward every threshold t <= p, since
// such sessions satisfy priority(c) >= t.
func (t *groupTotals) add(cs *connState, delta int) {
	for _, g := range t.chains[cs] {
		bucket := t.sums[g.ID]
		if bucket == nil {
			bucket = make(map[int]int)
			t.sums[g.ID] = bucket
		}
		for _, th := range thresholdsAtOrBelow(g, t.now, cs.priority) {
			bucket[th] += delta
		}
	}
}

// headroom returns the maximum amperes cs may add right now without
// exceeding its own conn_max/effective_max ceiling or any enclosing
// allocation group's cap at cs.priority, capped at `want`.
func (t *groupTotals) headroom(cs *connState, want int, now time.Time) int {
	room := want
	if r := cs.charger.ConnMax - cs.offer; r < room {
		room = r
	}
	if r := cs.effectiveMax - cs.offer; r < room {
		room = r
	}
	for _, g := range t.chains[cs] {
		threshold := nearestThresholdAtOrBelow(g, now, cs.priority)
		if threshold < 0 {
			room = 0
			break
		}
		capA := g.Schedule.CapAt(now, cs.priority)
		used := t.sums[g.ID][threshold]
		if r := capA - used; r < room {
			room = r
		}
	}
	if room < 0 {
		room = 0
	}
	return room
}
