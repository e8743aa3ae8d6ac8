// Package allocator implements the balanz loop (spec.md §4.4): the periodic
// algorithm that computes per-connector current offers under nested
// allocation-group budgets, session priority, and hysteresis constraints.
//
// Plan is kept a pure function over a registry snapshot and the current
// time, per spec.md §9 ("Allocator as pure function over snapshots"): it
// reads the snapshot's Connector/Session values but never mutates them —
// every decision is carried in a local connState copy, and only the
// returned []domain.OfferChange escapes. The Committer is the only impure
// part, writing back through the Registry after a successful OCPP call.
package allocator

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/balanzlc/balanz/internal/domain"
	"github.com/balanzlc/balanz/internal/observability/metrics"
	"github.com/balanzlc/balanz/internal/ports"
	"github.com/balanzlc/balanz/internal/service/registry"
)

// ConnectorKey builds the UsageCache key for one charger connector. Kept as
// an alias so existing callers in this package don't need a ports import of
// their own; the state machine (the sample producer) uses ports.ConnectorKey
// directly to avoid an allocator<->statemachine import cycle.
var ConnectorKey = ports.ConnectorKey

// Allocator computes offer plans. It holds no mutable state across ticks
// other than the full-pass cadence counter.
type Allocator struct {
	usage ports.UsageCache
	cfg   Config
	log   *zap.Logger

	tick int
}

func New(usage ports.UsageCache, cfg Config, log *zap.Logger) *Allocator {
	return &Allocator{usage: usage, cfg: cfg, log: log}
}

// NextIsFullPass reports whether the upcoming tick is a full pass, and
// advances the internal tick counter. Callers should call this once per
// scheduler tick, immediately before Plan.
func (a *Allocator) NextIsFullPass() bool {
	full := a.tick%a.cfg.IntervalsFull == 0
	a.tick++
	return full
}

// connState is the allocator's working view of one connector during a
// single Plan call. offer/lastChange/plateau start as copies of the
// snapshot's values and are only ever updated locally; the snapshot's
// domain.Connector is never written to.
type connState struct {
	charger      *domain.Charger
	conn         *domain.Connector
	session      *domain.Session
	priority     int
	effectiveMax int

	installedOffer int
	offer          int
	lastChange     time.Time
	plateau        int
	reducedNow     bool
	reclaimedNow   bool
}

func effectivePriority(charger *domain.Charger, session *domain.Session) int {
	if session != nil && session.Live() {
		return session.Priority
	}
	return charger.Priority
}

// Plan computes the next cycle's offer changes. fullPass selects between a
// complete re-balance and an urgent-only pass that only handles ineligible
// transitions and reductions/reclamation (no new growth).
func (a *Allocator) Plan(ctx context.Context, snap *registry.Snapshot, now time.Time, fullPass bool) []domain.OfferChange {
	start := time.Now()
	var changes []domain.OfferChange

	for _, g := range allocationGroupsDeepestFirst(snap) {
		if g.Suspended {
			continue
		}
		changes = append(changes, a.planGroup(ctx, snap, g, now, fullPass)...)
	}

	outcome := "committed"
	if len(changes) == 0 {
		outcome = "skipped"
	}
	metrics.RecordAllocatorTick(outcome, time.Since(start).Seconds())
	return changes
}

// allocationGroupsDeepestFirst returns every allocation group, ordered so
// that the most deeply nested groups are processed first — their chargers'
// offers are finalized before an ancestor allocation group's own direct
// chargers (if any) are considered, so ancestor cap checks see accurate
// subtree totals.
func allocationGroupsDeepestFirst(snap *registry.Snapshot) []*domain.Group {
	var groups []*domain.Group
	for _, g := range snap.Groups {
		if g.IsAllocationGroup() {
			groups = append(groups, g)
		}
	}
	depth := func(g *domain.Group) int { return len(snap.AncestorChain(g.ID)) }
	sort.Slice(groups, func(i, j int) bool {
		di, dj := depth(groups[i]), depth(groups[j])
		if di != dj {
			return di > dj
		}
		return groups[i].ID < groups[j].ID
	})
	return groups
}

func (a *Allocator) planGroup(ctx context.Context, snap *registry.Snapshot, g *domain.Group, now time.Time, fullPass bool) []domain.OfferChange {
	chargers := snap.ChargersInGroup(g.ID)

	var eligible []*connState
	var ineligible []*connState

	for _, c := range chargers {
		for _, conn := range c.Connectors {
			sess := snap.SessionFor(conn)
			cs := &connState{
				charger: c, conn: conn, session: sess,
				priority:       effectivePriority(c, sess),
				installedOffer: conn.OfferA,
				offer:          conn.OfferA,
				lastChange:     conn.LastOfferChange,
				plateau:        conn.Plateau,
			}

			isEligible := conn.Status.Eligible() && (sess == nil || !sess.UnusedSuspended)
			if !conn.UnusedSuspendedUntil.IsZero() && now.Before(conn.UnusedSuspendedUntil) {
				isEligible = false
			}

			if isEligible {
				cs.effectiveMax = a.effectiveMax(ctx, cs, now)
				eligible = append(eligible, cs)
			} else {
				ineligible = append(ineligible, cs)
			}
		}
	}

	var changes []domain.OfferChange

	// Ineligible connectors must read 0 (spec.md §8 invariant).
	for _, cs := range ineligible {
		if cs.offer != 0 {
			changes = append(changes, domain.OfferChange{
				ChargerID: cs.charger.ID, ConnectorIdx: cs.conn.Index, GroupID: g.ID,
				FromA: cs.offer, ToA: 0, Suspend: true,
			})
		}
	}

	sortByPriorityFairness(eligible)

	original := make(map[*connState]int, len(eligible))
	for _, cs := range eligible {
		original[cs] = cs.offer
	}

	// Step 6: reductions, applied immediately, before growth.
	for _, cs := range eligible {
		if cs.offer <= a.cfg.MinAllocationA {
			continue
		}
		maxUsage, ok, err := a.usage.RollingMax(ctx, ConnectorKey(cs.charger.ID, cs.conn.Index), a.cfg.UsageMonitoringInterval)
		if err != nil || !ok {
			continue
		}
		if maxUsage < float64(cs.offer)-a.cfg.MarginLowerA {
			reduced := int(math.Floor(maxUsage)) + 1
			if reduced < a.cfg.MinAllocationA {
				reduced = a.cfg.MinAllocationA
			}
			if reduced < cs.offer {
				cs.offer = reduced
				cs.lastChange = now
				cs.reducedNow = true
			}
		}
	}

	// Step 6 also starts this group's growth grace for the remainder of this
	// tick and — once committed via RecordGroupReduction — for subsequent
	// ticks within wait_after_reduce (spec.md §4.4 step 5).
	groupReducedNow := false
	for _, cs := range eligible {
		if cs.reducedNow {
			groupReducedNow = true
			break
		}
	}

	// Step 7: unused-offer reclamation.
	for _, cs := range eligible {
		if cs.offer != a.cfg.MinAllocationA || cs.reducedNow {
			continue
		}
		maxUsage, ok, err := a.usage.RollingMax(ctx, ConnectorKey(cs.charger.ID, cs.conn.Index), a.cfg.UsageMonitoringInterval)
		if err != nil || !ok {
			continue
		}
		if maxUsage >= a.cfg.UsageThresholdA {
			continue
		}
		if now.Sub(cs.lastChange) < a.cfg.UsageMonitoringInterval {
			continue
		}
		deferUntil := a.reclamationDeadline(cs, now)
		changes = append(changes, domain.OfferChange{
			ChargerID: cs.charger.ID, ConnectorIdx: cs.conn.Index, GroupID: g.ID,
			FromA: cs.offer, ToA: 0, Suspend: true, ReclaimUntil: deferUntil,
		})
		cs.offer = 0
		cs.lastChange = now
		cs.reclaimedNow = true
	}

	// Running per-group totals used for cap headroom checks, seeded with
	// everything already tentatively assigned above (reductions/reclamation).
	totals := newGroupTotals(snap, eligible, now)

	// Step 4: initial allocation, full pass only.
	if fullPass {
		for _, cs := range eligible {
			if cs.reducedNow || cs.reclaimedNow || cs.offer > 0 {
				continue
			}
			if totals.headroom(cs, a.cfg.MinAllocationA, now) >= a.cfg.MinAllocationA {
				cs.offer = a.cfg.MinAllocationA
				cs.lastChange = now
				totals.add(cs, a.cfg.MinAllocationA)
			}
		}
	}

	// Step 5: growth phase, full pass only. A connector that was just initially allocated or
	// reduced this same tick does not also grow this tick — only one offer
	// change per connector per cycle (spec.md §8 invariant). Growth for the
	// whole group is additionally deferred for wait_after_reduce after any
	// reduction committed in this group, this tick or a previous one.
	inReductionGrace := groupReducedNow ||
		(!g.LastReductionAt.IsZero() && now.Sub(g.LastReductionAt) < a.cfg.WaitAfterReduce)

	if fullPass && !inReductionGrace {
		for _, cs := range eligible {
			if cs.reducedNow || cs.offer != original[cs] {
				continue
			}
			if cs.offer <= 0 || cs.offer >= cs.effectiveMax {
				continue
			}
			if now.Sub(cs.lastChange) < a.cfg.MinOfferIncreaseInterval {
				continue
			}
			step := a.cfg.MaxOfferIncreaseA
			if cs.offer+step > cs.effectiveMax {
				step = cs.effectiveMax - cs.offer
			}
			if step <= 0 {
				continue
			}
			room := totals.headroom(cs, step, now)
			if room <= 0 {
				continue
			}
			if room < step {
				step = room
			}
			if step <= 0 {
				continue
			}
			cs.offer += step
			cs.lastChange = now
			totals.add(cs, step)
		}
	}

	// Step 8: commit (diff), for everything not already emitted above. A
	// newly-learned plateau rides along with an offer change if one
	// happened this tick, or travels alone (no OCPP call needed) otherwise
	// so it still reaches the registry via the Committer.
	for _, cs := range eligible {
		if cs.reclaimedNow {
			continue
		}
		learned := 0
		if cs.plateau > 0 && cs.plateau != cs.conn.Plateau {
			learned = cs.plateau
		}
		if cs.offer == cs.installedOffer {
			if learned > 0 {
				changes = append(changes, domain.OfferChange{
					ChargerID: cs.charger.ID, ConnectorIdx: cs.conn.Index, GroupID: g.ID,
					FromA: cs.offer, ToA: cs.offer, Plateau: learned,
				})
			}
			continue
		}
		changes = append(changes, domain.OfferChange{
			ChargerID: cs.charger.ID, ConnectorIdx: cs.conn.Index, GroupID: g.ID,
			FromA: cs.installedOffer, ToA: cs.offer, Suspend: cs.offer == 0,
			Plateau: learned, Reduced: cs.reducedNow,
		})
	}

	return changes
}

func (a *Allocator) reclamationDeadline(cs *connState, now time.Time) time.Time {
	if a.cfg.SuspendTopOfHour && (cs.session == nil || cs.session.EnergyWh < a.cfg.EnergyThresholdWh) {
		return now.Truncate(time.Hour).Add(time.Hour)
	}
	if cs.session != nil && cs.session.EnergyWh >= a.cfg.EnergyThresholdWh {
		return now.Add(a.cfg.SuspendedDelayedTime)
	}
	if cs.session != nil {
		return now.Add(a.cfg.SuspendedDelayedTimeNotFirst)
	}
	return now.Add(a.cfg.SuspendedAllocationTimeout)
}

// effectiveMax infers the session's plateau from rolling usage (sticky for
// the remainder of the session) and returns min(conn_max, plateau). The
// inferred plateau is kept only in the local connState; the registry's
// Connector.Plateau is written back by the Committer once the rebalance
// that relied on it has actually been installed.
func (a *Allocator) effectiveMax(ctx context.Context, cs *connState, now time.Time) int {
	if cs.plateau > 0 {
		return min(cs.charger.ConnMax, cs.plateau)
	}
	maxUsage, ok, err := a.usage.RollingMax(ctx, ConnectorKey(cs.charger.ID, cs.conn.Index), a.cfg.UsageMonitoringInterval)
	if err == nil && ok && now.Sub(cs.lastChange) >= a.cfg.UsageMonitoringInterval {
		if float64(cs.offer)-maxUsage >= a.cfg.MarginLowerA {
			cs.plateau = int(math.Ceil(maxUsage))
			return min(cs.charger.ConnMax, cs.plateau)
		}
	}
	return cs.charger.ConnMax
}

// sortByPriorityFairness orders connectors by descending priority, then
// oldest last_offer_change, then ascending charger id, then ascending
// connector index (spec.md §4.4, "Tie-breaking & determinism") — the last
// tier breaks ties between two connectors on the same charger.
func sortByPriorityFairness(cs []*connState) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].priority != cs[j].priority {
			return cs[i].priority > cs[j].priority
		}
		if !cs[i].lastChange.Equal(cs[j].lastChange) {
			return cs[i].lastChange.Before(cs[j].lastChange)
		}
		if cs[i].charger.ID != cs[j].charger.ID {
			return cs[i].charger.ID < cs[j].charger.ID
		}
		return cs[i].conn.Index < cs[j].conn.Index
	})
}
