package allocator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/balanzlc/balanz/internal/domain"
	"github.com/balanzlc/balanz/internal/infrastructure/circuitbreaker"
	"github.com/balanzlc/balanz/internal/observability/metrics"
	"github.com/balanzlc/balanz/internal/service/registry"
	"github.com/balanzlc/balanz/internal/service/statemachine"
)

// Committer applies a Plan's []domain.OfferChange (spec.md §4.4 step 8):
// for each change it issues the OCPP profile call through the state
// machine, and only on success writes the result back through the
// Registry. A charger whose circuit breaker is open is skipped for this
// cycle — the next tick retries (spec.md §5, "Back-pressure").
type Committer struct {
	reg        *registry.Registry
	sm         *statemachine.StateMachine
	breakers   *circuitbreaker.Manager
	settings   circuitbreaker.Settings
	log        *zap.Logger
}

func NewCommitter(reg *registry.Registry, sm *statemachine.StateMachine, breakers *circuitbreaker.Manager, log *zap.Logger) *Committer {
	settings := circuitbreaker.DefaultSettings()
	return &Committer{reg: reg, sm: sm, breakers: breakers, settings: settings, log: log}
}

// Commit applies every change, isolating per-charger failures: one
// charger's breaker tripping or OCPP timeout never blocks the rest of the
// batch (spec.md §7, "the allocator loop must never terminate on a
// per-charger error").
func (c *Committer) Commit(ctx context.Context, changes []domain.OfferChange) {
	for _, change := range changes {
		c.commitOne(ctx, change)
	}
}

func (c *Committer) commitOne(ctx context.Context, change domain.OfferChange) {
	now := time.Now()

	// A plateau-only change (no actual offer delta) needs no OCPP call —
	// it just records what the allocator learned this cycle.
	if change.ToA == change.FromA && change.Plateau > 0 {
		if err := c.reg.ApplyOfferWithPlateau(change.ChargerID, change.ConnectorIdx, change.ToA, change.Plateau, now); err != nil {
			c.log.Warn("commit: plateau writeback failed", zap.String("charger_id", change.ChargerID), zap.Error(err))
		}
		return
	}

	cb := c.breakers.Get("ocpp:"+change.ChargerID, c.settings)

	charger, ok := c.reg.FindCharger(change.ChargerID, "")
	if !ok {
		c.log.Warn("commit: unknown charger", zap.String("charger_id", change.ChargerID))
		return
	}

	_, err := cb.ExecuteCtx(ctx, func(ctx context.Context) (interface{}, error) {
		if change.ToA == 0 {
			return nil, c.sm.ReinstallBlocking(ctx, charger, change.ConnectorIdx)
		}
		return nil, c.sm.GrantOffer(ctx, change.ChargerID, change.ConnectorIdx, change.ToA)
	})
	if err != nil {
		c.log.Warn("commit failed, retrying next cycle",
			zap.String("charger_id", change.ChargerID), zap.Int("connector", change.ConnectorIdx),
			zap.Int("to_a", change.ToA), zap.Error(err))
		return
	}

	if err := c.reg.ApplyOfferWithPlateau(change.ChargerID, change.ConnectorIdx, change.ToA, change.Plateau, now); err != nil {
		c.log.Warn("commit: ApplyOffer failed after successful OCPP call",
			zap.String("charger_id", change.ChargerID), zap.Error(err))
		return
	}
	metrics.RecordOfferApplied(change.ToA)

	if change.Reduced {
		if err := c.reg.RecordGroupReduction(change.GroupID, now); err != nil {
			c.log.Warn("commit: RecordGroupReduction failed", zap.String("group_id", change.GroupID), zap.Error(err))
		}
	}

	if change.Suspend && !change.ReclaimUntil.IsZero() {
		if err := c.reg.SuspendUnused(change.ChargerID, change.ConnectorIdx, change.ReclaimUntil); err != nil {
			c.log.Warn("commit: SuspendUnused failed", zap.String("charger_id", change.ChargerID), zap.Error(err))
		}
	}
}
