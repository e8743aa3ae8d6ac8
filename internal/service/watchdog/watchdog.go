// Package watchdog implements the stale-connection and stuck-transaction
// reaper (spec.md §4.6): on a fixed interval it drops chargers that have
// gone silent, force-closes sessions whose last meter/status update is too
// old, and nudges the allocator to recompute immediately rather than
// waiting out the rest of its own cycle.
package watchdog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/balanzlc/balanz/internal/observability/metrics"
	"github.com/balanzlc/balanz/internal/service/registry"
	"github.com/balanzlc/balanz/internal/service/statemachine"
)

// Config holds the watchdog's timing knobs, all named after spec.md §6.
type Config struct {
	Interval           time.Duration // watchdog_interval
	StaleAfter         time.Duration // watchdog_stale
	TransactionTimeout time.Duration // transaction_timeout
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:           30 * time.Second,
		StaleAfter:         500 * time.Second,
		TransactionTimeout: 3600 * time.Second,
	}
}

// Watchdog periodically reaps dead connections and stuck transactions.
type Watchdog struct {
	reg  *registry.Registry
	sm   *statemachine.StateMachine
	cfg  Config
	log  *zap.Logger

	// Wake is signaled (non-blocking) whenever a tick actually changed
	// registry state, so the allocator's scheduler can recompute without
	// waiting for its own next interval.
	Wake chan struct{}
}

func New(reg *registry.Registry, sm *statemachine.StateMachine, cfg Config, log *zap.Logger) *Watchdog {
	return &Watchdog{reg: reg, sm: sm, cfg: cfg, log: log, Wake: make(chan struct{}, 1)}
}

// Run blocks, ticking every cfg.Interval until ctx is canceled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx, time.Now())
		}
	}
}

// Tick runs one reap pass. Exported so tests and a caller that wants
// deterministic timing can drive it directly instead of through Run.
func (w *Watchdog) Tick(ctx context.Context, now time.Time) {
	changed := false

	staleChargers := w.reg.MarkStaleChargers(now, w.cfg.StaleAfter)
	for _, id := range staleChargers {
		w.log.Info("charger marked stale", zap.String("charger_id", id))
		metrics.RecordWatchdogReap("stale_connection")
		changed = true
	}

	for _, s := range w.reg.StaleSessions(now, w.cfg.TransactionTimeout) {
		if err := w.sm.HandleStopTransaction(ctx, s.ID, s.IDTag, "stale", now); err != nil {
			w.log.Warn("failed to force-close stale session",
				zap.String("session_id", s.ID), zap.String("charger_id", s.ChargerID), zap.Error(err))
			continue
		}
		w.log.Info("force-closed stale session",
			zap.String("session_id", s.ID), zap.String("charger_id", s.ChargerID))
		metrics.RecordWatchdogReap("transaction_timeout")
		changed = true
	}

	if changed {
		select {
		case w.Wake <- struct{}{}:
		default:
		}
	}
}
