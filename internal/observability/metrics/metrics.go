// Package metrics exposes the Prometheus counters and gauges for the
// allocator's balanz loop, the watchdog, and OCPP call latency (SPEC_FULL.md
// §2). Registration happens via promauto at package init, following the
// teacher's telemetry package; the HTTP exposition endpoint itself is wired
// in cmd/server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AllocatorTicksTotal counts completed allocator passes by outcome.
	AllocatorTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balanz_allocator_ticks_total",
		Help: "Total allocator ticks by outcome",
	}, []string{"outcome"}) // committed, skipped, error

	// AllocatorTickDuration tracks how long a single balanz loop pass takes.
	AllocatorTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "balanz_allocator_tick_duration_seconds",
		Help:    "Duration of one allocator tick",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	})

	// OffersAppliedTotal counts per-connector offers committed to the registry.
	OffersAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "balanz_offers_applied_total",
		Help: "Total connector offers committed by the allocator",
	})

	// OfferAmps records the distribution of committed offer amperages.
	OfferAmps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "balanz_offer_amps",
		Help:    "Distribution of committed per-connector offer amperages",
		Buckets: []float64{0, 6, 10, 16, 20, 32, 40, 63},
	})

	// WatchdogReapsTotal counts watchdog reaps by reason: chargers marked
	// stale (stale_connection) and sessions force-closed (transaction_timeout).
	WatchdogReapsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balanz_watchdog_reaps_total",
		Help: "Total stale chargers and force-closed sessions reaped by the watchdog",
	}, []string{"reason"}) // stale_connection, transaction_timeout

	// OCPPCallLatency tracks round-trip latency of outbound Call/CallResult
	// pairs, keyed by action.
	OCPPCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "balanz_ocpp_call_latency_seconds",
		Help:    "Latency of outbound OCPP calls awaiting a CallResult",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	}, []string{"action"})

	// OCPPMessagesTotal counts inbound/outbound OCPP frames by action.
	OCPPMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balanz_ocpp_messages_total",
		Help: "Total OCPP messages",
	}, []string{"action", "direction"}) // inbound, outbound

	// OCPPConnectionsActive tracks currently connected charge points.
	OCPPConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "balanz_ocpp_connections_active",
		Help: "Number of active OCPP WebSocket connections",
	})

	// ActiveSessions tracks the number of open charging sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "balanz_active_sessions",
		Help: "Number of open charging sessions",
	})
)

// RecordAllocatorTick records the outcome and duration of one balanz loop
// pass.
func RecordAllocatorTick(outcome string, durationSeconds float64) {
	AllocatorTicksTotal.WithLabelValues(outcome).Inc()
	AllocatorTickDuration.Observe(durationSeconds)
}

// RecordOfferApplied records one committed per-connector offer.
func RecordOfferApplied(amps int) {
	OffersAppliedTotal.Inc()
	OfferAmps.Observe(float64(amps))
}

// RecordWatchdogReap records one watchdog reap: a charger marked stale or a
// session force-closed.
func RecordWatchdogReap(reason string) {
	WatchdogReapsTotal.WithLabelValues(reason).Inc()
}

// RecordOCPPCall records the round-trip latency of one outbound OCPP call.
func RecordOCPPCall(action string, latencySeconds float64) {
	OCPPCallLatency.WithLabelValues(action).Observe(latencySeconds)
}

// RecordOCPPMessage records one inbound or outbound OCPP frame.
func RecordOCPPMessage(action string, inbound bool) {
	direction := "outbound"
	if inbound {
		direction = "inbound"
	}
	OCPPMessagesTotal.WithLabelValues(action, direction).Inc()
}
