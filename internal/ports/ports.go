// Package ports declares the interfaces implemented by the adapter layer and
// consumed by the core domain services (registry, state machine, allocator,
// watchdog). Core services depend only on these interfaces, never on a
// concrete adapter package, so that Redis/Postgres/NATS/RabbitMQ/Vault can be
// swapped or stubbed in tests.
package ports

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/balanzlc/balanz/internal/domain"
)

// ConnectorKey builds the UsageCache key for one charger connector, shared by
// every producer (the state machine's MeterValues handler) and consumer (the
// allocator) of usage samples.
func ConnectorKey(chargerID string, idx int) string {
	return chargerID + "#" + strconv.Itoa(idx)
}

// Cache is a generic string key-value store with expiration. Implemented by
// both adapter/cache.RedisCache and adapter/cache.LocalCache; no component
// in this repository consumes it.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping() error
	Close() error
}

// UsageCache holds rolling per-connector usage samples consumed by the
// allocator's demand-band plateau inference and reduction trigger (spec.md
// §4.4 steps 2 and 6).
type UsageCache interface {
	// RecordSample stores one observed phase-current sample for a connector.
	RecordSample(ctx context.Context, connectorKey string, amps float64, at time.Time) error
	// RollingMax returns the maximum sample recorded for the connector within
	// the last window, and whether any sample exists at all.
	RollingMax(ctx context.Context, connectorKey string, window time.Duration) (float64, bool, error)
}

// MessageQueue publishes domain events for downstream consumers. Publish
// failures are logged by callers and never block the registry mutation that
// triggered them (domain.KindTransient).
type MessageQueue interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte) error) error
	Close() error
}

// SecretStore stores charger AuthorizationKey material outside the CSV/
// registry files when Vault-backed storage is enabled.
type SecretStore interface {
	PutChargerKey(ctx context.Context, chargerID, plaintextKey string) (ref string, err error)
	GetChargerKey(ctx context.Context, ref string) (string, error)
}

// SessionRepository mirrors closed sessions into durable storage for ad-hoc
// querying. Best-effort: failures here never block the CSV append log.
type SessionRepository interface {
	SaveClosedSession(ctx context.Context, s *domain.Session) error
}

// SessionHistoryAppender writes the append-only sessions.csv record for a
// closed session (spec.md §6). Best-effort: per the "no storage-engine
// durability guarantees beyond append-and-flush" non-goal, failures here are
// logged, not retried.
type SessionHistoryAppender interface {
	Append(s *domain.Session, chargerAlias, groupID string) error
}

// OCPPTransport is what the state machine and allocator use to talk to a
// charger. SendCall blocks until a CallResult/CallError arrives or
// ping_timeout elapses.
type OCPPTransport interface {
	SendCall(ctx context.Context, chargerID, action string, payload interface{}) (json.RawMessage, error)
}
