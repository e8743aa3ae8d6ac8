// Package statemachine implements the per-connector charger state machine
// (spec.md §4.3): it translates inbound OCPP events into registry mutations
// and translates allocator decisions into outbound OCPP charging-profile
// calls, enforcing the TxDefaultProfile/TxProfile discipline.
package statemachine

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/balanzlc/balanz/internal/domain"
	"github.com/balanzlc/balanz/internal/observability/metrics"
	"github.com/balanzlc/balanz/internal/ports"
	"github.com/balanzlc/balanz/internal/service/registry"
)

const (
	stackLevelMinimum = 0
	stackLevelBlocking = 1
)

// Config holds the allocator-adjacent tuning knobs the state machine needs
// to enforce profile discipline and session bookkeeping.
type Config struct {
	MinAllocationA     int           // default 6
	AuthKeyDelay       time.Duration // delay after connect before issuing AuthorizationKey
	TransactionTimeout time.Duration // default 3600s, used by the watchdog
}

// StateMachine drives charger/connector transitions and OCPP profile calls.
type StateMachine struct {
	reg         *registry.Registry
	transport   ports.OCPPTransport
	queue       ports.MessageQueue
	secrets     ports.SecretStore            // may be nil when Vault is not configured
	sessionRepo ports.SessionRepository      // may be nil; best-effort Postgres mirror
	history     ports.SessionHistoryAppender // may be nil; append-only sessions.csv
	usage       ports.UsageCache             // feeds the allocator's plateau/reduction logic
	cfg         Config
	log         *zap.Logger
}

func New(reg *registry.Registry, transport ports.OCPPTransport, queue ports.MessageQueue, secrets ports.SecretStore, sessionRepo ports.SessionRepository, history ports.SessionHistoryAppender, usage ports.UsageCache, cfg Config, log *zap.Logger) *StateMachine {
	return &StateMachine{reg: reg, transport: transport, queue: queue, secrets: secrets, sessionRepo: sessionRepo, history: history, usage: usage, cfg: cfg, log: log}
}

// --- Inbound events ---

func (sm *StateMachine) HandleBootNotification(ctx context.Context, chargerID string, now time.Time) error {
	c, ok := sm.reg.FindCharger(chargerID, "")
	if !ok {
		var err error
		c, err = sm.reg.Autoregister(chargerID)
		if err != nil {
			return domain.NewError(domain.KindModel, "HandleBootNotification", err)
		}
	}
	c.LastSeen = now

	if err := sm.installBaseline(ctx, c); err != nil {
		sm.log.Warn("failed to install baseline profiles on boot",
			zap.String("charger_id", chargerID), zap.Error(err))
	}

	go sm.delayedAuthKeyIssue(chargerID)
	sm.publish("chargepoint.status.changed", chargerID, "")
	return nil
}

// Touch records inbound OCPP traffic for the watchdog's stale-connection
// check, regardless of which action carried it.
func (sm *StateMachine) Touch(chargerID string, now time.Time) {
	if c, ok := sm.reg.FindCharger(chargerID, ""); ok {
		c.LastSeen = now
	}
}

func (sm *StateMachine) HandleHeartbeat(chargerID string, now time.Time) {
	if c, ok := sm.reg.FindCharger(chargerID, ""); ok {
		c.LastSeen = now
	}
}

func (sm *StateMachine) HandleStatusNotification(chargerID string, connectorIdx int, status string, now time.Time) error {
	c, ok := sm.reg.FindCharger(chargerID, "")
	if !ok {
		return domain.NewError(domain.KindModel, "HandleStatusNotification", fmt.Errorf("unknown charger %q", chargerID))
	}
	c.LastSeen = now

	conn, ok := c.Connector(connectorIdx)
	if !ok {
		return domain.NewError(domain.KindModel, "HandleStatusNotification", fmt.Errorf("unknown connector %d on %q", connectorIdx, chargerID))
	}

	newStatus := mapStatus(status)
	if newStatus == domain.StatusAvailable || newStatus == domain.StatusPreparing {
		// Clearing a fault: status transitions away from Faulted re-enable
		// the connector for allocation.
	}
	conn.Status = newStatus
	sm.reg.TouchSessionActivity(conn.SessionID, now)
	sm.publish("chargepoint.status.changed", chargerID, fmt.Sprintf("%d:%s", connectorIdx, newStatus))
	return nil
}

func (sm *StateMachine) HandleAuthorize(idTag string) string {
	tag, ok := sm.reg.FindTag(idTag)
	if !ok {
		return "Invalid"
	}
	if !tag.Active() {
		return "Blocked"
	}
	return "Accepted"
}

// HandleStartTransaction opens a session and installs the minimum-allocation
// baseline so the EV can begin drawing current at 6A pending the allocator's
// next pass.
func (sm *StateMachine) HandleStartTransaction(ctx context.Context, chargerID string, connectorIdx int, idTag string, now time.Time) (*domain.Session, error) {
	s, err := sm.reg.StartSession(chargerID, connectorIdx, idTag, now)
	if err != nil {
		return nil, err
	}

	c, _ := sm.reg.FindCharger(chargerID, "")
	if err := sm.grantBaselineOnStart(ctx, c, connectorIdx); err != nil {
		sm.log.Warn("failed to grant baseline offer on transaction start",
			zap.String("charger_id", chargerID), zap.Int("connector", connectorIdx), zap.Error(err))
	}

	metrics.ActiveSessions.Inc()
	sm.publish("transaction.started", chargerID, s.ID)
	return s, nil
}

// HandleStopTransaction closes the session, reinstalls the blocking profile,
// and emits the history record.
func (sm *StateMachine) HandleStopTransaction(ctx context.Context, sessionID, stopIDTag, reason string, now time.Time) error {
	s, err := sm.reg.CloseSession(sessionID, stopIDTag, reason, now)
	if err != nil {
		return err
	}

	if c, ok := sm.reg.FindCharger(s.ChargerID, ""); ok {
		if err := sm.ReinstallBlocking(ctx, c, s.ConnectorIdx); err != nil {
			sm.log.Warn("failed to reinstall blocking profile on stop",
				zap.String("charger_id", s.ChargerID), zap.Int("connector", s.ConnectorIdx), zap.Error(err))
		}
		_ = sm.reg.ApplyOffer(s.ChargerID, s.ConnectorIdx, 0, now)
	}

	sm.recordHistory(ctx, s)

	metrics.ActiveSessions.Dec()
	sm.publish("transaction.stopped", s.ChargerID, s.ID)
	return nil
}

// recordHistory writes the closed session to the append-only CSV log and
// mirrors it into Postgres when configured. Both are best-effort: neither
// failure unwinds the registry's CloseSession, which has already committed.
func (sm *StateMachine) recordHistory(ctx context.Context, s *domain.Session) {
	alias, groupID := s.ChargerID, ""
	if c, ok := sm.reg.FindCharger(s.ChargerID, ""); ok {
		alias, groupID = c.Alias, c.GroupID
	}

	if sm.history != nil {
		if err := sm.history.Append(s, alias, groupID); err != nil {
			sm.log.Warn("failed to append session history",
				zap.String("session_id", s.ID), zap.Error(err))
		}
	}
	if sm.sessionRepo != nil {
		if err := sm.sessionRepo.SaveClosedSession(ctx, s); err != nil {
			sm.log.Warn("failed to mirror closed session to durable storage",
				zap.String("session_id", s.ID), zap.Error(err))
		}
	}
}

// HandleMeterValues records the meter reading against the live session and
// feeds the connector's peak per-phase current into the UsageCache, which
// backs the allocator's plateau inference and reduction/reclamation checks
// (spec.md §4.4 steps 2, 6, 7). The cache write is best-effort: a failure
// here never blocks the registry update that has already committed.
func (sm *StateMachine) HandleMeterValues(ctx context.Context, chargerID string, connectorIdx int, sessionID string, energyWh float64, phases [3]float64, now time.Time) error {
	if err := sm.reg.RecordMeterValues(sessionID, energyWh, phases, now); err != nil {
		return err
	}

	if sm.usage != nil {
		maxPhase := phases[0]
		if phases[1] > maxPhase {
			maxPhase = phases[1]
		}
		if phases[2] > maxPhase {
			maxPhase = phases[2]
		}
		key := ports.ConnectorKey(chargerID, connectorIdx)
		if err := sm.usage.RecordSample(ctx, key, maxPhase, now); err != nil {
			sm.log.Warn("failed to record usage sample", zap.String("charger_id", chargerID), zap.Int("connector", connectorIdx), zap.Error(err))
		}
	}
	return nil
}

func mapStatus(s string) domain.ConnectorStatus {
	switch s {
	case "Available":
		return domain.StatusAvailable
	case "Preparing":
		return domain.StatusPreparing
	case "Charging":
		return domain.StatusCharging
	case "SuspendedEV":
		return domain.StatusSuspendedEV
	case "SuspendedEVSE":
		return domain.StatusSuspendedEVSE
	case "Finishing":
		return domain.StatusFinishing
	case "Reserved":
		return domain.StatusReserved
	case "Unavailable":
		return domain.StatusUnavailable
	case "Faulted":
		return domain.StatusFaulted
	default:
		return domain.StatusUnknown
	}
}

// --- Outbound profile discipline ---

type chargingSchedulePeriod struct {
	StartPeriod int `json:"startPeriod"`
	LimitA      int `json:"limit"`
}

type chargingSchedule struct {
	ChargingRateUnit string                   `json:"chargingRateUnit"`
	ChargingSchedulePeriod []chargingSchedulePeriod `json:"chargingSchedulePeriod"`
}

type chargingProfile struct {
	ChargingProfileID      int              `json:"chargingProfileId"`
	StackLevel             int              `json:"stackLevel"`
	ChargingProfilePurpose string           `json:"chargingProfilePurpose"`
	ChargingProfileKind    string           `json:"chargingProfileKind"`
	TransactionID          *int             `json:"transactionId,omitempty"`
	ChargingSchedule       chargingSchedule `json:"chargingSchedule"`
}

type setChargingProfileReq struct {
	ConnectorID     int             `json:"connectorId"`
	CsChargingProfiles chargingProfile `json:"csChargingProfile"`
}

func (sm *StateMachine) setProfile(ctx context.Context, chargerID string, connectorIdx, stackLevel, limitA int, purpose string) error {
	req := setChargingProfileReq{
		ConnectorID: connectorIdx,
		CsChargingProfiles: chargingProfile{
			ChargingProfileID:      stackLevel*1000 + connectorIdx,
			StackLevel:             stackLevel,
			ChargingProfilePurpose: purpose,
			ChargingProfileKind:    "Absolute",
			ChargingSchedule: chargingSchedule{
				ChargingRateUnit:       "A",
				ChargingSchedulePeriod: []chargingSchedulePeriod{{StartPeriod: 0, LimitA: limitA}},
			},
		},
	}
	_, err := sm.transport.SendCall(ctx, chargerID, "SetChargingProfile", req)
	return err
}

// installBaseline clears existing default profiles and installs the minimum
// profile (StackLevel0, min_allocation) plus the blocking profile
// (StackLevel1, 0), per spec.md §4.3.
func (sm *StateMachine) installBaseline(ctx context.Context, c *domain.Charger) error {
	for idx := range c.Connectors {
		if _, err := sm.transport.SendCall(ctx, c.ID, "ClearChargingProfile", map[string]interface{}{"connectorId": idx}); err != nil {
			return domain.NewError(domain.KindTimeout, "installBaseline", err)
		}
		if err := sm.setProfile(ctx, c.ID, idx, stackLevelMinimum, sm.cfg.MinAllocationA, "TxDefaultProfile"); err != nil {
			return domain.NewError(domain.KindTimeout, "installBaseline", err)
		}
		if err := sm.setProfile(ctx, c.ID, idx, stackLevelBlocking, 0, "TxDefaultProfile"); err != nil {
			return domain.NewError(domain.KindTimeout, "installBaseline", err)
		}
	}
	return nil
}

// grantBaselineOnStart overwrites the StackLevel 1 blocking profile with a
// min_allocation limit (6A by default), exposing that current the instant a
// transaction begins. The blocking profile is replaced, not cleared.
func (sm *StateMachine) grantBaselineOnStart(ctx context.Context, c *domain.Charger, connectorIdx int) error {
	return sm.setProfile(ctx, c.ID, connectorIdx, stackLevelBlocking, sm.cfg.MinAllocationA, "TxDefaultProfile")
}

// GrantOffer installs a TxProfile for the connector's new allocator offer.
// Called by the allocator's commit step (spec.md §4.4 step 8).
func (sm *StateMachine) GrantOffer(ctx context.Context, chargerID string, connectorIdx, offerA int) error {
	return sm.setProfile(ctx, chargerID, connectorIdx, stackLevelMinimum, offerA, "TxProfile")
}

// ReinstallBlocking reinstalls the StackLevel1 blocking profile, used on
// transaction stop and on unused-offer reclamation.
func (sm *StateMachine) ReinstallBlocking(ctx context.Context, c *domain.Charger, connectorIdx int) error {
	return sm.setProfile(ctx, c.ID, connectorIdx, stackLevelBlocking, 0, "TxDefaultProfile")
}

// --- AuthorizationKey issuance ---

func (sm *StateMachine) delayedAuthKeyIssue(chargerID string) {
	if sm.cfg.AuthKeyDelay > 0 {
		time.Sleep(sm.cfg.AuthKeyDelay)
	}
	if err := sm.IssueAuthKey(context.Background(), chargerID); err != nil {
		sm.log.Warn("failed to issue authorization key", zap.String("charger_id", chargerID), zap.Error(err))
	}
}

// IssueAuthKey generates a new random AuthorizationKey, hashes it with
// SHA-256 for local storage, and — when a secret store is configured —
// writes the plaintext to Vault and records the reference.
func (sm *StateMachine) IssueAuthKey(ctx context.Context, chargerID string) error {
	c, ok := sm.reg.FindCharger(chargerID, "")
	if !ok {
		return domain.NewError(domain.KindModel, "IssueAuthKey", fmt.Errorf("unknown charger %q", chargerID))
	}

	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return domain.NewError(domain.KindTransient, "IssueAuthKey", err)
	}
	key := hex.EncodeToString(raw)

	hash := sha256.Sum256([]byte(key))
	c.AuthKeySHA = hex.EncodeToString(hash[:])

	if sm.secrets != nil {
		ref, err := sm.secrets.PutChargerKey(ctx, chargerID, key)
		if err != nil {
			sm.log.Warn("failed to store authorization key in secret store",
				zap.String("charger_id", chargerID), zap.Error(err))
		} else {
			c.AuthKeyRef = ref
		}
	}

	_, err := sm.transport.SendCall(ctx, chargerID, "ChangeConfiguration", map[string]string{
		"key":   "AuthorizationKey",
		"value": key,
	})
	return err
}

func (sm *StateMachine) publish(subject, chargerID, detail string) {
	if sm.queue == nil {
		return
	}
	payload := fmt.Sprintf(`{"charger_id":%q,"detail":%q}`, chargerID, detail)
	if err := sm.queue.Publish(subject, []byte(payload)); err != nil {
		sm.log.Debug("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
