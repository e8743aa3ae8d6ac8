package statemachine

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/balanzlc/balanz/internal/domain"
	"github.com/balanzlc/balanz/internal/mocks"
	"github.com/balanzlc/balanz/internal/service/registry"
)

func newTestSetup(t *testing.T) (*StateMachine, *registry.Registry, *mocks.MockOCPPTransport) {
	sm, reg, transport, _ := newTestSetupWithUsage(t)
	return sm, reg, transport
}

func newTestSetupWithUsage(t *testing.T) (*StateMachine, *registry.Registry, *mocks.MockOCPPTransport, *mocks.MockUsageCache) {
	t.Helper()
	reg := registry.New(registry.Config{
		AutoregisterEnabled: true,
		AutoregisterGroupID: "RR1",
		DefaultConnMax:      32,
		DefaultPriority:     1,
		DefaultConnectors:   1,
	}, zap.NewNop())
	if err := reg.AddGroup(&domain.Group{ID: "RR1"}); err != nil {
		t.Fatalf("AddGroup: %v", err)
	}

	transport := &mocks.MockOCPPTransport{}
	usage := mocks.NewMockUsageCache()
	sm := New(reg, transport, &mocks.MockMessageQueue{}, nil, nil, nil, usage, Config{MinAllocationA: 6}, zap.NewNop())
	return sm, reg, transport, usage
}

func TestHandleBootNotification_AutoregistersAndInstallsBaseline(t *testing.T) {
	sm, reg, transport := newTestSetup(t)

	if err := sm.HandleBootNotification(context.Background(), "c1", time.Now()); err != nil {
		t.Fatalf("HandleBootNotification: %v", err)
	}

	c, ok := reg.FindCharger("c1", "")
	if !ok {
		t.Fatal("expected charger to be autoregistered")
	}
	if len(c.Connectors) != 1 {
		t.Fatalf("expected 1 connector from default config, got %d", len(c.Connectors))
	}

	var sawMinimum, sawBlocking bool
	for _, call := range transport.Calls {
		if call.Action != "SetChargingProfile" {
			continue
		}
		req, ok := call.Payload.(setChargingProfileReq)
		if !ok {
			t.Fatalf("unexpected payload type %T", call.Payload)
		}
		switch req.CsChargingProfiles.StackLevel {
		case stackLevelMinimum:
			if req.CsChargingProfiles.ChargingSchedule.ChargingSchedulePeriod[0].LimitA == 6 {
				sawMinimum = true
			}
		case stackLevelBlocking:
			if req.CsChargingProfiles.ChargingSchedule.ChargingSchedulePeriod[0].LimitA == 0 {
				sawBlocking = true
			}
		}
	}
	if !sawMinimum || !sawBlocking {
		t.Fatalf("expected both minimum and blocking profiles to be installed, got calls=%+v", transport.Calls)
	}
}

func TestHandleStatusNotification_UpdatesConnectorStatus(t *testing.T) {
	sm, reg, _ := newTestSetup(t)
	_ = reg.AddCharger(&domain.Charger{ID: "c1", GroupID: "RR1", ConnMax: 32,
		Connectors: map[int]*domain.Connector{1: {Index: 1, Status: domain.StatusUnknown}}})

	if err := sm.HandleStatusNotification("c1", 1, "Preparing", time.Now()); err != nil {
		t.Fatalf("HandleStatusNotification: %v", err)
	}

	c, _ := reg.FindCharger("c1", "")
	conn, _ := c.Connector(1)
	if conn.Status != domain.StatusPreparing {
		t.Fatalf("expected status Preparing, got %v", conn.Status)
	}
}

func TestHandleAuthorize(t *testing.T) {
	sm, reg, _ := newTestSetup(t)
	_ = reg.AddTag(&domain.Tag{ID: "good", Status: domain.TagActivated})
	_ = reg.AddTag(&domain.Tag{ID: "bad", Status: domain.TagBlocked})

	if got := sm.HandleAuthorize("good"); got != "Accepted" {
		t.Fatalf("expected Accepted, got %s", got)
	}
	if got := sm.HandleAuthorize("bad"); got != "Blocked" {
		t.Fatalf("expected Blocked, got %s", got)
	}
	if got := sm.HandleAuthorize("ghost"); got != "Invalid" {
		t.Fatalf("expected Invalid, got %s", got)
	}
}

func TestHandleStartStopTransaction_GrantsAndRevokesBaseline(t *testing.T) {
	sm, reg, transport := newTestSetup(t)
	_ = reg.AddCharger(&domain.Charger{ID: "c1", GroupID: "RR1", ConnMax: 32,
		Connectors: map[int]*domain.Connector{1: {Index: 1, Status: domain.StatusPreparing}}})
	_ = reg.AddTag(&domain.Tag{ID: "tag1", Status: domain.TagActivated})

	now := time.Now()
	s, err := sm.HandleStartTransaction(context.Background(), "c1", 1, "tag1", now)
	if err != nil {
		t.Fatalf("HandleStartTransaction: %v", err)
	}

	foundGrant := false
	for _, call := range transport.Calls {
		if call.Action == "SetChargingProfile" {
			req := call.Payload.(setChargingProfileReq)
			if req.CsChargingProfiles.StackLevel == stackLevelBlocking &&
				req.CsChargingProfiles.ChargingSchedule.ChargingSchedulePeriod[0].LimitA == 6 {
				foundGrant = true
			}
		}
	}
	if !foundGrant {
		t.Fatal("expected blocking profile to be cleared to minimum on transaction start")
	}

	if err := sm.HandleStopTransaction(context.Background(), s.ID, "tag1", "Local", now.Add(time.Minute)); err != nil {
		t.Fatalf("HandleStopTransaction: %v", err)
	}

	closed, _ := reg.Session(s.ID)
	if closed.Live() {
		t.Fatal("expected session to be closed")
	}
}

func TestHandleMeterValues_RecordsPeakPhaseIntoUsageCache(t *testing.T) {
	sm, reg, _, usage := newTestSetupWithUsage(t)
	_ = reg.AddCharger(&domain.Charger{ID: "c1", GroupID: "RR1", ConnMax: 32,
		Connectors: map[int]*domain.Connector{1: {Index: 1, Status: domain.StatusPreparing}}})
	_ = reg.AddTag(&domain.Tag{ID: "tag1", Status: domain.TagActivated})

	now := time.Now()
	s, err := sm.HandleStartTransaction(context.Background(), "c1", 1, "tag1", now)
	if err != nil {
		t.Fatalf("HandleStartTransaction: %v", err)
	}

	if err := sm.HandleMeterValues(context.Background(), "c1", 1, s.ID, 500, [3]float64{10, 16, 12}, now.Add(time.Second)); err != nil {
		t.Fatalf("HandleMeterValues: %v", err)
	}

	got, ok := usage.Samples["c1#1"]
	if !ok {
		t.Fatal("expected a usage sample to be recorded for c1#1")
	}
	if got != 16 {
		t.Fatalf("expected the peak phase current 16A to be recorded, got %v", got)
	}

	closed, _ := reg.Session(s.ID)
	if closed.EnergyWh != 500 {
		t.Fatalf("expected session energy to be updated, got %v", closed.EnergyWh)
	}
}

func TestIssueAuthKey_StoresHashAndRef(t *testing.T) {
	sm, reg, transport := newTestSetup(t)
	_ = reg.AddCharger(&domain.Charger{ID: "c1", GroupID: "RR1", ConnMax: 32})
	sm.secrets = mocks.NewMockSecretStore()

	if err := sm.IssueAuthKey(context.Background(), "c1"); err != nil {
		t.Fatalf("IssueAuthKey: %v", err)
	}

	c, _ := reg.FindCharger("c1", "")
	if c.AuthKeySHA == "" {
		t.Fatal("expected AuthKeySHA to be set")
	}
	if c.AuthKeyRef == "" {
		t.Fatal("expected AuthKeyRef to be set when a secret store is configured")
	}

	foundConfig := false
	for _, call := range transport.Calls {
		if call.Action == "ChangeConfiguration" {
			foundConfig = true
		}
	}
	if !foundConfig {
		t.Fatal("expected ChangeConfiguration call pushing the new key to the charger")
	}
}
