package allocator

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/balanzlc/balanz/internal/domain"
	"github.com/balanzlc/balanz/internal/mocks"
	"github.com/balanzlc/balanz/internal/service/registry"
	"github.com/balanzlc/balanz/internal/service/schedule"
)

func mustSchedule(t *testing.T, text string) *domain.Schedule {
	t.Helper()
	s, err := schedule.Parse(text)
	if err != nil {
		t.Fatalf("Parse(%q): %v", text, err)
	}
	return s
}

func newReg(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(registry.Config{DefaultConnMax: 32, DefaultPriority: 1}, zap.NewNop())
}

func unlimitedCap(t *testing.T) *domain.Schedule {
	return mustSchedule(t, "00:00-23:59>0=24")
}

func TestPlan_SingleChargerGrowthToPlateau(t *testing.T) {
	reg := newReg(t)
	if err := reg.AddGroup(&domain.Group{ID: "RR2", Schedule: unlimitedCap(t)}); err != nil {
		t.Fatal(err)
	}
	charger := &domain.Charger{ID: "RR2-01", GroupID: "RR2", ConnMax: 32, Priority: 1,
		Connectors: map[int]*domain.Connector{1: {Index: 1, Status: domain.StatusCharging}}}
	if err := reg.AddCharger(charger); err != nil {
		t.Fatal(err)
	}
	if err := reg.AddTag(&domain.Tag{ID: "tag1", Status: domain.TagActivated}); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if _, err := reg.StartSession("RR2-01", 1, "tag1", now); err != nil {
		t.Fatal(err)
	}

	usage := mocks.NewMockUsageCache()
	a := New(usage, DefaultConfig(), zap.NewNop())

	// First full pass: offer must be 6A.
	snap := reg.Snapshot()
	changes := a.Plan(context.Background(), snap, now, true)
	if len(changes) != 1 || changes[0].ToA != 6 {
		t.Fatalf("expected single change to 6A, got %+v", changes)
	}
	for _, c := range changes {
		_ = reg.ApplyOffer(c.ChargerID, c.ConnectorIdx, c.ToA, now)
	}

	// Steady usage ~6A for the full interval: next full pass grows to 9A.
	later := now.Add(DefaultConfig().MinOfferIncreaseInterval + time.Second)
	usage.Samples[ConnectorKey("RR2-01", 1)] = 6.0
	snap = reg.Snapshot()
	changes = a.Plan(context.Background(), snap, later, true)
	if len(changes) != 1 || changes[0].ToA != 9 {
		t.Fatalf("expected growth to 9A, got %+v", changes)
	}
}

func TestPlan_PriorityGating(t *testing.T) {
	reg := newReg(t)
	sched := mustSchedule(t, "00:00-16:59>0=24;17:00-20:59>0=0:5=48;21:00-23:59>0=24")
	if err := reg.AddGroup(&domain.Group{ID: "RR1", Schedule: sched}); err != nil {
		t.Fatal(err)
	}
	lowPrio := &domain.Charger{ID: "c-low", GroupID: "RR1", ConnMax: 32, Priority: 1,
		Connectors: map[int]*domain.Connector{1: {Index: 1, Status: domain.StatusCharging}}}
	hiPrio := &domain.Charger{ID: "c-high", GroupID: "RR1", ConnMax: 32, Priority: 5,
		Connectors: map[int]*domain.Connector{1: {Index: 1, Status: domain.StatusCharging}}}
	_ = reg.AddCharger(lowPrio)
	_ = reg.AddCharger(hiPrio)

	// 18:00 today.
	now := time.Date(2026, 7, 30, 18, 0, 0, 0, time.Local)

	usage := mocks.NewMockUsageCache()
	a := New(usage, DefaultConfig(), zap.NewNop())

	changes := a.Plan(context.Background(), reg.Snapshot(), now, true)

	var gotLow, gotHigh bool
	for _, c := range changes {
		switch c.ChargerID {
		case "c-low":
			t.Fatalf("expected no offer for priority-1 connector under a p>=5 schedule, got %+v", c)
		case "c-high":
			if c.ToA != 6 {
				t.Fatalf("expected priority-5 connector to receive 6A, got %d", c.ToA)
			}
			gotHigh = true
		}
		gotLow = gotLow || c.ChargerID == "c-low"
	}
	if gotLow {
		t.Fatal("priority-1 connector should not have been granted an offer")
	}
	if !gotHigh {
		t.Fatal("expected priority-5 connector to be granted an offer")
	}
}

func TestPlan_Reduction(t *testing.T) {
	reg := newReg(t)
	if err := reg.AddGroup(&domain.Group{ID: "RR2", Schedule: unlimitedCap(t)}); err != nil {
		t.Fatal(err)
	}
	charger := &domain.Charger{ID: "c1", GroupID: "RR2", ConnMax: 32, Priority: 1,
		Connectors: map[int]*domain.Connector{1: {Index: 1, Status: domain.StatusCharging, OfferA: 16,
			LastOfferChange: time.Now().Add(-time.Hour)}}}
	_ = reg.AddCharger(charger)

	usage := mocks.NewMockUsageCache()
	usage.Samples[ConnectorKey("c1", 1)] = 10.0
	a := New(usage, DefaultConfig(), zap.NewNop())

	now := time.Now()
	changes := a.Plan(context.Background(), reg.Snapshot(), now, false)
	if len(changes) != 1 || changes[0].ToA != 11 {
		t.Fatalf("expected reduction to 11A (floor(10)+1), got %+v", changes)
	}
}

func TestPlan_UnusedOfferReclamation(t *testing.T) {
	reg := newReg(t)
	if err := reg.AddGroup(&domain.Group{ID: "RR2", Schedule: unlimitedCap(t)}); err != nil {
		t.Fatal(err)
	}
	charger := &domain.Charger{ID: "c1", GroupID: "RR2", ConnMax: 32, Priority: 1,
		Connectors: map[int]*domain.Connector{1: {Index: 1, Status: domain.StatusCharging, OfferA: 6,
			LastOfferChange: time.Now().Add(-10 * time.Minute)}}}
	_ = reg.AddCharger(charger)

	usage := mocks.NewMockUsageCache()
	usage.Samples[ConnectorKey("c1", 1)] = 1.0 // below usage_threshold=2A
	a := New(usage, DefaultConfig(), zap.NewNop())

	now := time.Now()
	changes := a.Plan(context.Background(), reg.Snapshot(), now, true)
	if len(changes) != 1 || changes[0].ToA != 0 || !changes[0].Suspend {
		t.Fatalf("expected suspend-to-0 reclamation, got %+v", changes)
	}
}

func TestPlan_GroupBudgetConflict(t *testing.T) {
	reg := newReg(t)
	if err := reg.AddGroup(&domain.Group{ID: "RR3", Schedule: mustSchedule(t, "00:00-23:59>0=24")}); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 4; i++ {
		id := "c" + string(rune('0'+i))
		_ = reg.AddCharger(&domain.Charger{ID: id, GroupID: "RR3", ConnMax: 32, Priority: 1,
			Connectors: map[int]*domain.Connector{1: {Index: 1, Status: domain.StatusCharging}}})
	}

	usage := mocks.NewMockUsageCache()
	a := New(usage, DefaultConfig(), zap.NewNop())

	now := time.Now()
	changes := a.Plan(context.Background(), reg.Snapshot(), now, true)
	if len(changes) != 4 {
		t.Fatalf("expected all four connectors to receive the 6A baseline, got %+v", changes)
	}
	for _, c := range changes {
		if c.ToA != 6 {
			t.Fatalf("expected 6A for every connector, got %+v", c)
		}
	}

	// No headroom left: a second full pass commits nothing new.
	for _, c := range changes {
		_ = reg.ApplyOffer(c.ChargerID, c.ConnectorIdx, c.ToA, now)
	}
	changes = a.Plan(context.Background(), reg.Snapshot(), now.Add(time.Hour), true)
	if len(changes) != 0 {
		t.Fatalf("expected no further growth with cap exhausted, got %+v", changes)
	}
}

func TestPlan_IneligibleConnectorReadsZero(t *testing.T) {
	reg := newReg(t)
	if err := reg.AddGroup(&domain.Group{ID: "RR2", Schedule: unlimitedCap(t)}); err != nil {
		t.Fatal(err)
	}
	charger := &domain.Charger{ID: "c1", GroupID: "RR2", ConnMax: 32, Priority: 1,
		Connectors: map[int]*domain.Connector{1: {Index: 1, Status: domain.StatusFaulted, OfferA: 12}}}
	_ = reg.AddCharger(charger)

	a := New(mocks.NewMockUsageCache(), DefaultConfig(), zap.NewNop())
	changes := a.Plan(context.Background(), reg.Snapshot(), time.Now(), true)
	if len(changes) != 1 || changes[0].ToA != 0 {
		t.Fatalf("expected faulted connector to be dropped to 0, got %+v", changes)
	}
}

func TestPlan_GroupWideGrowthGraceAfterReduction(t *testing.T) {
	reg := newReg(t)
	if err := reg.AddGroup(&domain.Group{ID: "RR2", Schedule: unlimitedCap(t)}); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	_ = reg.AddCharger(&domain.Charger{ID: "c1", GroupID: "RR2", ConnMax: 32, Priority: 1,
		Connectors: map[int]*domain.Connector{1: {Index: 1, Status: domain.StatusCharging, OfferA: 16, LastOfferChange: old}}})
	_ = reg.AddCharger(&domain.Charger{ID: "c2", GroupID: "RR2", ConnMax: 32, Priority: 1,
		Connectors: map[int]*domain.Connector{1: {Index: 1, Status: domain.StatusCharging, OfferA: 6, LastOfferChange: old}}})

	usage := mocks.NewMockUsageCache()
	usage.Samples[ConnectorKey("c1", 1)] = 10.0 // triggers a step-6 reduction to 11A
	usage.Samples[ConnectorKey("c2", 1)] = 6.0  // steady at its offer, otherwise eligible to grow
	cfg := DefaultConfig()
	a := New(usage, cfg, zap.NewNop())

	now := time.Now()
	changes := a.Plan(context.Background(), reg.Snapshot(), now, true)

	var sawReduction, sawGrowth bool
	for _, c := range changes {
		if c.ChargerID == "c1" && c.ToA == 11 {
			sawReduction = true
		}
		if c.ChargerID == "c2" {
			sawGrowth = true
		}
	}
	if !sawReduction {
		t.Fatalf("expected c1 to be reduced to 11A, got %+v", changes)
	}
	if sawGrowth {
		t.Fatalf("expected c2's growth to be deferred by the group-wide wait_after_reduce grace, got %+v", changes)
	}

	// The committer would persist the reduction and apply both offers; simulate that here.
	if err := reg.RecordGroupReduction("RR2", now); err != nil {
		t.Fatal(err)
	}
	for _, c := range changes {
		_ = reg.ApplyOffer(c.ChargerID, c.ConnectorIdx, c.ToA, now)
	}

	// Still within wait_after_reduce: c2's growth stays deferred on a later tick.
	stillGrace := now.Add(cfg.WaitAfterReduce - time.Second)
	changes = a.Plan(context.Background(), reg.Snapshot(), stillGrace, true)
	for _, c := range changes {
		if c.ChargerID == "c2" {
			t.Fatalf("expected c2 to stay deferred within wait_after_reduce, got %+v", changes)
		}
	}

	// Past the grace window: c2 is free to grow again.
	pastGrace := now.Add(cfg.WaitAfterReduce + time.Second)
	changes = a.Plan(context.Background(), reg.Snapshot(), pastGrace, true)
	grew := false
	for _, c := range changes {
		if c.ChargerID == "c2" && c.ToA > 6 {
			grew = true
		}
	}
	if !grew {
		t.Fatalf("expected c2 to grow once wait_after_reduce has elapsed, got %+v", changes)
	}
}

func TestPlan_Idempotent(t *testing.T) {
	reg := newReg(t)
	if err := reg.AddGroup(&domain.Group{ID: "RR2", Schedule: unlimitedCap(t)}); err != nil {
		t.Fatal(err)
	}
	charger := &domain.Charger{ID: "c1", GroupID: "RR2", ConnMax: 32, Priority: 1,
		Connectors: map[int]*domain.Connector{1: {Index: 1, Status: domain.StatusCharging, OfferA: 6,
			LastOfferChange: time.Now()}}}
	_ = reg.AddCharger(charger)

	usage := mocks.NewMockUsageCache()
	usage.Samples[ConnectorKey("c1", 1)] = 6.0
	a := New(usage, DefaultConfig(), zap.NewNop())

	now := time.Now()
	first := a.Plan(context.Background(), reg.Snapshot(), now, true)
	if len(first) != 0 {
		t.Fatalf("expected no changes with no input changes, got %+v", first)
	}
	second := a.Plan(context.Background(), reg.Snapshot(), now, true)
	if len(second) != 0 {
		t.Fatalf("expected idempotent replay to commit nothing, got %+v", second)
	}
}
