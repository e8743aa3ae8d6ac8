package csv

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/balanzlc/balanz/internal/domain"
	"github.com/balanzlc/balanz/internal/service/schedule"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadGroups_ParsesScheduleAndSuspended(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "groups.csv",
		"root,,top level,,false\n"+
			"site,root,charging site,00:00-23:59>0=32,true\n")

	groups, err := LoadGroups(path)
	if err != nil {
		t.Fatalf("LoadGroups: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	site := groups["site"]
	if site == nil {
		t.Fatal("expected a \"site\" group")
	}
	if !site.Suspended {
		t.Fatal("expected site to be suspended")
	}
	if !site.IsAllocationGroup() {
		t.Fatal("expected site to carry a schedule")
	}
	if root := groups["root"]; root.IsAllocationGroup() {
		t.Fatal("expected root to have no schedule")
	}
}

func TestSaveGroups_RoundTripsThroughLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "groups.csv")

	sched, err := schedule.Parse("00:00-23:59>0=16")
	if err != nil {
		t.Fatalf("schedule.Parse: %v", err)
	}
	original := map[string]*domain.Group{
		"site": {ID: "site", ParentID: "", Description: "d", Schedule: sched, Suspended: false},
	}
	if err := SaveGroups(path, original); err != nil {
		t.Fatalf("SaveGroups: %v", err)
	}
	loaded, err := LoadGroups(path)
	if err != nil {
		t.Fatalf("LoadGroups: %v", err)
	}
	if loaded["site"] == nil || !loaded["site"].IsAllocationGroup() {
		t.Fatal("expected the round-tripped group to keep its schedule")
	}
}

func TestLoadChargers_BuildsConnectors(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "chargers.csv",
		"cp1,CP One,site,32,1,deadbeef,,1.0,Acme,X1,2\n")

	chargers, err := LoadChargers(path)
	if err != nil {
		t.Fatalf("LoadChargers: %v", err)
	}
	c := chargers["cp1"]
	if c == nil {
		t.Fatal("expected charger cp1")
	}
	if len(c.Connectors) != 2 {
		t.Fatalf("expected 2 connectors, got %d", len(c.Connectors))
	}
	if c.Connectors[1].Status != domain.StatusUnknown {
		t.Fatalf("expected a fresh connector to start Unknown, got %s", c.Connectors[1].Status)
	}
}

func TestLoadTags_ParsesPriorityOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tags.csv",
		"tag1,Activated,,5\n"+
			"tag2,Blocked,tag1,\n")

	tags, err := LoadTags(path)
	if err != nil {
		t.Fatalf("LoadTags: %v", err)
	}
	if tags["tag1"].PriorityOverride == nil || *tags["tag1"].PriorityOverride != 5 {
		t.Fatalf("expected tag1's priority override to be 5, got %+v", tags["tag1"].PriorityOverride)
	}
	if tags["tag2"].PriorityOverride != nil {
		t.Fatal("expected tag2 to have no priority override")
	}
	if tags["tag2"].Active() {
		t.Fatal("expected tag2 (Blocked) to be inactive")
	}
}

func TestLoadUsers_ParsesRoles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "users.csv",
		"alice,abc123,Admin\n"+
			"bob,def456,Status\n")

	store, err := LoadUsers(path)
	if err != nil {
		t.Fatalf("LoadUsers: %v", err)
	}
	alice, ok := store.Find("alice")
	if !ok || alice.Role != domain.RoleAdmin {
		t.Fatalf("expected alice to be RoleAdmin, got %+v", alice)
	}
}

func TestSessionHistoryWriter_AppendsOneRowPerSession(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.csv")
	w := NewSessionHistoryWriter(path)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &domain.Session{
		ID: "s1", ChargerID: "cp1", IDTag: "tag1", StopIDTag: "tag1",
		StartTime: now, StopTime: now.Add(time.Hour), EnergyWh: 1500, StopReason: "complete",
		History: []domain.OfferStep{{At: now, OfferA: 16}, {At: now.Add(time.Minute), OfferA: -1}},
	}
	if err := w.Append(s, "CP One", "site"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append(s, "CP One", "site"); err != nil {
		t.Fatalf("second Append: %v", err)
	}

	rows, err := readRows(path)
	if err != nil {
		t.Fatalf("readRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 appended rows, got %d", len(rows))
	}
	if rows[0][0] != "s1" {
		t.Fatalf("expected session_id column to be s1, got %q", rows[0][0])
	}
}
