package admin

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/balanzlc/balanz/internal/domain"
	"github.com/balanzlc/balanz/internal/mocks"
	"github.com/balanzlc/balanz/internal/service/registry"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	users := NewUserStore()
	users.Put(&domain.User{ID: "alice", PasswordSHA256: HashHex(LoginToken("alice", "wonderland")), Role: domain.RoleAdmin})

	reg := registry.New(registry.Config{DefaultConnMax: 32, DefaultPriority: 1, DefaultConnectors: 1}, zap.NewNop())
	if err := reg.AddGroup(&domain.Group{ID: "site"}); err != nil {
		t.Fatalf("AddGroup: %v", err)
	}

	return New(users, reg, nil, &mocks.MockOCPPTransport{}, Config{JWTSecret: "test-secret"}, zap.NewNop())
}

func TestLogin_AcceptsCorrectToken(t *testing.T) {
	svc := newTestService(t)
	token, role, err := svc.Login("alice", LoginToken("alice", "wonderland"))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token == "" {
		t.Fatal("expected a non-empty session token")
	}
	if role != domain.RoleAdmin {
		t.Fatalf("expected RoleAdmin, got %v", role)
	}
}

func TestLogin_RejectsWrongPassword(t *testing.T) {
	svc := newTestService(t)
	if _, _, err := svc.Login("alice", LoginToken("alice", "wrong")); err == nil {
		t.Fatal("expected an error for a wrong password")
	}
}

func TestLogin_RejectsUnknownUser(t *testing.T) {
	svc := newTestService(t)
	if _, _, err := svc.Login("ghost", LoginToken("ghost", "whatever")); err == nil {
		t.Fatal("expected an error for an unknown user")
	}
}

func TestValidateSession_RoundTripsIssuedToken(t *testing.T) {
	svc := newTestService(t)
	token, _, err := svc.Login("alice", LoginToken("alice", "wonderland"))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := svc.ValidateSession(token)
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if claims.Subject != "alice" || claims.Role != domain.RoleAdmin {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestValidateSession_RejectsGarbage(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.ValidateSession("not-a-jwt"); err == nil {
		t.Fatal("expected an error for a malformed token")
	}
}

func TestAuthorize_EnforcesStrictRoleOrdering(t *testing.T) {
	cases := []struct {
		role    domain.Role
		command string
		wantErr bool
	}{
		{domain.RoleStatus, "DrawAll", false},
		{domain.RoleStatus, "AddGroup", true},
		{domain.RoleTags, "AddTag", false},
		{domain.RoleTags, "AddGroup", true},
		{domain.RoleAdmin, "AddGroup", false},
		{domain.RoleAdmin, "NotACommand", true},
	}
	for _, c := range cases {
		err := Authorize(c.role, c.command)
		if (err != nil) != c.wantErr {
			t.Errorf("Authorize(%v, %q) error = %v, wantErr %v", c.role, c.command, err, c.wantErr)
		}
	}
}

func TestDrawAll_ListsGroupsChargersAndConnectors(t *testing.T) {
	svc := newTestService(t)
	if err := svc.AddCharger(&domain.Charger{
		ID: "cp1", GroupID: "site", ConnMax: 32, Priority: 1,
		Connectors: map[int]*domain.Connector{1: {Index: 1, Status: domain.StatusAvailable}},
	}); err != nil {
		t.Fatalf("AddCharger: %v", err)
	}

	out := svc.DrawAll()
	if out == "" {
		t.Fatal("expected a non-empty snapshot")
	}
	if !strings.Contains(out, "site") || !strings.Contains(out, "cp1") {
		t.Fatalf("expected snapshot to mention the group and charger, got:\n%s", out)
	}
}

func TestSetSessionPriority_UpdatesLiveSession(t *testing.T) {
	svc := newTestService(t)
	if err := svc.AddCharger(&domain.Charger{
		ID: "cp1", GroupID: "site", ConnMax: 32, Priority: 1,
		Connectors: map[int]*domain.Connector{1: {Index: 1, Status: domain.StatusPreparing}},
	}); err != nil {
		t.Fatalf("AddCharger: %v", err)
	}
	sess, err := svc.reg.StartSession("cp1", 1, "tag1", time.Now())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if err := svc.SetSessionPriority(context.Background(), sess.ID, 9); err != nil {
		t.Fatalf("SetSessionPriority: %v", err)
	}
	got, _ := svc.reg.Session(sess.ID)
	if got.Priority != 9 {
		t.Fatalf("expected priority 9, got %d", got.Priority)
	}
}
