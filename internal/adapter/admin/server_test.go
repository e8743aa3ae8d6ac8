package adminapi

import (
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/balanzlc/balanz/internal/adapter/audit"
	"github.com/balanzlc/balanz/internal/domain"
	"github.com/balanzlc/balanz/internal/mocks"
	"github.com/balanzlc/balanz/internal/service/admin"
	"github.com/balanzlc/balanz/internal/service/registry"
)

func newTestAdminServer(t *testing.T) (addr string, closeFn func()) {
	t.Helper()

	users := admin.NewUserStore()
	users.Put(&domain.User{ID: "alice", PasswordSHA256: admin.HashHex(admin.LoginToken("alice", "wonderland")), Role: domain.RoleAdmin})
	reg := registry.New(registry.Config{DefaultConnMax: 32, DefaultPriority: 1, DefaultConnectors: 1}, zap.NewNop())
	if err := reg.AddGroup(&domain.Group{ID: "site"}); err != nil {
		t.Fatalf("AddGroup: %v", err)
	}
	svc := admin.New(users, reg, nil, &mocks.MockOCPPTransport{}, admin.Config{JWTSecret: "test-secret"}, zap.NewNop())

	auditLog := audit.NewLogger(filepath.Join(t.TempDir(), "audit_log.txt"))
	srv := NewServer(svc, auditLog, zap.NewNop())
	app := fiber.New()
	srv.RegisterRoutes(app)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	return ln.Addr().String(), func() { _ = app.Shutdown() }
}

func dialAdmin(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, req Request) Response {
	t.Helper()
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var resp Response
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return resp
}

func TestDispatch_RejectsCommandsBeforeLogin(t *testing.T) {
	addr, closeFn := newTestAdminServer(t)
	defer closeFn()

	conn := dialAdmin(t, addr)
	defer conn.Close()

	resp := roundTrip(t, conn, Request{ID: "1", Command: "DrawAll"})
	if resp.OK {
		t.Fatal("expected DrawAll to be rejected before Login")
	}
}

func TestDispatch_LoginThenDrawAll(t *testing.T) {
	addr, closeFn := newTestAdminServer(t)
	defer closeFn()

	conn := dialAdmin(t, addr)
	defer conn.Close()

	loginResp := roundTrip(t, conn, Request{ID: "1", Command: "Login", UserID: "alice", Token: "alicewonderland"})
	if !loginResp.OK {
		t.Fatalf("expected Login to succeed, got %+v", loginResp)
	}

	drawResp := roundTrip(t, conn, Request{ID: "2", Command: "DrawAll"})
	if !drawResp.OK {
		t.Fatalf("expected DrawAll to succeed after Login, got %+v", drawResp)
	}
}

func TestDispatch_LoginRejectsWrongToken(t *testing.T) {
	addr, closeFn := newTestAdminServer(t)
	defer closeFn()

	conn := dialAdmin(t, addr)
	defer conn.Close()

	resp := roundTrip(t, conn, Request{ID: "1", Command: "Login", UserID: "alice", Token: "alicewrong"})
	if resp.OK {
		t.Fatal("expected Login to fail with the wrong token")
	}
}

func TestDispatch_AddGroupRoundTrips(t *testing.T) {
	addr, closeFn := newTestAdminServer(t)
	defer closeFn()

	conn := dialAdmin(t, addr)
	defer conn.Close()

	if resp := roundTrip(t, conn, Request{ID: "1", Command: "Login", UserID: "alice", Token: "alicewonderland"}); !resp.OK {
		t.Fatalf("Login failed: %+v", resp)
	}

	params, _ := json.Marshal(domain.Group{ID: "annex"})
	resp := roundTrip(t, conn, Request{ID: "2", Command: "AddGroup", Params: params})
	if !resp.OK {
		t.Fatalf("expected AddGroup to succeed, got %+v", resp)
	}
}
