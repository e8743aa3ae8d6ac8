// Package adminapi implements the Admin API's wire transport (spec.md §6):
// one gofiber/websocket/v2 connection per admin session at /api, carrying
// JSON Request/Response frames. Command gating and business logic live in
// internal/service/admin; this package only parses frames, authenticates
// the connection, and shapes responses.
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/balanzlc/balanz/internal/adapter/audit"
	wsHub "github.com/balanzlc/balanz/internal/adapter/websocket"
	"github.com/balanzlc/balanz/internal/domain"
	"github.com/balanzlc/balanz/internal/service/admin"
)

// Request is one inbound Admin API frame.
type Request struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	UserID  string          `json:"user_id,omitempty"` // Login only
	Token   string          `json:"token,omitempty"`   // Login only
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the matching reply frame, correlated by ID.
type Response struct {
	ID     string      `json:"id"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Server wires the gofiber websocket endpoint to the admin Service.
type Server struct {
	svc   *admin.Service
	hub   *wsHub.Hub
	audit *audit.Logger // may be nil, disabling the audit_log.txt trail
	log   *zap.Logger
}

func NewServer(svc *admin.Service, auditLog *audit.Logger, log *zap.Logger) *Server {
	hub := wsHub.NewHub()
	s := &Server{svc: svc, hub: hub, audit: auditLog, log: log}
	hub.Dispatch = s.dispatch
	return s
}

// Broadcast pushes an unsolicited event (status/offer/transaction) to every
// connected admin client (spec.md §4.8).
func (s *Server) Broadcast(event string, payload interface{}) {
	b, err := json.Marshal(Response{ID: "", OK: true, Result: map[string]interface{}{"event": event, "payload": payload}})
	if err != nil {
		s.log.Warn("admin broadcast marshal failed", zap.Error(err))
		return
	}
	s.hub.Broadcast(b)
}

// RegisterRoutes mounts the /api upgrade endpoint and starts the hub loop.
func (s *Server) RegisterRoutes(app *fiber.App) {
	go s.hub.Run()

	app.Use("/api", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/api", websocket.New(func(c *websocket.Conn) {
		s.hub.AddClient(c)
	}))
}

// dispatch handles one inbound frame. Every command before a successful
// Login is rejected (spec.md §6).
func (s *Server) dispatch(client *wsHub.Client, raw []byte) []byte {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return encode(Response{OK: false, Error: "malformed request"})
	}

	if req.Command == "Login" {
		return encode(s.handleLogin(client, req))
	}

	_, role, loggedIn := client.Session()
	if !loggedIn {
		return encode(Response{ID: req.ID, OK: false, Error: "login required"})
	}
	if err := admin.Authorize(role, req.Command); err != nil {
		return encode(Response{ID: req.ID, OK: false, Error: err.Error()})
	}

	userID, _, _ := client.Session()
	ctx := context.Background()
	result, err := s.runCommand(ctx, req)
	s.recordAudit(userID, req, err)
	if err != nil {
		return encode(Response{ID: req.ID, OK: false, Error: err.Error()})
	}
	return encode(Response{ID: req.ID, OK: true, Result: result})
}

// recordAudit appends one audit_log.txt line per privileged command (spec.md
// §6). Best-effort: a logging failure is itself logged via zap, never
// surfaced to the admin client.
func (s *Server) recordAudit(userID string, req Request, cmdErr error) {
	if s.audit == nil {
		return
	}
	detail := string(req.Params)
	if cmdErr != nil {
		detail = cmdErr.Error()
	}
	if err := s.audit.Record(userID, req.Command, cmdErr == nil, detail); err != nil {
		s.log.Warn("audit log write failed", zap.String("command", req.Command), zap.Error(err))
	}
}

func (s *Server) handleLogin(client *wsHub.Client, req Request) Response {
	jwtString, role, err := s.svc.Login(req.UserID, req.Token)
	if err != nil {
		return Response{ID: req.ID, OK: false, Error: err.Error()}
	}
	client.SetSession(req.UserID, role)
	return Response{ID: req.ID, OK: true, Result: map[string]string{"token": jwtString, "role": role.String()}}
}

func encode(r Response) []byte {
	b, _ := json.Marshal(r)
	return b
}

func (s *Server) runCommand(ctx context.Context, req Request) (interface{}, error) {
	switch req.Command {
	case "DrawAll":
		return s.svc.DrawAll(), nil

	case "ListChargers":
		return s.svc.ListChargers(), nil

	case "GetCharger":
		var p struct {
			ChargerID string `json:"charger_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		c, ok := s.svc.GetCharger(p.ChargerID)
		if !ok {
			return nil, domain.NewError(domain.KindModel, "GetCharger", fmt.Errorf("unknown charger %q", p.ChargerID))
		}
		return c, nil

	case "ListSessions":
		return s.svc.ListSessions(), nil

	case "SetSessionPriority":
		var p struct {
			SessionID string `json:"session_id"`
			Priority  int    `json:"priority"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.svc.SetSessionPriority(ctx, p.SessionID, p.Priority)

	case "AddGroup":
		var g domain.Group
		if err := json.Unmarshal(req.Params, &g); err != nil {
			return nil, err
		}
		return nil, s.svc.AddGroup(&g)

	case "UpdateGroup":
		var g domain.Group
		if err := json.Unmarshal(req.Params, &g); err != nil {
			return nil, err
		}
		return nil, s.svc.UpdateGroup(&g)

	case "DeleteGroup":
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.svc.DeleteGroup(p.ID)

	case "AddCharger":
		var c domain.Charger
		if err := json.Unmarshal(req.Params, &c); err != nil {
			return nil, err
		}
		return nil, s.svc.AddCharger(&c)

	case "UpdateCharger":
		var c domain.Charger
		if err := json.Unmarshal(req.Params, &c); err != nil {
			return nil, err
		}
		return nil, s.svc.UpdateCharger(&c)

	case "DeleteCharger":
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.svc.DeleteCharger(p.ID)

	case "AddTag":
		var t domain.Tag
		if err := json.Unmarshal(req.Params, &t); err != nil {
			return nil, err
		}
		return nil, s.svc.AddTag(&t)

	case "UpdateTag":
		var t domain.Tag
		if err := json.Unmarshal(req.Params, &t); err != nil {
			return nil, err
		}
		return nil, s.svc.UpdateTag(&t)

	case "DeleteTag":
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.svc.DeleteTag(p.ID)

	case "SetBalanzState":
		var p struct {
			GroupID string `json:"group_id"`
			Suspend bool   `json:"suspend"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.svc.SetBalanzState(p.GroupID, p.Suspend)

	case "RemoteStartTransaction":
		var p struct {
			ChargerID    string `json:"charger_id"`
			ConnectorIdx int    `json:"connector_idx"`
			IDTag        string `json:"id_tag"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.svc.RemoteStartTransaction(ctx, p.ChargerID, p.ConnectorIdx, p.IDTag)

	case "RemoteStopTransaction":
		var p struct {
			ChargerID         string `json:"charger_id"`
			OCPPTransactionID int    `json:"ocpp_transaction_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.svc.RemoteStopTransaction(ctx, p.ChargerID, p.OCPPTransactionID)

	case "Reset":
		var p struct {
			ChargerID string `json:"charger_id"`
			Type      string `json:"type"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.svc.Reset(ctx, p.ChargerID, p.Type)

	default:
		return nil, domain.NewError(domain.KindProtocol, "runCommand", fmt.Errorf("unknown command %q", req.Command))
	}
}
