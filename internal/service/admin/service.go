// Package admin implements the control-plane business logic behind the
// Admin API (spec.md §6): login, JWT session issuance, role-gated command
// dispatch over registry CRUD, live overrides, and the
// DrawAll snapshot. The wire framing itself lives in
// internal/adapter/admin.
package admin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/balanzlc/balanz/internal/domain"
	"github.com/balanzlc/balanz/internal/ports"
	"github.com/balanzlc/balanz/internal/service/registry"
	"github.com/balanzlc/balanz/internal/service/statemachine"
)

// Claims is the JWT payload issued after a successful Login, carrying the
// user's role so later calls need not re-hash the password on every message.
type Claims struct {
	jwt.RegisteredClaims
	Role domain.Role `json:"role"`
}

// Config holds the admin service's tuning knobs.
type Config struct {
	JWTSecret     string
	TokenDuration time.Duration // default 1h
}

// Service implements the Admin API's command catalogue against the
// Registry. It holds no websocket/HTTP concerns of its own.
type Service struct {
	users     *UserStore
	reg       *registry.Registry
	sm        *statemachine.StateMachine
	transport ports.OCPPTransport
	cfg       Config
	log       *zap.Logger
}

func New(users *UserStore, reg *registry.Registry, sm *statemachine.StateMachine, transport ports.OCPPTransport, cfg Config, log *zap.Logger) *Service {
	if cfg.TokenDuration <= 0 {
		cfg.TokenDuration = time.Hour
	}
	return &Service{users: users, reg: reg, sm: sm, transport: transport, cfg: cfg, log: log}
}

// RemoteStartTransaction forwards a RemoteStartTransaction Call directly to
// the charger (spec.md §6, "OCPP pass-through calls").
func (s *Service) RemoteStartTransaction(ctx context.Context, chargerID string, connectorIdx int, idTag string) error {
	_, err := s.transport.SendCall(ctx, chargerID, "RemoteStartTransaction", map[string]interface{}{
		"connectorId": connectorIdx,
		"idTag":       idTag,
	})
	return err
}

// RemoteStopTransaction forwards a RemoteStopTransaction Call (identified by
// the OCPP-side integer transaction id, not the domain session id).
func (s *Service) RemoteStopTransaction(ctx context.Context, chargerID string, ocppTransactionID int) error {
	_, err := s.transport.SendCall(ctx, chargerID, "RemoteStopTransaction", map[string]interface{}{
		"transactionId": ocppTransactionID,
	})
	return err
}

// Reset forwards a Reset Call ("Hard" or "Soft").
func (s *Service) Reset(ctx context.Context, chargerID, resetType string) error {
	_, err := s.transport.SendCall(ctx, chargerID, "Reset", map[string]interface{}{"type": resetType})
	return err
}

// Login validates the spec.md §6 token scheme and issues a session JWT.
func (s *Service) Login(userID, token string) (string, domain.Role, error) {
	u, ok := s.users.Authenticate(userID, token)
	if !ok {
		return "", 0, domain.NewError(domain.KindAuth, "Login", fmt.Errorf("invalid credentials for %q", userID))
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenDuration)),
		},
		Role: u.Role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", 0, domain.NewError(domain.KindAuth, "Login", err)
	}
	return signed, u.Role, nil
}

// ValidateSession parses and verifies a session JWT previously issued by Login.
func (s *Service) ValidateSession(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil || !parsed.Valid {
		return nil, domain.NewError(domain.KindAuth, "ValidateSession", fmt.Errorf("invalid or expired session token"))
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, domain.NewError(domain.KindAuth, "ValidateSession", fmt.Errorf("malformed claims"))
	}
	return claims, nil
}

// commandRole is the minimum role required for each command in the
// catalogue (spec.md §6, "strictly ordered by capability").
var commandRole = map[string]domain.Role{
	"DrawAll":                domain.RoleStatus,
	"GetCharger":             domain.RoleStatus,
	"ListChargers":           domain.RoleStatus,
	"ListSessions":           domain.RoleAnalysis,
	"SetSessionPriority":     domain.RoleSessionPriority,
	"AddTag":                 domain.RoleTags,
	"UpdateTag":              domain.RoleTags,
	"DeleteTag":              domain.RoleTags,
	"AddGroup":               domain.RoleAdmin,
	"UpdateGroup":            domain.RoleAdmin,
	"DeleteGroup":            domain.RoleAdmin,
	"AddCharger":             domain.RoleAdmin,
	"UpdateCharger":          domain.RoleAdmin,
	"DeleteCharger":          domain.RoleAdmin,
	"SetBalanzState":         domain.RoleAdmin,
	"ReloadGroups":           domain.RoleAdmin,
	"ReloadChargers":         domain.RoleAdmin,
	"ReloadTags":             domain.RoleAdmin,
	"RemoteStartTransaction": domain.RoleAdmin,
	"RemoteStopTransaction":  domain.RoleAdmin,
	"Reset":                  domain.RoleAdmin,
}

// RequiredRole reports the minimum role a command needs, and whether the
// command is known at all.
func RequiredRole(command string) (domain.Role, bool) {
	r, ok := commandRole[command]
	return r, ok
}

// Authorize reports whether role may invoke command.
func Authorize(role domain.Role, command string) error {
	required, known := RequiredRole(command)
	if !known {
		return domain.NewError(domain.KindProtocol, "Authorize", fmt.Errorf("unknown command %q", command))
	}
	if !role.Allows(required) {
		return domain.NewError(domain.KindAuth, "Authorize", fmt.Errorf("command %q requires role %s, have %s", command, required, role))
	}
	return nil
}

// DrawAll renders a human-readable snapshot of every group, charger,
// connector, and live session (spec.md §6).
func (s *Service) DrawAll() string {
	snap := s.reg.Snapshot()

	var groupIDs []string
	for id := range snap.Groups {
		groupIDs = append(groupIDs, id)
	}
	sort.Strings(groupIDs)

	var b strings.Builder
	for _, gid := range groupIDs {
		g := snap.Groups[gid]
		kind := "tag"
		if g.IsAllocationGroup() {
			kind = "allocation"
		}
		suspended := ""
		if g.Suspended {
			suspended = " [suspended]"
		}
		fmt.Fprintf(&b, "%s (%s, parent=%s)%s\n", gid, kind, orDash(g.ParentID), suspended)

		var chargerIDs []string
		for id, c := range snap.Chargers {
			if c.GroupID == gid {
				chargerIDs = append(chargerIDs, id)
			}
		}
		sort.Strings(chargerIDs)
		for _, cid := range chargerIDs {
			c := snap.Chargers[cid]
			fmt.Fprintf(&b, "  %s last_seen=%s\n", cid, c.LastSeen.Format(time.RFC3339))
			var idxs []int
			for idx := range c.Connectors {
				idxs = append(idxs, idx)
			}
			sort.Ints(idxs)
			for _, idx := range idxs {
				conn := c.Connectors[idx]
				line := fmt.Sprintf("    #%d status=%s offer=%dA", idx, conn.Status, conn.OfferA)
				if conn.SessionID != "" {
					if sess, ok := snap.Sessions[conn.SessionID]; ok {
						line += fmt.Sprintf(" session=%s priority=%d energy=%.0fWh", sess.ID, sess.Priority, sess.EnergyWh)
					}
				}
				b.WriteString(line + "\n")
			}
		}
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// SetSessionPriority applies a live priority override to a session.
func (s *Service) SetSessionPriority(ctx context.Context, sessionID string, priority int) error {
	return s.reg.SetSessionPriority(sessionID, priority)
}

// The remaining methods are thin pass-throughs onto the Registry, kept here
// (rather than letting the adapter reach into the registry package
// directly) so Service stays the single place the command catalogue and
// its role gating are defined.

func (s *Service) AddGroup(g *domain.Group) error    { return s.reg.AddGroup(g) }
func (s *Service) UpdateGroup(g *domain.Group) error { return s.reg.UpdateGroup(g) }
func (s *Service) DeleteGroup(id string) error       { return s.reg.DeleteGroup(id) }

func (s *Service) AddCharger(c *domain.Charger) error    { return s.reg.AddCharger(c) }
func (s *Service) UpdateCharger(c *domain.Charger) error { return s.reg.UpdateCharger(c) }
func (s *Service) DeleteCharger(id string) error         { return s.reg.DeleteCharger(id) }

func (s *Service) AddTag(t *domain.Tag) error    { return s.reg.AddTag(t) }
func (s *Service) UpdateTag(t *domain.Tag) error { return s.reg.UpdateTag(t) }
func (s *Service) DeleteTag(id string) error     { return s.reg.DeleteTag(id) }

func (s *Service) SetBalanzState(groupID string, suspend bool) error {
	return s.reg.SetBalanzState(groupID, suspend)
}

// ReloadGroups, ReloadChargers and ReloadTags apply an already-parsed
// group/charger/tag set to the registry live; they read no files. The Admin
// API dispatcher in internal/adapter/admin has no case for them, so a
// Reload* request passes the role check and then fails as an unknown
// command.
func (s *Service) ReloadGroups(groups map[string]*domain.Group) error {
	return s.reg.ReloadGroups(groups)
}

func (s *Service) ReloadChargers(chargers map[string]*domain.Charger, now time.Time) []string {
	return s.reg.ReloadChargers(chargers, now)
}

func (s *Service) ReloadTags(tags map[string]*domain.Tag) {
	s.reg.ReloadTags(tags)
}

func (s *Service) ListChargers() map[string]*domain.Charger {
	return s.reg.Snapshot().Chargers
}

func (s *Service) GetCharger(id string) (*domain.Charger, bool) {
	return s.reg.FindCharger(id, "")
}

func (s *Service) ListSessions() map[string]*domain.Session {
	return s.reg.Snapshot().Sessions
}
