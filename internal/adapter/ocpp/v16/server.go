// Package v16 implements the OCPP-J 1.6 WebSocket transport (spec.md §4.5):
// one logical connection per charger at endpoint path /<charger_id>,
// [2,msgId,action,payload] Call / [3,msgId,payload] CallResult /
// [4,msgId,errorCode,description,details] CallError framing, and outbound
// send_call(charger_id, action, payload) for the state machine and
// allocator commit step.
package v16

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/balanzlc/balanz/internal/domain"
	"github.com/balanzlc/balanz/internal/observability/metrics"
	"github.com/balanzlc/balanz/internal/service/statemachine"
)

const (
	callMessage       = 2
	callResultMessage = 3
	callErrorMessage  = 4
)

var upgrader = websocket.Upgrader{
	Subprotocols:    []string{"ocpp1.6"},
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Config holds the transport-level timing knobs (spec.md §6).
type Config struct {
	PingTimeout time.Duration // default 30s; how long SendCall waits for a CallResult
}

func DefaultConfig() Config {
	return Config{PingTimeout: 30 * time.Second}
}

// pending is one outstanding outbound Call awaiting its CallResult/CallError.
type pending struct {
	result json.RawMessage
	err    error
	done   chan struct{}
}

// client is one charger's live WebSocket connection.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pending
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn, pending: make(map[string]*pending)}
}

func (c *client) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Server is the OCPP 1.6 WebSocket endpoint. It implements
// ports.OCPPTransport so the state machine and allocator commit step can
// send calls back down to a connected charger.
type Server struct {
	handlers *Handlers
	cfg      Config
	log      *zap.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

func NewServer(sm *statemachine.StateMachine, cfg Config, log *zap.Logger) *Server {
	return &Server{
		handlers: NewHandlers(sm, log),
		cfg:      cfg,
		log:      log,
		clients:  make(map[string]*client),
	}
}

// RegisterRoutes mounts the OCPP 1.6 upgrade handler at /<charger_id>.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleWebSocket)
}

func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		c.conn.Close()
		delete(s.clients, id)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	chargerID := strings.Trim(r.URL.Path, "/")
	if chargerID == "" {
		http.Error(w, "missing charger id in path", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("OCPP websocket upgrade failed", zap.String("charger_id", chargerID), zap.Error(err))
		return
	}
	c := newClient(conn)

	s.mu.Lock()
	s.clients[chargerID] = c
	s.mu.Unlock()
	metrics.OCPPConnectionsActive.Inc()
	s.log.Info("charger connected", zap.String("charger_id", chargerID))

	defer func() {
		conn.Close()
		s.mu.Lock()
		if s.clients[chargerID] == c {
			delete(s.clients, chargerID)
		}
		s.mu.Unlock()
		metrics.OCPPConnectionsActive.Dec()
		s.log.Info("charger disconnected", zap.String("charger_id", chargerID))
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("OCPP websocket read error", zap.String("charger_id", chargerID), zap.Error(err))
			}
			return
		}
		s.dispatch(chargerID, c, raw)
	}
}

// dispatch routes one inbound frame: a Call is handled and answered inline;
// a CallResult/CallError is matched against an outstanding SendCall by
// messageId.
func (s *Server) dispatch(chargerID string, c *client, raw []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 3 {
		s.log.Warn("malformed OCPP frame", zap.String("charger_id", chargerID), zap.Error(err))
		c.conn.Close()
		return
	}

	var msgType int
	if err := json.Unmarshal(frame[0], &msgType); err != nil {
		s.log.Warn("malformed OCPP message type", zap.String("charger_id", chargerID), zap.Error(err))
		c.conn.Close()
		return
	}
	var msgID string
	if err := json.Unmarshal(frame[1], &msgID); err != nil {
		s.log.Warn("malformed OCPP message id", zap.String("charger_id", chargerID), zap.Error(err))
		c.conn.Close()
		return
	}

	s.handlers.sm.Touch(chargerID, time.Now())

	switch msgType {
	case callMessage:
		if len(frame) < 4 {
			return
		}
		var action string
		if err := json.Unmarshal(frame[2], &action); err != nil {
			return
		}
		metrics.RecordOCPPMessage(action, true)
		resp, err := s.handlers.HandleMessage(context.Background(), chargerID, action, frame[3])
		if err != nil {
			_ = c.writeJSON([]interface{}{callErrorMessage, msgID, "InternalError", err.Error(), map[string]string{}})
			return
		}
		_ = c.writeJSON([]interface{}{callResultMessage, msgID, resp})

	case callResultMessage:
		c.resolve(msgID, frame[2], nil)

	case callErrorMessage:
		var errCode, errDesc string
		_ = json.Unmarshal(frame[2], &errCode)
		if len(frame) > 3 {
			_ = json.Unmarshal(frame[3], &errDesc)
		}
		c.resolve(msgID, nil, fmt.Errorf("%s: %s", errCode, errDesc))

	default:
		s.log.Warn("unknown OCPP message type", zap.String("charger_id", chargerID), zap.Int("type", msgType))
	}
}

func (c *client) resolve(msgID string, result json.RawMessage, err error) {
	c.pendingMu.Lock()
	p, ok := c.pending[msgID]
	if ok {
		delete(c.pending, msgID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	p.result = result
	p.err = err
	close(p.done)
}

// SendCall implements ports.OCPPTransport: it blocks until the charger
// replies or ping_timeout elapses, whichever is first honored by ctx.
func (s *Server) SendCall(ctx context.Context, chargerID, action string, payload interface{}) (json.RawMessage, error) {
	start := time.Now()
	metrics.RecordOCPPMessage(action, false)
	defer func() { metrics.RecordOCPPCall(action, time.Since(start).Seconds()) }()

	s.mu.RLock()
	c, ok := s.clients[chargerID]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.NewError(domain.KindTransient, "SendCall", fmt.Errorf("charger %q not connected", chargerID))
	}

	msgID := uuid.NewString()
	p := &pending{done: make(chan struct{})}
	c.pendingMu.Lock()
	c.pending[msgID] = p
	c.pendingMu.Unlock()

	if err := c.writeJSON([]interface{}{callMessage, msgID, action, payload}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
		return nil, domain.NewError(domain.KindTransient, "SendCall", err)
	}

	timeout := s.cfg.PingTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().PingTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		metrics.RecordOCPPMessage(action, true)
		return p.result, p.err
	case <-timer.C:
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
		return nil, domain.NewError(domain.KindTimeout, "SendCall", fmt.Errorf("charger %q did not respond to %s within %s", chargerID, action, timeout))
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}
