package v16

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/balanzlc/balanz/internal/domain"
	"github.com/balanzlc/balanz/internal/mocks"
	"github.com/balanzlc/balanz/internal/service/registry"
	"github.com/balanzlc/balanz/internal/service/statemachine"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	reg := registry.New(registry.Config{
		AutoregisterEnabled: true, AutoregisterGroupID: "RR1",
		DefaultConnMax: 32, DefaultPriority: 1, DefaultConnectors: 1,
	}, zap.NewNop())
	if err := reg.AddGroup(&domain.Group{ID: "RR1"}); err != nil {
		t.Fatalf("AddGroup: %v", err)
	}
	sm := statemachine.New(reg, &mocks.MockOCPPTransport{}, &mocks.MockMessageQueue{}, nil, nil, nil, nil, statemachine.Config{MinAllocationA: 6}, zap.NewNop())

	s := NewServer(sm, Config{PingTimeout: 2 * time.Second}, zap.NewNop())
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	return s, ts
}

func dialCharger(t *testing.T, ts *httptest.Server, chargerID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/" + chargerID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestInboundCall_BootNotificationGetsAccepted(t *testing.T) {
	s, ts := newTestServer(t)
	defer ts.Close()
	defer s.Stop()

	conn := dialCharger(t, ts, "c1")
	defer conn.Close()

	req := []interface{}{callMessage, "1", "BootNotification", map[string]string{
		"chargePointVendor": "Acme", "chargePointModel": "X1",
	}}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var resp []json.RawMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	var msgType int
	_ = json.Unmarshal(resp[0], &msgType)
	if msgType != callResultMessage {
		t.Fatalf("expected CallResult, got type %d", msgType)
	}
	var payload bootNotificationResp
	_ = json.Unmarshal(resp[2], &payload)
	if payload.Status != "Accepted" {
		t.Fatalf("expected Accepted, got %q", payload.Status)
	}
}

func TestSendCall_RoundTripsThroughCharger(t *testing.T) {
	s, ts := newTestServer(t)
	defer ts.Close()
	defer s.Stop()

	conn := dialCharger(t, ts, "c1")
	defer conn.Close()

	// Let the server register the client before issuing an outbound call.
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var frame []json.RawMessage
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&frame); err != nil {
			t.Errorf("charger-side ReadJSON: %v", err)
			return
		}
		var msgID string
		_ = json.Unmarshal(frame[1], &msgID)
		_ = conn.WriteJSON([]interface{}{callResultMessage, msgID, map[string]string{"status": "Accepted"}})
	}()

	result, err := s.SendCall(context.Background(), "c1", "ChangeConfiguration", map[string]string{"key": "k", "value": "v"})
	if err != nil {
		t.Fatalf("SendCall: %v", err)
	}
	<-done

	var payload map[string]string
	if err := json.Unmarshal(result, &payload); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if payload["status"] != "Accepted" {
		t.Fatalf("expected status Accepted, got %+v", payload)
	}
}

func TestSendCall_TimesOutWhenChargerSilent(t *testing.T) {
	s, ts := newTestServer(t)
	defer ts.Close()
	defer s.Stop()

	conn := dialCharger(t, ts, "c1")
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	_, err := s.SendCall(context.Background(), "c1", "ChangeConfiguration", map[string]string{"key": "k"})
	if err == nil {
		t.Fatal("expected a timeout error when the charger never replies")
	}
	if !errors.Is(err, domain.Sentinel(domain.KindTimeout)) {
		t.Fatalf("expected a KindTimeout error, got %v", err)
	}
}

func TestSendCall_UnknownChargerFails(t *testing.T) {
	s, ts := newTestServer(t)
	defer ts.Close()
	defer s.Stop()

	if _, err := s.SendCall(context.Background(), "ghost", "Reset", nil); err == nil {
		t.Fatal("expected an error sending to an unconnected charger")
	}
}
