package v16

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/balanzlc/balanz/internal/service/statemachine"
)

// Handlers processes OCPP 1.6 Call messages from charge points, translating
// wire payloads into StateMachine calls. OCPP 1.6 StopTransaction identifies
// the transaction by an integer id handed out in the StartTransaction
// response, so Handlers keeps the int-id <-> session-id mapping the rest of
// the system (string session ids) does not need.
type Handlers struct {
	sm  *statemachine.StateMachine
	log *zap.Logger

	mu       sync.Mutex
	nextTxID int
	byTxID   map[int]string
}

func NewHandlers(sm *statemachine.StateMachine, log *zap.Logger) *Handlers {
	return &Handlers{sm: sm, log: log, byTxID: make(map[int]string), nextTxID: 1}
}

// HandleMessage routes an OCPP 1.6 action to the appropriate handler.
func (h *Handlers) HandleMessage(ctx context.Context, chargerID, action string, payload json.RawMessage) (interface{}, error) {
	switch action {
	case "BootNotification":
		return h.handleBootNotification(ctx, chargerID, payload)
	case "Heartbeat":
		return h.handleHeartbeat(chargerID)
	case "StatusNotification":
		return h.handleStatusNotification(chargerID, payload)
	case "StartTransaction":
		return h.handleStartTransaction(ctx, chargerID, payload)
	case "StopTransaction":
		return h.handleStopTransaction(ctx, chargerID, payload)
	case "MeterValues":
		return h.handleMeterValues(ctx, chargerID, payload)
	case "Authorize":
		return h.handleAuthorize(payload)
	default:
		h.log.Warn("unknown OCPP 1.6 action", zap.String("charger_id", chargerID), zap.String("action", action))
		return map[string]string{}, nil
	}
}

type bootNotificationReq struct {
	ChargePointVendor string `json:"chargePointVendor"`
	ChargePointModel  string `json:"chargePointModel"`
	FirmwareVersion   string `json:"firmwareVersion,omitempty"`
}

type bootNotificationResp struct {
	Status      string `json:"status"`
	CurrentTime string `json:"currentTime"`
	Interval    int    `json:"interval"`
}

func (h *Handlers) handleBootNotification(ctx context.Context, chargerID string, payload json.RawMessage) (interface{}, error) {
	var req bootNotificationReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid BootNotification: %w", err)
	}

	now := time.Now()
	if err := h.sm.HandleBootNotification(ctx, chargerID, now); err != nil {
		return nil, err
	}

	return bootNotificationResp{
		Status:      "Accepted",
		CurrentTime: now.UTC().Format(time.RFC3339),
		Interval:    300,
	}, nil
}

func (h *Handlers) handleHeartbeat(chargerID string) (interface{}, error) {
	now := time.Now()
	h.sm.HandleHeartbeat(chargerID, now)
	return map[string]string{"currentTime": now.UTC().Format(time.RFC3339)}, nil
}

type statusNotificationReq struct {
	ConnectorId int    `json:"connectorId"`
	ErrorCode   string `json:"errorCode"`
	Status      string `json:"status"`
}

func (h *Handlers) handleStatusNotification(chargerID string, payload json.RawMessage) (interface{}, error) {
	var req statusNotificationReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid StatusNotification: %w", err)
	}
	if req.ConnectorId == 0 {
		// connectorId 0 describes the charge point as a whole; this model
		// tracks eligibility per-connector only.
		return map[string]interface{}{}, nil
	}
	if err := h.sm.HandleStatusNotification(chargerID, req.ConnectorId, req.Status, time.Now()); err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}

type startTransactionReq struct {
	ConnectorId int    `json:"connectorId"`
	IdTag       string `json:"idTag"`
	MeterStart  int    `json:"meterStart"`
}

type idTagInfo struct {
	Status string `json:"status"`
}

type startTransactionResp struct {
	TransactionId int       `json:"transactionId"`
	IdTagInfo     idTagInfo `json:"idTagInfo"`
}

func (h *Handlers) handleStartTransaction(ctx context.Context, chargerID string, payload json.RawMessage) (interface{}, error) {
	var req startTransactionReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid StartTransaction: %w", err)
	}

	s, err := h.sm.HandleStartTransaction(ctx, chargerID, req.ConnectorId, req.IdTag, time.Now())
	if err != nil {
		h.log.Warn("StartTransaction rejected", zap.String("charger_id", chargerID), zap.Error(err))
		return startTransactionResp{TransactionId: -1, IdTagInfo: idTagInfo{Status: "Invalid"}}, nil
	}

	h.mu.Lock()
	txID := h.nextTxID
	h.nextTxID++
	h.byTxID[txID] = s.ID
	h.mu.Unlock()

	return startTransactionResp{TransactionId: txID, IdTagInfo: idTagInfo{Status: "Accepted"}}, nil
}

type stopTransactionReq struct {
	TransactionId int    `json:"transactionId"`
	MeterStop     int    `json:"meterStop"`
	IdTag         string `json:"idTag,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type stopTransactionResp struct {
	IdTagInfo idTagInfo `json:"idTagInfo"`
}

func (h *Handlers) handleStopTransaction(ctx context.Context, chargerID string, payload json.RawMessage) (interface{}, error) {
	var req stopTransactionReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid StopTransaction: %w", err)
	}

	h.mu.Lock()
	sessionID, ok := h.byTxID[req.TransactionId]
	delete(h.byTxID, req.TransactionId)
	h.mu.Unlock()
	if !ok {
		h.log.Warn("StopTransaction for unknown transaction id",
			zap.String("charger_id", chargerID), zap.Int("transaction_id", req.TransactionId))
		return stopTransactionResp{IdTagInfo: idTagInfo{Status: "Accepted"}}, nil
	}

	reason := req.Reason
	if reason == "" {
		reason = "Local"
	}
	if err := h.sm.HandleStopTransaction(ctx, sessionID, req.IdTag, reason, time.Now()); err != nil {
		return nil, err
	}
	return stopTransactionResp{IdTagInfo: idTagInfo{Status: "Accepted"}}, nil
}

type meterValue struct {
	Timestamp    string `json:"timestamp"`
	SampledValue []struct {
		Value     string `json:"value"`
		Measurand string `json:"measurand,omitempty"`
		Phase     string `json:"phase,omitempty"`
		Unit      string `json:"unit,omitempty"`
	} `json:"sampledValue"`
}

type meterValuesReq struct {
	ConnectorId   int          `json:"connectorId"`
	TransactionId int          `json:"transactionId,omitempty"`
	MeterValue    []meterValue `json:"meterValue"`
}

func (h *Handlers) handleMeterValues(ctx context.Context, chargerID string, payload json.RawMessage) (interface{}, error) {
	var req meterValuesReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid MeterValues: %w", err)
	}

	h.mu.Lock()
	sessionID := h.byTxID[req.TransactionId]
	h.mu.Unlock()
	if sessionID == "" {
		return map[string]interface{}{}, nil
	}

	var energyWh float64
	var phases [3]float64
	for _, mv := range req.MeterValue {
		for _, sv := range mv.SampledValue {
			var f float64
			if _, err := fmt.Sscanf(sv.Value, "%g", &f); err != nil {
				continue
			}
			switch sv.Measurand {
			case "", "Energy.Active.Import.Register":
				energyWh = f
			case "Current.Import":
				switch sv.Phase {
				case "L2":
					phases[1] = f
				case "L3":
					phases[2] = f
				default:
					phases[0] = f
				}
			}
		}
	}

	if err := h.sm.HandleMeterValues(ctx, chargerID, req.ConnectorId, sessionID, energyWh, phases, time.Now()); err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}

type authorizeReq struct {
	IdTag string `json:"idTag"`
}

type authorizeResp struct {
	IdTagInfo idTagInfo `json:"idTagInfo"`
}

func (h *Handlers) handleAuthorize(payload json.RawMessage) (interface{}, error) {
	var req authorizeReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid Authorize: %w", err)
	}
	return authorizeResp{IdTagInfo: idTagInfo{Status: h.sm.HandleAuthorize(req.IdTag)}}, nil
}
