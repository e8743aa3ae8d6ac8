package mocks

import (
	"context"
	"encoding/json"
)

// MockOCPPTransport is a mock implementation of ports.OCPPTransport.
type MockOCPPTransport struct {
	SendCallFunc func(ctx context.Context, chargerID, action string, payload interface{}) (json.RawMessage, error)

	// Calls records every SendCall invocation for assertions, in order.
	Calls []RecordedCall
}

// RecordedCall captures one outbound call for test assertions.
type RecordedCall struct {
	ChargerID string
	Action    string
	Payload   interface{}
}

func (m *MockOCPPTransport) SendCall(ctx context.Context, chargerID, action string, payload interface{}) (json.RawMessage, error) {
	m.Calls = append(m.Calls, RecordedCall{ChargerID: chargerID, Action: action, Payload: payload})
	if m.SendCallFunc != nil {
		return m.SendCallFunc(ctx, chargerID, action, payload)
	}
	return json.RawMessage(`{}`), nil
}
