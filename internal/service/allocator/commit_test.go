package allocator

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/balanzlc/balanz/internal/domain"
	"github.com/balanzlc/balanz/internal/infrastructure/circuitbreaker"
	"github.com/balanzlc/balanz/internal/mocks"
	"github.com/balanzlc/balanz/internal/service/registry"
	"github.com/balanzlc/balanz/internal/service/statemachine"
)

func TestCommitter_AppliesSuccessfulChange(t *testing.T) {
	reg := registry.New(registry.Config{DefaultConnMax: 32, DefaultPriority: 1}, zap.NewNop())
	_ = reg.AddGroup(&domain.Group{ID: "RR2"})
	_ = reg.AddCharger(&domain.Charger{ID: "c1", GroupID: "RR2", ConnMax: 32,
		Connectors: map[int]*domain.Connector{1: {Index: 1, Status: domain.StatusCharging}}})

	transport := &mocks.MockOCPPTransport{}
	sm := statemachine.New(reg, transport, &mocks.MockMessageQueue{}, nil, nil, nil, nil, statemachine.Config{MinAllocationA: 6}, zap.NewNop())
	committer := NewCommitter(reg, sm, circuitbreaker.NewManager(zap.NewNop()), zap.NewNop())

	changes := []domain.OfferChange{{ChargerID: "c1", ConnectorIdx: 1, FromA: 0, ToA: 9}}
	committer.Commit(context.Background(), changes)

	c, _ := reg.FindCharger("c1", "")
	conn, _ := c.Connector(1)
	if conn.OfferA != 9 {
		t.Fatalf("expected offer to be applied to registry, got %d", conn.OfferA)
	}
}

func TestCommitter_FailedCallLeavesOfferUnchanged(t *testing.T) {
	reg := registry.New(registry.Config{DefaultConnMax: 32, DefaultPriority: 1}, zap.NewNop())
	_ = reg.AddGroup(&domain.Group{ID: "RR2"})
	_ = reg.AddCharger(&domain.Charger{ID: "c1", GroupID: "RR2", ConnMax: 32,
		Connectors: map[int]*domain.Connector{1: {Index: 1, Status: domain.StatusCharging, OfferA: 6}}})

	transport := &mocks.MockOCPPTransport{SendCallFunc: func(ctx context.Context, chargerID, action string, payload interface{}) (json.RawMessage, error) {
		return nil, context.DeadlineExceeded
	}}
	sm := statemachine.New(reg, transport, &mocks.MockMessageQueue{}, nil, nil, nil, nil, statemachine.Config{MinAllocationA: 6}, zap.NewNop())
	committer := NewCommitter(reg, sm, circuitbreaker.NewManager(zap.NewNop()), zap.NewNop())

	changes := []domain.OfferChange{{ChargerID: "c1", ConnectorIdx: 1, FromA: 6, ToA: 9}}
	committer.Commit(context.Background(), changes)

	c, _ := reg.FindCharger("c1", "")
	conn, _ := c.Connector(1)
	if conn.OfferA != 6 {
		t.Fatalf("expected offer to remain unchanged after a failed call, got %d", conn.OfferA)
	}
}
