package mocks

import (
	"context"
	"time"
)

// MockUsageCache is a mock implementation of ports.UsageCache. Samples is a
// fixed-answer map keyed by connector key, checked directly by RollingMax
// unless RollingMaxFunc is set.
type MockUsageCache struct {
	RollingMaxFunc  func(ctx context.Context, connectorKey string, window time.Duration) (float64, bool, error)
	RecordSampleFunc func(ctx context.Context, connectorKey string, amps float64, at time.Time) error

	Samples map[string]float64
}

func NewMockUsageCache() *MockUsageCache {
	return &MockUsageCache{Samples: make(map[string]float64)}
}

func (m *MockUsageCache) RecordSample(ctx context.Context, connectorKey string, amps float64, at time.Time) error {
	if m.RecordSampleFunc != nil {
		return m.RecordSampleFunc(ctx, connectorKey, amps, at)
	}
	m.Samples[connectorKey] = amps
	return nil
}

func (m *MockUsageCache) RollingMax(ctx context.Context, connectorKey string, window time.Duration) (float64, bool, error) {
	if m.RollingMaxFunc != nil {
		return m.RollingMaxFunc(ctx, connectorKey, window)
	}
	v, ok := m.Samples[connectorKey]
	return v, ok, nil
}
