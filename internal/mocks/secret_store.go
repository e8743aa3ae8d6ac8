package mocks

import "context"

// MockSecretStore is a mock implementation of ports.SecretStore.
type MockSecretStore struct {
	PutChargerKeyFunc func(ctx context.Context, chargerID, plaintextKey string) (string, error)
	GetChargerKeyFunc func(ctx context.Context, ref string) (string, error)

	stored map[string]string
}

func NewMockSecretStore() *MockSecretStore {
	return &MockSecretStore{stored: make(map[string]string)}
}

func (m *MockSecretStore) PutChargerKey(ctx context.Context, chargerID, plaintextKey string) (string, error) {
	if m.PutChargerKeyFunc != nil {
		return m.PutChargerKeyFunc(ctx, chargerID, plaintextKey)
	}
	ref := "secret/chargers/" + chargerID
	m.stored[ref] = plaintextKey
	return ref, nil
}

func (m *MockSecretStore) GetChargerKey(ctx context.Context, ref string) (string, error) {
	if m.GetChargerKeyFunc != nil {
		return m.GetChargerKeyFunc(ctx, ref)
	}
	return m.stored[ref], nil
}
