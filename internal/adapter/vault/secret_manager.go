// Package vault stores charger AuthorizationKey material in HashiCorp Vault's
// KV v2 secrets engine (spec.md §6 DOMAIN STACK), implementing
// ports.SecretStore so the registry/CSV layer never has to hold plaintext
// AuthorizationKeys when Vault-backed storage is enabled.
package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"

	"github.com/balanzlc/balanz/internal/domain"
)

const secretMount = "secret/data/chargers"

// SecretManager implements ports.SecretStore against Vault's KV v2 engine.
type SecretManager struct {
	client *api.Client
}

func NewSecretManager(address, token string) (*SecretManager, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, domain.NewError(domain.KindConfig, "NewSecretManager", err)
	}
	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// PutChargerKey writes a charger's plaintext AuthorizationKey under its own
// KV path and returns that path as the opaque ref stored in chargers.csv's
// auth_key_ref column.
func (sm *SecretManager) PutChargerKey(ctx context.Context, chargerID, plaintextKey string) (string, error) {
	path := fmt.Sprintf("%s/%s", secretMount, chargerID)
	_, err := sm.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"data": map[string]interface{}{"auth_key": plaintextKey},
	})
	if err != nil {
		return "", domain.NewError(domain.KindTransient, "PutChargerKey", err)
	}
	return path, nil
}

// GetChargerKey reads back the plaintext AuthorizationKey stored at ref.
func (sm *SecretManager) GetChargerKey(ctx context.Context, ref string) (string, error) {
	secret, err := sm.client.Logical().ReadWithContext(ctx, ref)
	if err != nil {
		return "", domain.NewError(domain.KindTransient, "GetChargerKey", err)
	}
	if secret == nil || secret.Data == nil {
		return "", domain.NewError(domain.KindModel, "GetChargerKey", fmt.Errorf("no secret at %q", ref))
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", domain.NewError(domain.KindModel, "GetChargerKey", fmt.Errorf("malformed secret at %q", ref))
	}
	key, ok := data["auth_key"].(string)
	if !ok {
		return "", domain.NewError(domain.KindModel, "GetChargerKey", fmt.Errorf("missing auth_key at %q", ref))
	}
	return key, nil
}
