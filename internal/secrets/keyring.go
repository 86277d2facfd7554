package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// DefaultService is the keyring service name entries are filed under.
const DefaultService = "echochat"

// KeyringStore uses the OS keyring (Secret Service, macOS Keychain,
// Windows Credential Manager).
type KeyringStore struct {
	service string
}

func NewKeyringStore(service string) *KeyringStore {
	if service == "" {
		service = DefaultService
	}
	return &KeyringStore{service: service}
}

func (k *KeyringStore) Get(_ context.Context, accountID string) (string, bool, error) {
	v, err := keyring.Get(k.service, accountID)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("keyring get: %w", err)
	}
	return v, true, nil
}

func (k *KeyringStore) Set(_ context.Context, accountID, secret string) error {
	if err := keyring.Set(k.service, accountID, secret); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return nil
}

func (k *KeyringStore) Delete(_ context.Context, accountID string) error {
	err := keyring.Delete(k.service, accountID)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete: %w", err)
	}
	return nil
}
