// Package credential stores account secrets in the OS keyring (macOS
// Keychain, Windows Credential Manager, or Linux Secret Service), so
// passwords and API tokens stay out of the config file.
package credential

import (
	"fmt"

	"github.com/zalando/go-keyring"
)

const serviceName = "petrel"

// Store reads and writes per-account secrets.
type Store struct{}

// NewStore returns a keyring-backed secret store.
func NewStore() *Store {
	return &Store{}
}

// Save stores the secret for an account.
func (s *Store) Save(account, secret string) error {
	if err := keyring.Set(serviceName, account, secret); err != nil {
		return fmt.Errorf("failed to save secret to keyring: %w", err)
	}
	return nil
}

// Load retrieves the secret for an account.
func (s *Store) Load(account string) (string, error) {
	secret, err := keyring.Get(serviceName, account)
	if err != nil {
		return "", fmt.Errorf("failed to load secret from keyring: %w", err)
	}
	return secret, nil
}

// Delete removes the secret for an account.
func (s *Store) Delete(account string) error {
	if err := keyring.Delete(serviceName, account); err != nil {
		return fmt.Errorf("failed to delete secret from keyring: %w", err)
	}
	return nil
}
