package home

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// ErrNoCredentials means the daemon has not been logged in on this machine.
var ErrNoCredentials = errors.New("no stored credentials, run login first")

// Credentials is what `login` stores and the uplink presents to the
// gateway.
type Credentials struct {
	GatewayURL string `json:"gatewayUrl"`
	APIKey     string `json:"apiKey"`
	HostID     string `json:"hostId,omitempty"`
	UserID     string `json:"userId,omitempty"`
}

// LoadCredentials reads credentials.json.
func (h *Home) LoadCredentials() (*Credentials, error) {
	data, err := os.ReadFile(h.CredentialsPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	if creds.APIKey == "" {
		return nil, ErrNoCredentials
	}
	return &creds, nil
}

// SaveCredentials writes credentials.json with owner-only permissions.
func (h *Home) SaveCredentials(creds *Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	if err := os.WriteFile(h.CredentialsPath(), append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}
	return nil
}

// DeleteCredentials removes the stored credentials, if any.
func (h *Home) DeleteCredentials() error {
	err := os.Remove(h.CredentialsPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
