package home

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
)

type registryCache struct {
	MachineID string `json:"machineId"`
	CreatedAt string `json:"createdAt"`
}

// MachineID returns the stable identity this host registers under. An
// explicit override wins; otherwise the id is generated once and cached in
// cache/registry.json so the host keeps its identity across restarts.
func (h *Home) MachineID(override string) (string, error) {
	if override != "" {
		return override, nil
	}

	data, err := os.ReadFile(h.registryCachePath())
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// first run
	case err != nil:
		return "", fmt.Errorf("reading machine id cache: %w", err)
	default:
		var cache registryCache
		if err := json.Unmarshal(data, &cache); err == nil && cache.MachineID != "" {
			return cache.MachineID, nil
		}
		// Unreadable cache falls through to regeneration.
	}

	cache := registryCache{
		MachineID: uuid.New().String(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	out, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding machine id cache: %w", err)
	}
	if err := os.MkdirAll(h.cacheDir(), 0o700); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}
	if err := os.WriteFile(h.registryCachePath(), append(out, '\n'), 0o600); err != nil {
		return "", fmt.Errorf("writing machine id cache: %w", err)
	}
	return cache.MachineID, nil
}
