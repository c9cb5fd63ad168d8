// Package config loads the daemon configuration from the host home's
// .config.json and the SESSHUB_* environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Env var names recognised by the daemon.
const (
	EnvGatewayURL      = "SESSHUB_GATEWAY_URL"
	EnvHome            = "SESSHUB_HOME"
	EnvMachineID       = "SESSHUB_MACHINE_ID"
	EnvClientName      = "SESSHUB_CLIENT_NAME"
	EnvClientVersion   = "SESSHUB_CLIENT_VERSION"
	EnvWorktreeBaseDir = "SESSHUB_WORKTREE_BASE_DIR"
	EnvCompaction      = "SESSHUB_COMPACTION"
)

// DefaultGatewayURL is where the daemon connects when nothing overrides it.
const DefaultGatewayURL = "ws://127.0.0.1:8080/ws/host"

// BackendOverride customises or adds one agent backend. Entries with a
// known id override the built-in preset field by field; entries with a new
// id define a custom backend.
type BackendOverride struct {
	ID      string   `json:"id"`
	Label   string   `json:"label,omitempty"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	// Enabled defaults to true; set false to hide a preset.
	Enabled *bool `json:"enabled,omitempty"`
}

// Compaction controls the event log sweep for archived sessions.
type Compaction struct {
	Enabled    bool `json:"enabled"`
	RetainDays int  `json:"retainDays"`
}

// Config holds everything the daemon reads at startup.
type Config struct {
	GatewayURL      string            `json:"gatewayUrl"`
	MachineID       string            `json:"machineId"`
	ClientName      string            `json:"clientName"`
	ClientVersion   string            `json:"clientVersion"`
	WorktreeBaseDir string            `json:"worktreeBaseDir"`
	DefaultBackend  string            `json:"defaultBackend"`
	Backends        []BackendOverride `json:"backends"`
	Compaction      Compaction        `json:"compaction"`
	LogLevel        string            `json:"logLevel"`
}

// HomeDir resolves the host home directory: SESSHUB_HOME when set,
// otherwise ~/.sesshub.
func HomeDir() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving user home: %w", err)
	}
	return filepath.Join(home, ".sesshub"), nil
}

// Load reads <home>/.config.json when present, fills defaults, and applies
// environment overrides. A missing config file is not an error.
func Load(home string) (*Config, error) {
	cfg := &Config{
		GatewayURL:      DefaultGatewayURL,
		ClientName:      "sesshubd",
		WorktreeBaseDir: filepath.Join(home, "worktrees"),
		Compaction:      Compaction{Enabled: false, RetainDays: 30},
		LogLevel:        "info",
	}

	path := filepath.Join(home, ".config.json")
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvGatewayURL); v != "" {
		cfg.GatewayURL = v
	}
	if v := os.Getenv(EnvMachineID); v != "" {
		cfg.MachineID = v
	}
	if v := os.Getenv(EnvClientName); v != "" {
		cfg.ClientName = v
	}
	if v := os.Getenv(EnvClientVersion); v != "" {
		cfg.ClientVersion = v
	}
	if v := os.Getenv(EnvWorktreeBaseDir); v != "" {
		cfg.WorktreeBaseDir = v
	}
	switch os.Getenv(EnvCompaction) {
	case "on", "1", "true":
		cfg.Compaction.Enabled = true
	case "off", "0", "false":
		cfg.Compaction.Enabled = false
	}
}
