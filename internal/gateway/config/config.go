// Package config loads the gateway configuration file. The path comes from
// SESSHUB_GATEWAY_CONFIG, defaulting to sesshub-gateway.json in the working
// directory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sesshub/sesshub/internal/identity"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "SESSHUB_GATEWAY_CONFIG"

// DefaultConfigPath is used when SESSHUB_GATEWAY_CONFIG is unset.
const DefaultConfigPath = "sesshub-gateway.json"

// TailscaleConfig contains settings for exposing the gateway as a tsnet node.
type TailscaleConfig struct {
	// Enabled toggles whether the gateway should listen on a tailnet
	// instead of a plain TCP socket.
	Enabled bool `json:"enabled"`

	// Hostname is the device name that will appear in the tailnet.
	Hostname string `json:"hostname"`

	// AuthKey is an optional Tailscale auth key used for unattended login.
	// If empty, tsnet falls back to TS_AUTHKEY / TS_AUTH_KEY env vars,
	// then prompts for interactive login on first start.
	AuthKey string `json:"authKey"`

	// Ephemeral controls whether this node is ephemeral in the tailnet.
	Ephemeral bool `json:"ephemeral"`

	// ControlURL optionally overrides the Tailscale control server URL.
	ControlURL string `json:"controlURL"`

	// Dir overrides the directory where tsnet stores its persistent state.
	Dir string `json:"dir"`

	// HTTPS enables automatic TLS via Tailscale-managed certificates.
	// Only effective when Enabled is true.
	HTTPS bool `json:"https"`
}

// AuthConfig holds the static credential lists the gateway accepts.
type AuthConfig struct {
	// APIKeys are the host daemon credentials.
	APIKeys []identity.StaticKey `json:"apiKeys"`

	// Tokens are the client session credentials.
	Tokens []identity.StaticToken `json:"tokens"`
}

// Config is the top-level gateway configuration.
type Config struct {
	// ListenAddr is the HTTP listen address, e.g. ":8080".
	ListenAddr string `json:"listenAddr"`

	// AllowedOrigins are the browser origins permitted on REST and the
	// client socket. Empty means same-origin only.
	AllowedOrigins []string `json:"allowedOrigins"`

	// RPCTimeoutSeconds bounds every routed host RPC.
	RPCTimeoutSeconds int `json:"rpcTimeoutSeconds"`

	Auth      AuthConfig      `json:"auth"`
	Tailscale TailscaleConfig `json:"tailscale"`
}

// RPCTimeout returns the configured routed-RPC deadline.
func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutSeconds) * time.Second
}

// Parse reads the JSON config file named by SESSHUB_GATEWAY_CONFIG.
func Parse() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}
	return ParseFile(path)
}

// ParseFile reads a JSON config file and returns the parsed Config with
// defaults applied.
func ParseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{
		ListenAddr:        ":8080",
		RPCTimeoutSeconds: 30,
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.RPCTimeoutSeconds <= 0 {
		cfg.RPCTimeoutSeconds = 30
	}
	return cfg, nil
}
