// Package agent drives agent CLIs over the Agent Client Protocol. A Link
// owns one agent connection and walks it through
// idle → connecting → ready → (busy ↔ ready) → stopped; the Pool keeps one
// pre-spawned idle link per backend so session creation skips the process
// startup cost.
package agent

import (
	"log/slog"
	"sort"
	"strings"

	acp "github.com/coder/acp-go-sdk"
	"github.com/sesshub/sesshub/internal/host/config"
	"github.com/sesshub/sesshub/internal/hubproto"
)

// Backend describes one agent CLI the daemon can drive.
type Backend struct {
	ID      string
	Label   string
	Command string
	Args    []string
	Env     map[string]string

	// AdapterFactory, when set, runs the agent in-process over pipe pairs
	// instead of spawning Command. Used by tests and embedded agents.
	AdapterFactory func(log *slog.Logger) acp.Agent

	// Lister enumerates sessions the CLI already stored on disk. Nil when
	// the backend cannot be browsed offline.
	Lister Lister
}

// Capabilities reports what this backend supports. Load capability comes
// from the agent's initialize response, so callers pass it in once a link
// has been established; before that it is advertised optimistically from
// the preset.
func (b *Backend) Capabilities(loadSession bool) hubproto.Capabilities {
	return hubproto.Capabilities{
		List: b.Lister != nil,
		Load: loadSession,
	}
}

// Info is the registration shape for one backend.
func (b *Backend) Info(loadSession bool) hubproto.BackendInfo {
	return hubproto.BackendInfo{
		ID:           b.ID,
		Label:        b.Label,
		Capabilities: b.Capabilities(loadSession),
	}
}

// Preset backend ids.
const (
	BackendOpenCode   = "opencode"
	BackendGemini     = "gemini"
	BackendClaudeCode = "claude-code-acp"
	BackendCodex      = "codex-acp"
)

// Presets returns the built-in backends, keyed by id. Commands resolve via
// PATH; users point at custom installs through .config.json overrides.
func Presets() map[string]*Backend {
	return map[string]*Backend{
		BackendOpenCode: {
			ID:      BackendOpenCode,
			Label:   "OpenCode",
			Command: "opencode",
			Args:    []string{"acp"},
			Lister:  opencodeLister(),
		},
		BackendGemini: {
			ID:      BackendGemini,
			Label:   "Gemini CLI",
			Command: "gemini",
			Args:    []string{"--experimental-acp"},
		},
		BackendClaudeCode: {
			ID:      BackendClaudeCode,
			Label:   "Claude Code",
			Command: "claude-code-acp",
			Lister:  claudeLister(),
		},
		BackendCodex: {
			ID:      BackendCodex,
			Label:   "Codex",
			Command: "codex-acp",
			Lister:  codexLister(),
		},
	}
}

// Apply overlays config overrides onto the presets. Known ids are patched
// field by field, unknown ids define custom backends, and Enabled:false
// removes a preset.
func Apply(backends map[string]*Backend, overrides []config.BackendOverride) map[string]*Backend {
	for _, ov := range overrides {
		if ov.Enabled != nil && !*ov.Enabled {
			delete(backends, ov.ID)
			continue
		}

		b, ok := backends[ov.ID]
		if !ok {
			b = &Backend{ID: ov.ID, Label: ov.ID}
			backends[ov.ID] = b
		}
		if ov.Label != "" {
			b.Label = ov.Label
		}
		if ov.Command != "" {
			b.Command = ov.Command
		}
		if len(ov.Args) > 0 {
			b.Args = append([]string(nil), ov.Args...)
		}
		if len(ov.Env) > 0 {
			if b.Env == nil {
				b.Env = make(map[string]string, len(ov.Env))
			}
			for _, entry := range ov.Env {
				if k, v, ok := strings.Cut(entry, "="); ok {
					b.Env[k] = v
				}
			}
		}
	}
	return backends
}

// IDs returns the backend ids in stable order.
func IDs(backends map[string]*Backend) []string {
	ids := make([]string, 0, len(backends))
	for id := range backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
