// Package home manages the daemon's state directory: the pid file that
// guards single-instance startup, the stored gateway credentials, and the
// cached machine identity.
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Home addresses the daemon state directory and its well-known files.
type Home struct {
	dir string
}

func New(dir string) *Home {
	return &Home{dir: dir}
}

// Dir returns the root of the state directory.
func (h *Home) Dir() string { return h.dir }

// Ensure creates the directory tree the daemon expects.
func (h *Home) Ensure() error {
	for _, dir := range []string{h.dir, h.LogsDir(), h.cacheDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

func (h *Home) PIDPath() string         { return filepath.Join(h.dir, "daemon.pid") }
func (h *Home) LogsDir() string         { return filepath.Join(h.dir, "logs") }
func (h *Home) LogFile() string         { return filepath.Join(h.LogsDir(), "daemon.log") }
func (h *Home) EventsDBPath() string    { return filepath.Join(h.dir, "events.db") }
func (h *Home) CredentialsPath() string { return filepath.Join(h.dir, "credentials.json") }
func (h *Home) ConfigPath() string      { return filepath.Join(h.dir, ".config.json") }

func (h *Home) cacheDir() string           { return filepath.Join(h.dir, "cache") }
func (h *Home) registryCachePath() string  { return filepath.Join(h.cacheDir(), "registry.json") }
