package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	t.Run("creates tables via migration", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "events.db")

		db, err := Open(context.Background(), dbPath)
		require.NoError(t, err)
		defer db.Close()

		for _, table := range []string{"sessions", "events", "discovered_sessions"} {
			var count int
			require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&count))
			assert.Equal(t, 0, count, "table %s", table)
		}
	})

	t.Run("enables WAL journal mode", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "events.db")

		db, err := Open(context.Background(), dbPath)
		require.NoError(t, err)
		defer db.Close()

		var mode string
		require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
		assert.Equal(t, "wal", mode)
	})

	t.Run("creates parent directories", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "events.db")

		db, err := Open(context.Background(), dbPath)
		require.NoError(t, err)
		defer db.Close()
	})

	t.Run("idempotent migrations", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "events.db")

		db1, err := Open(context.Background(), dbPath)
		require.NoError(t, err)
		db1.Close()

		// Opening again should not fail (migrations already applied).
		db2, err := Open(context.Background(), dbPath)
		require.NoError(t, err)
		db2.Close()
	})

	t.Run("deleting a session cascades to its events", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "events.db")

		db, err := Open(context.Background(), dbPath)
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Exec(`INSERT INTO sessions (session_id, backend_id, created_at, updated_at) VALUES ('s1', 'opencode', '2026-01-01T00:00:00.000Z', '2026-01-01T00:00:00.000Z')`)
		require.NoError(t, err)
		_, err = db.Exec(`INSERT INTO events (session_id, revision, seq, kind, created_at) VALUES ('s1', 0, 1, 'user_message', '2026-01-01T00:00:00.000Z')`)
		require.NoError(t, err)

		_, err = db.Exec(`DELETE FROM sessions WHERE session_id = 's1'`)
		require.NoError(t, err)

		var count int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&count))
		assert.Equal(t, 0, count)
	})
}
