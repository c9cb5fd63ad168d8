package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sesshub/sesshub/internal/hubproto"
)

// SyncDiscovered reconciles one backend's on-disk session listing with the
// remembered set. Sessions seen for the first time come back in added,
// previously known sessions whose metadata moved come back in updated, and
// ids that vanished from disk are dropped from the table and returned in
// removed. Re-running the same listing is a no-op.
func (s *Store) SyncDiscovered(ctx context.Context, backendID string, found []hubproto.DiscoveredSession) (added, updated []hubproto.DiscoveredSession, removed []string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("starting discovery sync: %w", err)
	}
	defer tx.Rollback()

	known := make(map[string]hubproto.DiscoveredSession)
	rows, err := tx.QueryContext(ctx, `
		SELECT session_id, label, cwd, updated_at FROM discovered_sessions
		WHERE backend_id = ?`, backendID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reading discovered sessions: %w", err)
	}
	for rows.Next() {
		var ds hubproto.DiscoveredSession
		if err := rows.Scan(&ds.SessionID, &ds.Label, &ds.Cwd, &ds.UpdatedAt); err != nil {
			rows.Close()
			return nil, nil, nil, fmt.Errorf("scanning discovered session: %w", err)
		}
		ds.BackendID = backendID
		known[ds.SessionID] = ds
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, nil, err
	}
	rows.Close()

	now := time.Now().UTC().Format(hubproto.TimeFormat)
	seen := make(map[string]bool, len(found))
	for _, ds := range found {
		ds.BackendID = backendID
		seen[ds.SessionID] = true

		prev, ok := known[ds.SessionID]
		switch {
		case !ok:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO discovered_sessions (backend_id, session_id, label, cwd, updated_at, first_seen_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				backendID, ds.SessionID, ds.Label, ds.Cwd, ds.UpdatedAt, now)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("inserting discovered session %q: %w", ds.SessionID, err)
			}
			added = append(added, ds)
		case prev.Label != ds.Label || prev.Cwd != ds.Cwd || prev.UpdatedAt != ds.UpdatedAt:
			_, err = tx.ExecContext(ctx, `
				UPDATE discovered_sessions SET label = ?, cwd = ?, updated_at = ?
				WHERE backend_id = ? AND session_id = ?`,
				ds.Label, ds.Cwd, ds.UpdatedAt, backendID, ds.SessionID)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("updating discovered session %q: %w", ds.SessionID, err)
			}
			updated = append(updated, ds)
		}
	}

	for id := range known {
		if seen[id] {
			continue
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM discovered_sessions WHERE backend_id = ? AND session_id = ?`,
			backendID, id)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("removing stale discovered session %q: %w", id, err)
		}
		removed = append(removed, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, nil, fmt.Errorf("committing discovery sync: %w", err)
	}
	return added, updated, removed, nil
}

// SaveDiscovered upserts one page of a backend's listing without touching
// sessions outside the page. Partial listings must not evict anything, so
// only full scans go through SyncDiscovered.
func (s *Store) SaveDiscovered(ctx context.Context, backendID string, found []hubproto.DiscoveredSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting discovery save: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(hubproto.TimeFormat)
	for _, ds := range found {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO discovered_sessions (backend_id, session_id, label, cwd, updated_at, first_seen_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (backend_id, session_id)
			DO UPDATE SET label = excluded.label, cwd = excluded.cwd, updated_at = excluded.updated_at`,
			backendID, ds.SessionID, ds.Label, ds.Cwd, ds.UpdatedAt, now)
		if err != nil {
			return fmt.Errorf("saving discovered session %q: %w", ds.SessionID, err)
		}
	}
	return tx.Commit()
}

// Discovered returns the remembered listing for one backend, newest first.
func (s *Store) Discovered(ctx context.Context, backendID string) ([]hubproto.DiscoveredSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, label, cwd, updated_at FROM discovered_sessions
		WHERE backend_id = ? ORDER BY updated_at DESC, session_id`, backendID)
	if err != nil {
		return nil, fmt.Errorf("listing discovered sessions: %w", err)
	}
	defer rows.Close()

	var out []hubproto.DiscoveredSession
	for rows.Next() {
		var ds hubproto.DiscoveredSession
		if err := rows.Scan(&ds.SessionID, &ds.Label, &ds.Cwd, &ds.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning discovered session: %w", err)
		}
		ds.BackendID = backendID
		out = append(out, ds)
	}
	return out, rows.Err()
}

// LookupDiscovered finds which backend remembers sessionID. Loading a
// historical session resolves its backend through here when the caller does
// not name one.
func (s *Store) LookupDiscovered(ctx context.Context, sessionID string) (hubproto.DiscoveredSession, error) {
	var ds hubproto.DiscoveredSession
	err := s.db.QueryRowContext(ctx, `
		SELECT backend_id, session_id, label, cwd, updated_at FROM discovered_sessions
		WHERE session_id = ? LIMIT 1`, sessionID).
		Scan(&ds.BackendID, &ds.SessionID, &ds.Label, &ds.Cwd, &ds.UpdatedAt)
	if err == sql.ErrNoRows {
		return hubproto.DiscoveredSession{}, ErrNotFound
	}
	if err != nil {
		return hubproto.DiscoveredSession{}, fmt.Errorf("looking up discovered session %q: %w", sessionID, err)
	}
	return ds, nil
}
