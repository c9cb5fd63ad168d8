package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sesshub/sesshub/internal/hubproto"
)

// Append writes one event at the session's current revision and the next
// free seq. It returns the stored event, stamped with this host's id.
func (s *Store) Append(ctx context.Context, sessionID string, kind hubproto.EventKind, payload json.RawMessage) (hubproto.SessionEvent, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return hubproto.SessionEvent{}, fmt.Errorf("starting append: %w", err)
	}
	defer tx.Rollback()

	var revision int64
	err = tx.QueryRowContext(ctx,
		`SELECT revision FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return hubproto.SessionEvent{}, fmt.Errorf("appending to %q: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return hubproto.SessionEvent{}, fmt.Errorf("reading revision for %q: %w", sessionID, err)
	}

	var lastSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ? AND revision = ?`,
		sessionID, revision,
	).Scan(&lastSeq)
	if err != nil {
		return hubproto.SessionEvent{}, fmt.Errorf("reading last seq for %q: %w", sessionID, err)
	}

	now := time.Now().UTC().Format(hubproto.TimeFormat)
	event := hubproto.SessionEvent{
		SessionID: sessionID,
		HostID:    s.hostID,
		Revision:  revision,
		Seq:       lastSeq + 1,
		Kind:      kind,
		CreatedAt: now,
		Payload:   payload,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (session_id, revision, seq, kind, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.SessionID, event.Revision, event.Seq, string(event.Kind),
		event.CreatedAt, string(payload),
	)
	if err != nil {
		return hubproto.SessionEvent{}, fmt.Errorf("inserting event for %q: %w", sessionID, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE session_id = ?`, now, sessionID)
	if err != nil {
		return hubproto.SessionEvent{}, fmt.Errorf("touching session %q: %w", sessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return hubproto.SessionEvent{}, fmt.Errorf("committing append: %w", err)
	}
	return event, nil
}

const eventColumns = `session_id, revision, seq, kind, created_at, payload`

// Events pages through one revision's history in seq order. hasMore is
// true when events beyond the returned page exist.
func (s *Store) Events(ctx context.Context, sessionID string, revision, afterSeq int64, limit int) ([]hubproto.SessionEvent, bool, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE session_id = ? AND revision = ? AND seq > ?
		ORDER BY seq LIMIT ?`,
		sessionID, revision, afterSeq, limit+1,
	)
	if err != nil {
		return nil, false, fmt.Errorf("listing events for %q: %w", sessionID, err)
	}
	defer rows.Close()

	events, err := s.scanEvents(rows)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	return events, hasMore, nil
}

// HasEvents reports whether any history exists for the session, across all
// revisions. Loading on top of history bumps the revision first.
func (s *Store) HasEvents(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM events WHERE session_id = ?)`, sessionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking history for %q: %w", sessionID, err)
	}
	return n != 0, nil
}

// Pending returns every unacknowledged event for one session in
// (revision, seq) order.
func (s *Store) Pending(ctx context.Context, sessionID string) ([]hubproto.SessionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE session_id = ? AND acked = 0
		ORDER BY revision, seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing pending events for %q: %w", sessionID, err)
	}
	defer rows.Close()
	return s.scanEvents(rows)
}

// AllPending returns unacknowledged events for every session, each list in
// (revision, seq) order. Used to replay after an uplink reconnect.
func (s *Store) AllPending(ctx context.Context) (map[string][]hubproto.SessionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE acked = 0
		ORDER BY session_id, revision, seq`)
	if err != nil {
		return nil, fmt.Errorf("listing pending events: %w", err)
	}
	defer rows.Close()

	events, err := s.scanEvents(rows)
	if err != nil {
		return nil, err
	}
	pending := make(map[string][]hubproto.SessionEvent)
	for _, ev := range events {
		pending[ev.SessionID] = append(pending[ev.SessionID], ev)
	}
	return pending, nil
}

// Ack marks events up to and including upToSeq in one revision as
// delivered. Repeating an ack is harmless.
func (s *Store) Ack(ctx context.Context, sessionID string, revision, upToSeq int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET acked = 1
		WHERE session_id = ? AND revision = ? AND seq <= ?`,
		sessionID, revision, upToSeq)
	if err != nil {
		return fmt.Errorf("acking events for %q: %w", sessionID, err)
	}
	return nil
}

// Compact deletes acknowledged events of archived sessions older than the
// retention window, then drops archived sessions left with no history.
// Returns the number of events removed.
func (s *Store) Compact(ctx context.Context, retainDays int) (int64, error) {
	if retainDays <= 0 {
		retainDays = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retainDays).Format(hubproto.TimeFormat)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events
		WHERE acked = 1 AND created_at < ?
		  AND session_id IN (SELECT session_id FROM sessions WHERE archived = 1)`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("compacting events: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking compacted rows: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE archived = 1
		  AND NOT EXISTS (SELECT 1 FROM events WHERE events.session_id = sessions.session_id)`)
	if err != nil {
		return removed, fmt.Errorf("dropping empty archived sessions: %w", err)
	}

	if removed > 0 {
		s.log.Info("compacted event log", "removed_events", removed)
	}
	return removed, nil
}

func (s *Store) scanEvents(rows *sql.Rows) ([]hubproto.SessionEvent, error) {
	var events []hubproto.SessionEvent
	for rows.Next() {
		var (
			ev      hubproto.SessionEvent
			kind    string
			payload string
		)
		if err := rows.Scan(&ev.SessionID, &ev.Revision, &ev.Seq, &kind, &ev.CreatedAt, &payload); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.HostID = s.hostID
		ev.Kind = hubproto.EventKind(kind)
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}
