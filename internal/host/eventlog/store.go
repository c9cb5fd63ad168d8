// Package eventlog persists sessions and their append-only event history
// in the daemon's SQLite database. Every event carries a (revision, seq)
// position: seq grows gap-free within a revision, and loading a session
// into a fresh agent starts a new revision.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sesshub/sesshub/internal/hubproto"
)

// ErrNotFound is returned for lookups of unknown session ids.
var ErrNotFound = errors.New("session not found")

// ErrOwnerMismatch is returned when an ensure targets a session id that a
// different user already owns. Never retryable.
var ErrOwnerMismatch = errors.New("session owned by another user")

// Session is the persisted shape of a session owned by this host.
type Session struct {
	SessionID       string
	BackendID       string
	UserID          string
	Title           string
	Cwd             string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Revision        int64
	ModeID          string
	ModelID         string
	AvailableModes  []hubproto.ModeInfo
	AvailableModels []hubproto.ModelInfo
	Meta            map[string]any
	WrappedDEK      []byte
	Archived        bool
}

// Store reads and writes the event log. Appends serialise on an internal
// mutex so seq assignment stays race-free even with concurrent sessions.
type Store struct {
	db     *sql.DB
	hostID string
	log    *slog.Logger

	appendMu sync.Mutex
}

func NewStore(db *sql.DB, hostID string, log *slog.Logger) *Store {
	return &Store{
		db:     db,
		hostID: hostID,
		log:    log.With("component", "eventlog"),
	}
}

const sessionColumns = `session_id, backend_id, user_id, title, cwd, created_at, updated_at,
	revision, mode_id, model_id, modes_json, models_json, meta_json, wrapped_dek, archived`

// EnsureSession inserts the session row, or revives an existing one when
// the same owner asks for a known id. The stored row wins: callers get back
// the persisted revision, mode, and metadata rather than their draft, with
// title and cwd refreshed and the archived flag cleared. A row held by a
// different user fails with ErrOwnerMismatch and stays untouched.
func (s *Store) EnsureSession(ctx context.Context, sess Session) (Session, error) {
	modes, models, meta, err := encodeSessionJSON(sess)
	if err != nil {
		return Session{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("starting ensure: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanSession(tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sess.SessionID))
	if errors.Is(err, sql.ErrNoRows) {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.SessionID, sess.BackendID, sess.UserID, sess.Title, sess.Cwd,
			sess.CreatedAt.UTC().Format(hubproto.TimeFormat),
			sess.UpdatedAt.UTC().Format(hubproto.TimeFormat),
			sess.Revision, sess.ModeID, sess.ModelID, modes, models, meta,
			sess.WrappedDEK, boolToInt(sess.Archived),
		)
		if err != nil {
			return Session{}, fmt.Errorf("inserting session %q: %w", sess.SessionID, err)
		}
		if err := tx.Commit(); err != nil {
			return Session{}, fmt.Errorf("committing ensure: %w", err)
		}
		return sess, nil
	}
	if err != nil {
		return Session{}, fmt.Errorf("ensuring session %q: %w", sess.SessionID, err)
	}

	// Rows written before the host learned its identity carry no owner and
	// are adopted by the first ensure that names one.
	if existing.UserID != "" && existing.UserID != sess.UserID {
		return Session{}, fmt.Errorf("session %q: %w", sess.SessionID, ErrOwnerMismatch)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET user_id = ?, title = ?, cwd = ?, updated_at = ?, archived = 0
		WHERE session_id = ?`,
		sess.UserID, sess.Title, sess.Cwd, now.Format(hubproto.TimeFormat), sess.SessionID)
	if err != nil {
		return Session{}, fmt.Errorf("refreshing session %q: %w", sess.SessionID, err)
	}
	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("committing ensure: %w", err)
	}

	existing.UserID = sess.UserID
	existing.Title = sess.Title
	existing.Cwd = sess.Cwd
	existing.UpdatedAt = now
	existing.Archived = false
	return existing, nil
}

// GetSession returns one session by id, archived or not.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("getting session %q: %w", sessionID, err)
	}
	return sess, nil
}

// ListSessions returns all non-archived sessions, most recently
// updated first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE archived = 0 ORDER BY updated_at DESC, session_id`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession rewrites the mutable columns of an existing session. The
// owning user, backend, creation time, and revision are immutable here;
// revisions only move through BumpRevision.
func (s *Store) UpdateSession(ctx context.Context, sess Session) error {
	modes, models, meta, err := encodeSessionJSON(sess)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET title = ?, cwd = ?, updated_at = ?, mode_id = ?, model_id = ?,
			modes_json = ?, models_json = ?, meta_json = ?, wrapped_dek = ?
		WHERE session_id = ?`,
		sess.Title, sess.Cwd, time.Now().UTC().Format(hubproto.TimeFormat),
		sess.ModeID, sess.ModelID, modes, models, meta, sess.WrappedDEK,
		sess.SessionID,
	)
	if err != nil {
		return fmt.Errorf("updating session %q: %w", sess.SessionID, err)
	}
	return errIfNoRows(res, sess.SessionID)
}

// BumpRevision increments the session's revision and returns the new
// value. Events appended afterwards start again at seq 1 under the new
// revision.
func (s *Store) BumpRevision(ctx context.Context, sessionID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting revision bump: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET revision = revision + 1, updated_at = ?
		WHERE session_id = ?`,
		time.Now().UTC().Format(hubproto.TimeFormat), sessionID)
	if err != nil {
		return 0, fmt.Errorf("bumping revision for %q: %w", sessionID, err)
	}
	if err := errIfNoRows(res, sessionID); err != nil {
		return 0, err
	}

	var revision int64
	if err := tx.QueryRowContext(ctx,
		`SELECT revision FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&revision); err != nil {
		return 0, fmt.Errorf("reading new revision for %q: %w", sessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing revision bump: %w", err)
	}
	return revision, nil
}

// ArchiveSession hides a closed session from listings while keeping its
// history for later compaction.
func (s *Store) ArchiveSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET archived = 1, updated_at = ? WHERE session_id = ?`,
		time.Now().UTC().Format(hubproto.TimeFormat), sessionID)
	if err != nil {
		return fmt.Errorf("archiving session %q: %w", sessionID, err)
	}
	return errIfNoRows(res, sessionID)
}

// DeleteSession removes a session and, via cascade, all of its events.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting session %q: %w", sessionID, err)
	}
	return errIfNoRows(res, sessionID)
}

// Summary converts a persisted session into its wire shape. Runtime-only
// fields (agent state, attachment) are the supervisor's to fill.
func (sess Session) Summary(hostID string) hubproto.SessionSummary {
	return hubproto.SessionSummary{
		SessionID:       sess.SessionID,
		HostID:          hostID,
		UserID:          sess.UserID,
		BackendID:       sess.BackendID,
		Title:           sess.Title,
		Cwd:             sess.Cwd,
		CreatedAt:       sess.CreatedAt.UTC().Format(hubproto.TimeFormat),
		UpdatedAt:       sess.UpdatedAt.UTC().Format(hubproto.TimeFormat),
		Revision:        sess.Revision,
		ModeID:          sess.ModeID,
		ModelID:         sess.ModelID,
		AvailableModes:  sess.AvailableModes,
		AvailableModels: sess.AvailableModels,
		Meta:            sess.Meta,
		WrappedDEK:      sess.WrappedDEK,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess                 Session
		createdAt, updatedAt string
		modes, models, meta  string
		archived             int
	)
	err := row.Scan(
		&sess.SessionID, &sess.BackendID, &sess.UserID, &sess.Title, &sess.Cwd,
		&createdAt, &updatedAt, &sess.Revision, &sess.ModeID, &sess.ModelID,
		&modes, &models, &meta, &sess.WrappedDEK, &archived,
	)
	if err != nil {
		return Session{}, err
	}
	sess.CreatedAt, _ = time.Parse(hubproto.TimeFormat, createdAt)
	sess.UpdatedAt, _ = time.Parse(hubproto.TimeFormat, updatedAt)
	sess.Archived = archived != 0
	if err := json.Unmarshal([]byte(modes), &sess.AvailableModes); err != nil {
		return Session{}, fmt.Errorf("decoding modes: %w", err)
	}
	if err := json.Unmarshal([]byte(models), &sess.AvailableModels); err != nil {
		return Session{}, fmt.Errorf("decoding models: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &sess.Meta); err != nil {
		return Session{}, fmt.Errorf("decoding meta: %w", err)
	}
	return sess, nil
}

func encodeSessionJSON(sess Session) (modes, models, meta string, err error) {
	modesB, err := json.Marshal(orEmptyModes(sess.AvailableModes))
	if err != nil {
		return "", "", "", fmt.Errorf("encoding modes: %w", err)
	}
	modelsB, err := json.Marshal(orEmptyModels(sess.AvailableModels))
	if err != nil {
		return "", "", "", fmt.Errorf("encoding models: %w", err)
	}
	metaM := sess.Meta
	if metaM == nil {
		metaM = map[string]any{}
	}
	metaB, err := json.Marshal(metaM)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding meta: %w", err)
	}
	return string(modesB), string(modelsB), string(metaB), nil
}

func orEmptyModes(m []hubproto.ModeInfo) []hubproto.ModeInfo {
	if m == nil {
		return []hubproto.ModeInfo{}
	}
	return m
}

func orEmptyModels(m []hubproto.ModelInfo) []hubproto.ModelInfo {
	if m == nil {
		return []hubproto.ModelInfo{}
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func errIfNoRows(res sql.Result, sessionID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	return nil
}
