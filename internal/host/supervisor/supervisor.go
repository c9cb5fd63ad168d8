// Package supervisor owns the host's attached sessions: it adopts agent
// links, maps their notifications onto the event log, brokers permission
// requests, and fans lifecycle changes out to the uplink.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"

	"github.com/sesshub/sesshub/internal/host/agent"
	"github.com/sesshub/sesshub/internal/host/eventlog"
	"github.com/sesshub/sesshub/internal/host/fsbrowse"
	"github.com/sesshub/sesshub/internal/host/gitinfo"
	"github.com/sesshub/sesshub/internal/hubproto"
)

// Options identifies this host to the sessions it runs.
type Options struct {
	HostID         string
	WorktreeBase   string
	DefaultBackend string
}

// Supervisor serialises operations per session while letting sessions run
// fully in parallel. One instance lives for the whole daemon.
type Supervisor struct {
	log      *slog.Logger
	store    *eventlog.Store
	pool     *agent.Pool
	backends map[string]*agent.Backend
	opts     Options

	mu       sync.Mutex
	sessions map[string]*liveSession
	userID   string
	closed   bool

	events             stream[hubproto.SessionEvent]
	sessionsChanged    stream[hubproto.SessionsChangedPayload]
	attached           stream[hubproto.AttachedPayload]
	detached           stream[hubproto.DetachedPayload]
	permissionRequests stream[hubproto.PermissionRequestPayload]
	permissionResults  stream[hubproto.PermissionResultPayload]
}

func New(log *slog.Logger, store *eventlog.Store, pool *agent.Pool, backends []*agent.Backend, opts Options) *Supervisor {
	byID := make(map[string]*agent.Backend, len(backends))
	for _, b := range backends {
		byID[b.ID] = b
	}
	return &Supervisor{
		log:      log.With("component", "supervisor"),
		store:    store,
		pool:     pool,
		backends: byID,
		opts:     opts,
		sessions: make(map[string]*liveSession),
	}
}

// SetUser records the account the gateway bound this host to at
// registration. New session rows are pinned to it, so a later login under a
// different account cannot quietly take over sessions already on disk.
func (s *Supervisor) SetUser(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

func (s *Supervisor) user() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// --- outward streams ---

func (s *Supervisor) Events() chan hubproto.SessionEvent { return s.events.Subscribe() }

func (s *Supervisor) SessionsChanged() chan hubproto.SessionsChangedPayload {
	return s.sessionsChanged.Subscribe()
}

func (s *Supervisor) Attached() chan hubproto.AttachedPayload { return s.attached.Subscribe() }

func (s *Supervisor) Detached() chan hubproto.DetachedPayload { return s.detached.Subscribe() }

func (s *Supervisor) PermissionRequests() chan hubproto.PermissionRequestPayload {
	return s.permissionRequests.Subscribe()
}

func (s *Supervisor) PermissionResults() chan hubproto.PermissionResultPayload {
	return s.permissionResults.Subscribe()
}

func (s *Supervisor) publishUpdated(sum hubproto.SessionSummary) {
	s.sessionsChanged.publish(hubproto.SessionsChangedPayload{Updated: []hubproto.SessionSummary{sum}})
}

func (s *Supervisor) publishAttached(sessionID string) {
	s.attached.publish(hubproto.AttachedPayload{
		SessionID:  sessionID,
		HostID:     s.opts.HostID,
		AttachedAt: hubproto.Now(),
	})
}

// --- lookups ---

func (s *Supervisor) live(sessionID string) (*liveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.sessions[sessionID]
	if !ok {
		return nil, hubproto.SessionNotFoundError(sessionID)
	}
	return ls, nil
}

func (s *Supervisor) backend(id string) (*agent.Backend, error) {
	if id == "" {
		id = s.opts.DefaultBackend
	}
	if id == "" {
		return nil, hubproto.ValidationError("backendId is required and no default backend is configured")
	}
	b, ok := s.backends[id]
	if !ok {
		return nil, hubproto.ValidationError("unknown backend %q", id)
	}
	return b, nil
}

// adopt puts a fully constructed session into the map. Fails once Shutdown
// has begun so no session outlives the daemon.
func (s *Supervisor) adopt(ls *liveSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return hubproto.InternalError("host is shutting down")
	}
	if _, ok := s.sessions[ls.id]; ok {
		return hubproto.ValidationError("session %q is already attached", ls.id)
	}
	s.sessions[ls.id] = ls
	return nil
}

// tearDown forcibly removes a session after a fatal fault, such as the
// event log refusing appends. Best effort by nature: the log may already be
// gone, so only the streams are guaranteed to hear about it.
func (s *Supervisor) tearDown(ls *liveSession) {
	s.mu.Lock()
	_, present := s.sessions[ls.id]
	delete(s.sessions, ls.id)
	s.mu.Unlock()
	ls.shutdown(false)
	if !present {
		return
	}
	s.detached.publish(hubproto.DetachedPayload{
		SessionID:  ls.id,
		HostID:     s.opts.HostID,
		DetachedAt: hubproto.Now(),
		Reason:     hubproto.DetachReasonClosed,
	})
	s.sessionsChanged.publish(hubproto.SessionsChangedPayload{Removed: []string{ls.id}})
}

// ensureErr maps the store's owner sentinel onto the wire taxonomy.
func ensureErr(err error) error {
	if errors.Is(err, eventlog.ErrOwnerMismatch) {
		return hubproto.AuthorizationError("session belongs to another user")
	}
	return err
}

// --- session lifecycle ---

// Create spawns a fresh agent session in the requested working directory.
// The session id is the agent's own, so a later load addresses the same
// conversation the CLI stored.
func (s *Supervisor) Create(ctx context.Context, params hubproto.CreateSessionParams) (hubproto.SessionSummary, error) {
	if params.Cwd == "" || !filepath.IsAbs(params.Cwd) {
		return hubproto.SessionSummary{}, hubproto.ValidationError("cwd must be an absolute path")
	}
	b, err := s.backend(params.BackendID)
	if err != nil {
		return hubproto.SessionSummary{}, err
	}
	mcpServers, err := decodeMcpServers(params.McpServers)
	if err != nil {
		return hubproto.SessionSummary{}, err
	}

	link, err := s.pool.Acquire(ctx, b)
	if err != nil {
		return hubproto.SessionSummary{}, err
	}
	details, err := link.NewSession(ctx, params.Cwd, params.Meta, mcpServers)
	if err != nil {
		link.Stop()
		return hubproto.SessionSummary{}, err
	}

	now := time.Now().UTC()
	row := eventlog.Session{
		SessionID:       details.AgentSessionID,
		BackendID:       b.ID,
		UserID:          s.user(),
		Title:           params.Title,
		Cwd:             params.Cwd,
		CreatedAt:       now,
		UpdatedAt:       now,
		ModeID:          details.CurrentMode,
		ModelID:         details.CurrentModel,
		AvailableModes:  details.Modes,
		AvailableModels: details.Models,
		Meta:            params.Meta,
		WrappedDEK:      params.WrappedDEK,
	}
	if row.Title == "" {
		row.Title = filepath.Base(params.Cwd)
	}
	row, err = s.store.EnsureSession(ctx, row)
	if err != nil {
		link.Stop()
		return hubproto.SessionSummary{}, ensureErr(err)
	}

	ls := s.newLiveSession(row, link, true)
	if err := s.adopt(ls); err != nil {
		ls.shutdown(false)
		return hubproto.SessionSummary{}, err
	}
	ls.watchLink()
	ls.goLive(ctx)

	sum := ls.summary()
	s.publishAttached(ls.id)
	s.sessionsChanged.publish(hubproto.SessionsChangedPayload{Added: []hubproto.SessionSummary{sum}})
	s.log.Info("session created", "session_id", ls.id, "backend", b.ID, "cwd", params.Cwd)
	return sum, nil
}

// Load attaches a session the agent already has on disk. Loading a session
// that is live again is a forced attach, not a second subprocess.
func (s *Supervisor) Load(ctx context.Context, params hubproto.LoadSessionParams) (hubproto.SessionSummary, error) {
	if params.SessionID == "" {
		return hubproto.SessionSummary{}, hubproto.ValidationError("sessionId is required")
	}
	if ls, err := s.live(params.SessionID); err == nil {
		sum := ls.summary()
		s.publishAttached(params.SessionID)
		return sum, nil
	}

	row, isNew, err := s.resolveLoadRow(ctx, params)
	if err != nil {
		return hubproto.SessionSummary{}, err
	}
	b, err := s.backend(row.BackendID)
	if err != nil {
		return hubproto.SessionSummary{}, err
	}

	link, err := s.pool.Acquire(ctx, b)
	if err != nil {
		return hubproto.SessionSummary{}, err
	}
	if !link.LoadSupported() {
		link.Stop()
		return hubproto.SessionSummary{}, hubproto.CapabilityNotSupported("session load")
	}

	// Known rows come back revived: title and cwd refreshed, archived flag
	// cleared, stored revision intact. The requester must match the stored
	// owner.
	row.UserID = s.user()
	row, err = s.store.EnsureSession(ctx, row)
	if err != nil {
		link.Stop()
		return hubproto.SessionSummary{}, ensureErr(err)
	}

	// Replaying on top of recorded history starts a new revision so clients
	// can tell replayed content from the original run.
	hasHistory, err := s.store.HasEvents(ctx, row.SessionID)
	if err != nil {
		link.Stop()
		return hubproto.SessionSummary{}, err
	}
	if hasHistory {
		rev, err := s.store.BumpRevision(ctx, row.SessionID)
		if err != nil {
			link.Stop()
			return hubproto.SessionSummary{}, err
		}
		row.Revision = rev
	}

	ls := s.newLiveSession(row, link, true)
	if err := link.LoadSession(ctx, row.SessionID, row.Cwd, nil); err != nil {
		ls.shutdown(false)
		if isNew {
			if derr := s.store.DeleteSession(ctx, row.SessionID); derr != nil {
				s.log.Warn("removing half-loaded session record", "session_id", row.SessionID, "error", derr)
			}
		}
		return hubproto.SessionSummary{}, err
	}
	if err := s.adopt(ls); err != nil {
		ls.shutdown(false)
		return hubproto.SessionSummary{}, err
	}
	ls.watchLink()
	ls.goLive(ctx)

	sum := ls.summary()
	s.publishAttached(row.SessionID)
	delta := hubproto.SessionsChangedPayload{Updated: []hubproto.SessionSummary{sum}}
	if isNew {
		delta = hubproto.SessionsChangedPayload{Added: []hubproto.SessionSummary{sum}}
	}
	s.sessionsChanged.publish(delta)
	s.log.Info("session loaded", "session_id", row.SessionID, "backend", b.ID, "revision", row.Revision)
	return sum, nil
}

// resolveLoadRow finds or builds the record for a load. Unknown sessions
// fall back to the discovery cache, then to what the caller provided.
func (s *Supervisor) resolveLoadRow(ctx context.Context, params hubproto.LoadSessionParams) (eventlog.Session, bool, error) {
	row, err := s.store.GetSession(ctx, params.SessionID)
	if err == nil {
		return row, false, nil
	}
	if !errors.Is(err, eventlog.ErrNotFound) {
		return eventlog.Session{}, false, err
	}

	now := time.Now().UTC()
	row = eventlog.Session{
		SessionID: params.SessionID,
		BackendID: params.BackendID,
		Title:     params.Title,
		Cwd:       params.Cwd,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if row.BackendID == "" || row.Cwd == "" || row.Title == "" {
		if d, derr := s.store.LookupDiscovered(ctx, params.SessionID); derr == nil {
			if row.BackendID == "" {
				row.BackendID = d.BackendID
			}
			if row.Cwd == "" {
				row.Cwd = d.Cwd
			}
			if row.Title == "" {
				row.Title = d.Label
			}
		}
	}
	if row.Cwd == "" {
		return eventlog.Session{}, false, hubproto.ValidationError("cwd is required to load a session this host has never seen")
	}
	if row.Title == "" {
		row.Title = filepath.Base(row.Cwd)
	}
	return row, true, nil
}

// Reload re-issues session/load on an already-attached session. The
// revision always advances: the agent will replay the conversation and the
// copy must not interleave with the original.
func (s *Supervisor) Reload(ctx context.Context, sessionID string) (hubproto.SessionSummary, error) {
	ls, err := s.live(sessionID)
	if err != nil {
		return hubproto.SessionSummary{}, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.turnActive {
		return hubproto.SessionSummary{}, hubproto.ValidationError("cannot reload while a turn is active")
	}
	if !ls.link.LoadSupported() {
		return hubproto.SessionSummary{}, hubproto.CapabilityNotSupported("session load")
	}

	rev, err := s.store.BumpRevision(ctx, sessionID)
	if err != nil {
		return hubproto.SessionSummary{}, err
	}
	ls.rowMu.Lock()
	ls.row.Revision = rev
	ls.rowMu.Unlock()

	ls.bufMu.Lock()
	ls.buffering = true
	ls.bufMu.Unlock()

	err = ls.link.LoadSession(ctx, sessionID, ls.cwd(), nil)
	ls.goLive(ctx)
	if err != nil {
		return hubproto.SessionSummary{}, err
	}

	sum := ls.summary()
	s.publishUpdated(sum)
	s.log.Info("session reloaded", "session_id", sessionID, "revision", rev)
	return sum, nil
}

// SendMessage starts one prompt turn. The user's message is logged before
// dispatch so the log shows intent even when the turn dies early. Turns run
// in the background; completion surfaces as a turn_end event.
func (s *Supervisor) SendMessage(ctx context.Context, params hubproto.SendMessageParams) (hubproto.SendMessageResult, error) {
	ls, err := s.live(params.SessionID)
	if err != nil {
		return hubproto.SendMessageResult{}, err
	}
	if len(params.Prompt) == 0 {
		return hubproto.SendMessageResult{}, hubproto.ValidationError("prompt must not be empty")
	}
	blocks := make([]acp.ContentBlock, len(params.Prompt))
	for i, raw := range params.Prompt {
		if err := json.Unmarshal(raw, &blocks[i]); err != nil {
			return hubproto.SendMessageResult{}, hubproto.ValidationError("prompt block %d: %v", i, err)
		}
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.turnActive {
		return hubproto.SendMessageResult{}, hubproto.ValidationError("a prompt turn is already active")
	}
	if ls.link.State() != hubproto.AgentStateReady {
		return hubproto.SendMessageResult{}, hubproto.ValidationError("agent is not ready (state %s)", ls.link.State())
	}

	payload, err := json.Marshal(hubproto.UserMessagePayload{Content: params.Prompt})
	if err != nil {
		return hubproto.SendMessageResult{}, err
	}
	ev, err := ls.appendEvent(ctx, hubproto.EventUserMessage, payload)
	if err != nil {
		return hubproto.SendMessageResult{}, err
	}

	ls.turnActive = true
	go ls.runTurn(blocks)

	return hubproto.SendMessageResult{
		SessionID: params.SessionID,
		Revision:  ev.Revision,
		Seq:       ev.Seq,
	}, nil
}

func (ls *liveSession) runTurn(blocks []acp.ContentBlock) {
	stop, err := ls.link.Prompt(context.Background(), blocks)

	ls.mu.Lock()
	ls.turnActive = false
	ls.mu.Unlock()

	if ls.closed() {
		return
	}
	if err != nil {
		payload, merr := json.Marshal(hubproto.SessionErrorPayload{
			Code:    hubproto.CodeInternalError,
			Message: err.Error(),
		})
		if merr == nil {
			ls.appendEvent(context.Background(), hubproto.EventSessionError, payload)
		}
		return
	}
	payload, merr := json.Marshal(hubproto.TurnEndPayload{StopReason: string(stop)})
	if merr == nil {
		ls.appendEvent(context.Background(), hubproto.EventTurnEnd, payload)
	}
}

// Cancel aborts the in-flight turn. Parked permission requests resolve as
// cancelled first so the agent is never left waiting on an answer for a
// turn that is already dead.
func (s *Supervisor) Cancel(ctx context.Context, sessionID string) error {
	ls, err := s.live(sessionID)
	if err != nil {
		return err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for id, w := range ls.takeAllWaiters() {
		w.ch <- permDecision{cancelled: true}
		ls.recordPermissionResult(hubproto.PermissionResultPayload{
			SessionID: sessionID,
			RequestID: id,
			Outcome:   hubproto.PermissionOutcomeCancelled,
		})
	}
	return ls.link.Cancel(ctx)
}

// Close detaches the session and stops its agent. The record and its events
// stay in the log; only the live attachment goes away.
func (s *Supervisor) Close(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	ls, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return hubproto.SessionNotFoundError(sessionID)
	}
	ls.shutdown(true)
	s.detached.publish(hubproto.DetachedPayload{
		SessionID:  sessionID,
		HostID:     s.opts.HostID,
		DetachedAt: hubproto.Now(),
		Reason:     hubproto.DetachReasonClosed,
	})
	s.sessionsChanged.publish(hubproto.SessionsChangedPayload{Removed: []string{sessionID}})
	s.log.Info("session closed", "session_id", sessionID)
	return nil
}

// --- mode / model ---

func (s *Supervisor) SetMode(ctx context.Context, params hubproto.SetModeParams) (hubproto.SessionSummary, error) {
	ls, err := s.live(params.SessionID)
	if err != nil {
		return hubproto.SessionSummary{}, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.rowMu.Lock()
	modes := ls.row.AvailableModes
	ls.rowMu.Unlock()
	if len(modes) == 0 {
		return hubproto.SessionSummary{}, hubproto.CapabilityNotSupported("session modes")
	}
	if !hasModeID(modes, params.ModeID) {
		return hubproto.SessionSummary{}, hubproto.ValidationError("unknown mode %q", params.ModeID)
	}
	if err := ls.link.SetMode(ctx, params.ModeID); err != nil {
		return hubproto.SessionSummary{}, err
	}
	ls.persistMode(ctx, params.ModeID)
	ls.appendModeModelEvent(ctx)
	return ls.summary(), nil
}

func (s *Supervisor) SetModel(ctx context.Context, params hubproto.SetModelParams) (hubproto.SessionSummary, error) {
	ls, err := s.live(params.SessionID)
	if err != nil {
		return hubproto.SessionSummary{}, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.rowMu.Lock()
	models := ls.row.AvailableModels
	ls.rowMu.Unlock()
	if len(models) == 0 {
		return hubproto.SessionSummary{}, hubproto.CapabilityNotSupported("session models")
	}
	if !hasModelID(models, params.ModelID) {
		return hubproto.SessionSummary{}, hubproto.ValidationError("unknown model %q", params.ModelID)
	}
	if err := ls.link.SetModel(ctx, params.ModelID); err != nil {
		return hubproto.SessionSummary{}, err
	}

	ls.rowMu.Lock()
	changed := ls.row.ModelID != params.ModelID
	if changed {
		ls.row.ModelID = params.ModelID
		ls.row.UpdatedAt = time.Now().UTC()
	}
	row := ls.row
	ls.rowMu.Unlock()
	if changed {
		if err := s.store.UpdateSession(ctx, row); err != nil {
			ls.log.Error("persisting model change", "error", err)
		}
		s.publishUpdated(ls.summary())
	}
	ls.appendModeModelEvent(ctx)
	return ls.summary(), nil
}

func (ls *liveSession) appendModeModelEvent(ctx context.Context) {
	ls.rowMu.Lock()
	payload := hubproto.ModeModelUpdatePayload{
		ModeID:          ls.row.ModeID,
		ModelID:         ls.row.ModelID,
		AvailableModes:  ls.row.AvailableModes,
		AvailableModels: ls.row.AvailableModels,
	}
	ls.rowMu.Unlock()
	if b, err := json.Marshal(payload); err == nil {
		ls.appendEvent(ctx, hubproto.EventModeModelUpdate, b)
	}
}

// --- permissions ---

// ResolvePermission delivers a client's decision to the parked agent call.
// Exactly one decision wins; a decision for a request that is gone reports
// Delivered false rather than an error, since cancel races are routine.
func (s *Supervisor) ResolvePermission(ctx context.Context, params hubproto.PermissionDecisionParams) (hubproto.PermissionDecisionResult, error) {
	ls, err := s.live(params.SessionID)
	if err != nil {
		return hubproto.PermissionDecisionResult{}, err
	}
	if !params.Cancelled && params.OptionID == "" {
		return hubproto.PermissionDecisionResult{}, hubproto.ValidationError("optionId is required unless cancelling")
	}
	w := ls.takeWaiter(params.RequestID)
	if w == nil {
		return hubproto.PermissionDecisionResult{Delivered: false}, nil
	}
	w.ch <- permDecision{optionID: params.OptionID, cancelled: params.Cancelled}

	result := hubproto.PermissionResultPayload{
		SessionID: params.SessionID,
		RequestID: params.RequestID,
		Outcome:   hubproto.PermissionOutcomeSelected,
		OptionID:  params.OptionID,
	}
	if params.Cancelled {
		result.Outcome = hubproto.PermissionOutcomeCancelled
		result.OptionID = ""
	}
	ls.recordPermissionResult(result)
	return hubproto.PermissionDecisionResult{Delivered: true}, nil
}

// PendingPermissions snapshots every parked request across sessions, for
// re-emission after an uplink reconnect.
func (s *Supervisor) PendingPermissions() []hubproto.PermissionRequestPayload {
	s.mu.Lock()
	sessions := make([]*liveSession, 0, len(s.sessions))
	for _, ls := range s.sessions {
		sessions = append(sessions, ls)
	}
	s.mu.Unlock()
	var out []hubproto.PermissionRequestPayload
	for _, ls := range sessions {
		out = append(out, ls.pendingPermissions()...)
	}
	return out
}

// --- discovery ---

// Discover asks the backend's lister for stored sessions. A full first page
// with no continuation reconciles the cache, dropping sessions the CLI no
// longer knows; partial pages only upsert, because absence from one page
// proves nothing.
func (s *Supervisor) Discover(ctx context.Context, params hubproto.DiscoverParams) (hubproto.DiscoveredPayload, error) {
	b, err := s.backend(params.BackendID)
	if err != nil {
		return hubproto.DiscoveredPayload{}, err
	}
	if b.Lister == nil {
		return hubproto.DiscoveredPayload{}, hubproto.CapabilityNotSupported("session discovery")
	}
	found, next, err := b.Lister.List(ctx, params.Cursor, params.Limit)
	if err != nil {
		return hubproto.DiscoveredPayload{}, err
	}
	if params.Cursor == "" && next == "" {
		if _, _, _, err := s.store.SyncDiscovered(ctx, b.ID, found); err != nil {
			s.log.Warn("reconciling discovered sessions", "backend", b.ID, "error", err)
		}
	} else if err := s.store.SaveDiscovered(ctx, b.ID, found); err != nil {
		s.log.Warn("caching discovered sessions", "backend", b.ID, "error", err)
	}
	return hubproto.DiscoveredPayload{
		Sessions:     found,
		Capabilities: b.Capabilities(s.pool.LoadSessions(b.ID)),
		NextCursor:   next,
		BackendID:    b.ID,
		BackendLabel: b.Label,
	}, nil
}

// --- snapshots & replay ---

// Sessions lists the currently attached sessions. Closed sessions are not
// here; their history stays queryable through QueryEvents.
func (s *Supervisor) Sessions() []hubproto.SessionSummary {
	s.mu.Lock()
	sessions := make([]*liveSession, 0, len(s.sessions))
	for _, ls := range s.sessions {
		sessions = append(sessions, ls)
	}
	s.mu.Unlock()
	out := make([]hubproto.SessionSummary, 0, len(sessions))
	for _, ls := range sessions {
		out = append(out, ls.summary())
	}
	return out
}

// QueryEvents pages through the log for any session this host has seen,
// attached or not.
func (s *Supervisor) QueryEvents(ctx context.Context, params hubproto.SessionEventsParams) (hubproto.SessionEventsResult, error) {
	if _, err := s.store.GetSession(ctx, params.SessionID); err != nil {
		if errors.Is(err, eventlog.ErrNotFound) {
			return hubproto.SessionEventsResult{}, hubproto.SessionNotFoundError(params.SessionID)
		}
		return hubproto.SessionEventsResult{}, err
	}
	events, hasMore, err := s.store.Events(ctx, params.SessionID, params.Revision, params.AfterSeq, params.Limit)
	if err != nil {
		return hubproto.SessionEventsResult{}, err
	}
	return hubproto.SessionEventsResult{Events: events, HasMore: hasMore}, nil
}

// Ack marks the delivered suffix. Advisory: failures are logged, never fatal.
func (s *Supervisor) Ack(ctx context.Context, ack hubproto.AckPayload) {
	if err := s.store.Ack(ctx, ack.SessionID, ack.Revision, ack.UpToSeq); err != nil {
		s.log.Warn("applying ack", "session_id", ack.SessionID, "error", err)
	}
}

// UnackedEvents returns every session's undelivered suffix for replay after
// a reconnect.
func (s *Supervisor) UnackedEvents(ctx context.Context) (map[string][]hubproto.SessionEvent, error) {
	return s.store.AllPending(ctx)
}

// Backends describes the configured agent CLIs for registration.
func (s *Supervisor) Backends() []hubproto.BackendInfo {
	out := make([]hubproto.BackendInfo, 0, len(s.backends))
	for _, b := range s.backends {
		out = append(out, b.Info(s.pool.LoadSessions(b.ID)))
	}
	return out
}

func (s *Supervisor) DefaultBackend() string { return s.opts.DefaultBackend }

// --- filesystem & git ---

func (s *Supervisor) sessionBrowser(ctx context.Context, sessionID string) (*fsbrowse.Browser, error) {
	if sessionID == "" {
		return nil, hubproto.ValidationError("sessionId is required")
	}
	if ls, err := s.live(sessionID); err == nil {
		return ls.browser, nil
	}
	row, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, eventlog.ErrNotFound) {
		return nil, hubproto.SessionNotFoundError(sessionID)
	}
	if err != nil {
		return nil, err
	}
	return fsbrowse.ForSession(row.Cwd, s.opts.WorktreeBase), nil
}

func (s *Supervisor) sessionDir(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", hubproto.ValidationError("sessionId is required")
	}
	if ls, err := s.live(sessionID); err == nil {
		return ls.cwd(), nil
	}
	row, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, eventlog.ErrNotFound) {
		return "", hubproto.SessionNotFoundError(sessionID)
	}
	if err != nil {
		return "", err
	}
	return row.Cwd, nil
}

func (s *Supervisor) FsRoots(ctx context.Context, sessionID string) (hubproto.FsRootsResult, error) {
	b, err := s.sessionBrowser(ctx, sessionID)
	if err != nil {
		return hubproto.FsRootsResult{}, err
	}
	return b.Roots(), nil
}

func (s *Supervisor) FsEntries(ctx context.Context, sessionID, path string) (hubproto.FsEntriesResult, error) {
	b, err := s.sessionBrowser(ctx, sessionID)
	if err != nil {
		return hubproto.FsEntriesResult{}, err
	}
	return b.Entries(path)
}

func (s *Supervisor) FsFile(ctx context.Context, params hubproto.FsFileParams) (hubproto.FsFileResult, error) {
	b, err := s.sessionBrowser(ctx, params.SessionID)
	if err != nil {
		return hubproto.FsFileResult{}, err
	}
	return b.File(params.Path, params.MaxBytes)
}

func (s *Supervisor) FsResources(ctx context.Context, sessionID string) (hubproto.FsResourcesResult, error) {
	b, err := s.sessionBrowser(ctx, sessionID)
	if err != nil {
		return hubproto.FsResourcesResult{}, err
	}
	return b.Resources(), nil
}

func (s *Supervisor) HostFsRoots() hubproto.FsRootsResult {
	return fsbrowse.ForHost(s.opts.WorktreeBase).Roots()
}

func (s *Supervisor) HostFsEntries(path string) (hubproto.FsEntriesResult, error) {
	return fsbrowse.ForHost(s.opts.WorktreeBase).Entries(path)
}

func (s *Supervisor) GitStatus(ctx context.Context, params hubproto.GitParams) (hubproto.GitStatusResult, error) {
	dir, err := s.sessionDir(ctx, params.SessionID)
	if err != nil {
		return hubproto.GitStatusResult{}, err
	}
	return gitinfo.Status(dir)
}

func (s *Supervisor) GitFileDiff(ctx context.Context, params hubproto.GitParams) (hubproto.GitFileDiffResult, error) {
	dir, err := s.sessionDir(ctx, params.SessionID)
	if err != nil {
		return hubproto.GitFileDiffResult{}, err
	}
	if params.Path == "" {
		return hubproto.GitFileDiffResult{}, hubproto.ValidationError("path is required")
	}
	return gitinfo.FileDiff(dir, params.Path)
}

func (s *Supervisor) GitBranches(ctx context.Context, params hubproto.GitParams) (hubproto.GitBranchesResult, error) {
	dir, err := s.sessionDir(ctx, params.SessionID)
	if err != nil {
		return hubproto.GitBranchesResult{}, err
	}
	return gitinfo.Branches(dir)
}

func (s *Supervisor) GitLog(ctx context.Context, params hubproto.GitParams) (hubproto.GitLogResult, error) {
	dir, err := s.sessionDir(ctx, params.SessionID)
	if err != nil {
		return hubproto.GitLogResult{}, err
	}
	return gitinfo.Log(dir, params.Limit)
}

// --- shutdown ---

// Shutdown detaches every session and stops the pool. Sessions detach with
// reason shutdown so clients can distinguish a daemon restart from a close.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*liveSession, 0, len(s.sessions))
	for _, ls := range s.sessions {
		sessions = append(sessions, ls)
	}
	s.sessions = make(map[string]*liveSession)
	s.mu.Unlock()

	for _, ls := range sessions {
		ls.shutdown(true)
		s.detached.publish(hubproto.DetachedPayload{
			SessionID:  ls.id,
			HostID:     s.opts.HostID,
			DetachedAt: hubproto.Now(),
			Reason:     hubproto.DetachReasonShutdown,
		})
	}
	s.pool.Shutdown()
	s.log.Info("supervisor stopped", "sessions", len(sessions))
}

// --- helpers ---

func decodeMcpServers(raw json.RawMessage) ([]acp.McpServer, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var servers []acp.McpServer
	if err := json.Unmarshal(raw, &servers); err != nil {
		return nil, hubproto.ValidationError("mcpServers: %v", err)
	}
	return servers, nil
}

func hasModeID(modes []hubproto.ModeInfo, id string) bool {
	for _, m := range modes {
		if m.ID == id {
			return true
		}
	}
	return false
}

func hasModelID(models []hubproto.ModelInfo, id string) bool {
	for _, m := range models {
		if m.ID == id {
			return true
		}
	}
	return false
}
