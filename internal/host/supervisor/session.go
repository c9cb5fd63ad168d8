package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"

	"github.com/sesshub/sesshub/internal/host/agent"
	"github.com/sesshub/sesshub/internal/host/eventlog"
	"github.com/sesshub/sesshub/internal/host/fsbrowse"
	"github.com/sesshub/sesshub/internal/host/terminalrun"
	"github.com/sesshub/sesshub/internal/hubproto"
)

// liveSession is one attached session: an agent link plus everything the
// agent may call back into (permissions, fs, terminals). It is the
// acp.Client bound to the link, so notifications arrive here directly.
type liveSession struct {
	sup     *Supervisor
	id      string
	link    *agent.Link
	terms   *terminalrun.Set
	browser *fsbrowse.Browser
	log     *slog.Logger

	// mu serialises lifecycle operations on this session. It is never held
	// across a prompt turn; turns run in their own goroutine.
	mu         sync.Mutex
	turnActive bool

	// rowMu guards the cached session record. The notification path touches
	// only this lock, so updates flow while an operation holds mu.
	rowMu sync.Mutex
	row   eventlog.Session

	// bufMu orders notifications that arrive while a load replay is still
	// being attached. goLive flushes under the lock, so concurrent updates
	// wait and land after the buffered ones.
	bufMu     sync.Mutex
	buffering bool
	buffer    []acp.SessionNotification

	permMu sync.Mutex
	perms  map[string]*permWaiter

	done      chan struct{}
	closeOnce sync.Once
	exitOnce  sync.Once
}

type permWaiter struct {
	payload hubproto.PermissionRequestPayload
	ch      chan permDecision
}

type permDecision struct {
	optionID  string
	cancelled bool
}

func (s *Supervisor) newLiveSession(row eventlog.Session, link *agent.Link, buffering bool) *liveSession {
	ls := &liveSession{
		sup:       s,
		id:        row.SessionID,
		link:      link,
		browser:   fsbrowse.ForSession(row.Cwd, s.opts.WorktreeBase),
		log:       s.log.With("session_id", row.SessionID),
		row:       row,
		buffering: buffering,
		perms:     make(map[string]*permWaiter),
		done:      make(chan struct{}),
	}
	ls.terms = terminalrun.NewSet(ls.log, ls.onTerminalOutput)
	link.BindClient(ls)
	return ls
}

// watchLink starts observing agent state. Deferred until the session is in
// the map so an early crash surfaces as an operation error, not a detach
// for a session nobody has heard of.
func (ls *liveSession) watchLink() {
	ls.link.SetOnState(ls.onAgentState)
	if ls.link.State() == hubproto.AgentStateStopped {
		ls.agentExited()
	}
}

func (ls *liveSession) closed() bool {
	select {
	case <-ls.done:
		return true
	default:
		return false
	}
}

// shutdown releases everything the session holds. Safe to call more than
// once; only the first call does work. recordResults controls whether the
// cancelled permissions are written to the log, which is pointless when the
// log itself is the reason for shutting down.
func (ls *liveSession) shutdown(recordResults bool) {
	ls.closeOnce.Do(func() {
		close(ls.done)
		for id, w := range ls.takeAllWaiters() {
			w.ch <- permDecision{cancelled: true}
			if recordResults {
				ls.recordPermissionResult(hubproto.PermissionResultPayload{
					SessionID: ls.id,
					RequestID: id,
					Outcome:   hubproto.PermissionOutcomeCancelled,
				})
			}
		}
		ls.terms.Shutdown()
		ls.link.Stop()
	})
}

// onAgentState feeds link state transitions into the sessions-changed
// stream. A stop the session did not initiate means the agent died.
func (ls *liveSession) onAgentState(state hubproto.AgentState) {
	if state == hubproto.AgentStateStopped {
		ls.agentExited()
		return
	}
	ls.sup.publishUpdated(ls.summary())
}

// agentExited handles the subprocess dying out from under the session. The
// session stays in the map so clients can inspect the error and close it
// explicitly.
func (ls *liveSession) agentExited() {
	ls.exitOnce.Do(func() {
		if ls.closed() {
			return
		}
		ls.log.Warn("agent exited while session attached")
		payload, _ := json.Marshal(hubproto.SessionErrorPayload{
			Code:    hubproto.CodeInternalError,
			Message: "agent process exited unexpectedly",
		})
		ls.appendEvent(context.Background(), hubproto.EventSessionError, payload)
		for id, w := range ls.takeAllWaiters() {
			w.ch <- permDecision{cancelled: true}
			ls.recordPermissionResult(hubproto.PermissionResultPayload{
				SessionID: ls.id,
				RequestID: id,
				Outcome:   hubproto.PermissionOutcomeCancelled,
			})
		}
		ls.sup.detached.publish(hubproto.DetachedPayload{
			SessionID:  ls.id,
			HostID:     ls.sup.opts.HostID,
			DetachedAt: hubproto.Now(),
			Reason:     hubproto.DetachReasonAgentExit,
		})
		ls.sup.publishUpdated(ls.summary())
	})
}

// goLive replays the notifications buffered during attach, in arrival
// order, then lets new ones through directly. Held bufMu blocks concurrent
// SessionUpdate calls until the flush is complete.
func (ls *liveSession) goLive(ctx context.Context) {
	ls.bufMu.Lock()
	defer ls.bufMu.Unlock()
	for _, n := range ls.buffer {
		ls.recordUpdate(ctx, n)
	}
	ls.buffer = nil
	ls.buffering = false
}

func (ls *liveSession) summary() hubproto.SessionSummary {
	ls.rowMu.Lock()
	row := ls.row
	ls.rowMu.Unlock()
	sum := row.Summary(ls.sup.opts.HostID)
	sum.AgentState = ls.link.State()
	sum.IsAttached = true
	return sum
}

func (ls *liveSession) cwd() string {
	ls.rowMu.Lock()
	defer ls.rowMu.Unlock()
	return ls.row.Cwd
}

// appendEvent writes one record and publishes it to live subscribers. A
// write failure is fatal for the session: without the log there is no
// at-least-once delivery to uphold.
func (ls *liveSession) appendEvent(ctx context.Context, kind hubproto.EventKind, payload json.RawMessage) (hubproto.SessionEvent, error) {
	ev, err := ls.sup.store.Append(ctx, ls.id, kind, payload)
	if err != nil {
		ls.log.Error("event append failed, tearing session down", "kind", kind, "error", err)
		ls.sup.tearDown(ls)
		return hubproto.SessionEvent{}, err
	}
	ls.sup.events.publish(ev)
	return ev, nil
}

// recordUpdate maps one agent notification onto the log. Mode changes and
// meta patches mutate the session record before the event lands so summary
// reads never trail the log.
func (ls *liveSession) recordUpdate(ctx context.Context, n acp.SessionNotification) {
	kind, payload := classifyUpdate(n.Update)

	if n.Update.CurrentModeUpdate != nil {
		ls.persistMode(ctx, string(n.Update.CurrentModeUpdate.CurrentModeId))
	}
	if patch, ok := extractMeta(payload); ok {
		if kind == hubproto.EventUnknownUpdate {
			kind = hubproto.EventSessionInfoUpdate
		}
		ls.applyMetaPatch(ctx, patch)
	}
	ls.appendEvent(ctx, kind, payload)
}

func (ls *liveSession) persistMode(ctx context.Context, modeID string) {
	ls.rowMu.Lock()
	changed := ls.row.ModeID != modeID
	if changed {
		ls.row.ModeID = modeID
		ls.row.UpdatedAt = time.Now().UTC()
	}
	row := ls.row
	ls.rowMu.Unlock()
	if !changed {
		return
	}
	if err := ls.sup.store.UpdateSession(ctx, row); err != nil {
		ls.log.Error("persisting mode change", "error", err)
	}
	ls.sup.publishUpdated(ls.summary())
}

func (ls *liveSession) applyMetaPatch(ctx context.Context, patch json.RawMessage) {
	ls.rowMu.Lock()
	merged, changed := MergeMeta(ls.row.Meta, patch)
	if changed {
		ls.row.Meta = merged
		ls.row.UpdatedAt = time.Now().UTC()
	}
	row := ls.row
	ls.rowMu.Unlock()
	if changed {
		if err := ls.sup.store.UpdateSession(ctx, row); err != nil {
			ls.log.Error("persisting meta merge", "error", err)
		}
		ls.sup.publishUpdated(ls.summary())
	}
	if usage, ok := usageFromMeta(patch); ok {
		if b, err := json.Marshal(usage); err == nil {
			ls.appendEvent(ctx, hubproto.EventUsage, b)
		}
	}
}

func (ls *liveSession) onTerminalOutput(terminalID, chunk string) {
	payload, err := json.Marshal(hubproto.TerminalOutputPayload{
		TerminalID: terminalID,
		Data:       chunk,
	})
	if err != nil {
		return
	}
	ls.appendEvent(context.Background(), hubproto.EventTerminalOutput, payload)
}

// --- permission plumbing ---

func (ls *liveSession) takeWaiter(requestID string) *permWaiter {
	ls.permMu.Lock()
	defer ls.permMu.Unlock()
	w, ok := ls.perms[requestID]
	if !ok {
		return nil
	}
	delete(ls.perms, requestID)
	return w
}

func (ls *liveSession) takeAllWaiters() map[string]*permWaiter {
	ls.permMu.Lock()
	defer ls.permMu.Unlock()
	taken := ls.perms
	ls.perms = make(map[string]*permWaiter)
	return taken
}

func (ls *liveSession) pendingPermissions() []hubproto.PermissionRequestPayload {
	ls.permMu.Lock()
	defer ls.permMu.Unlock()
	out := make([]hubproto.PermissionRequestPayload, 0, len(ls.perms))
	for _, w := range ls.perms {
		out = append(out, w.payload)
	}
	return out
}

// recordPermissionResult logs and broadcasts one resolution. It appends
// directly instead of through appendEvent: results are also written during
// shutdown, where a failed append must not recurse into another teardown.
func (ls *liveSession) recordPermissionResult(payload hubproto.PermissionResultPayload) {
	if b, err := json.Marshal(payload); err == nil {
		ev, err := ls.sup.store.Append(context.Background(), ls.id, hubproto.EventPermissionResult, b)
		if err != nil {
			ls.log.Error("recording permission result", "request_id", payload.RequestID, "error", err)
		} else {
			ls.sup.events.publish(ev)
		}
	}
	ls.sup.permissionResults.publish(payload)
}

// --- acp.Client ---

func (ls *liveSession) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	ls.bufMu.Lock()
	if ls.buffering {
		ls.buffer = append(ls.buffer, n)
		ls.bufMu.Unlock()
		return nil
	}
	ls.bufMu.Unlock()
	ls.recordUpdate(ctx, n)
	return nil
}

// RequestPermission parks the agent's call until a client decides or the
// turn is cancelled. The request is logged and broadcast before parking so
// a reconnecting gateway can replay it.
func (ls *liveSession) RequestPermission(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	requestID := uuid.NewString()
	payload := hubproto.PermissionRequestPayload{
		SessionID: ls.id,
		HostID:    ls.sup.opts.HostID,
		RequestID: requestID,
		ToolCall:  permissionToolCall(req),
		Options:   permissionOptions(req.Options),
		CreatedAt: hubproto.Now(),
	}
	w := &permWaiter{payload: payload, ch: make(chan permDecision, 1)}
	ls.permMu.Lock()
	ls.perms[requestID] = w
	ls.permMu.Unlock()

	raw, err := json.Marshal(payload)
	if err == nil {
		_, err = ls.appendEvent(ctx, hubproto.EventPermissionRequest, raw)
	}
	if err != nil {
		ls.takeWaiter(requestID)
		return acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeCancelled()}, nil
	}
	ls.sup.permissionRequests.publish(payload)

	select {
	case <-ctx.Done():
		// The agent abandoned the call, usually because the turn was
		// cancelled on its side. Whoever takes the waiter records the result.
		if ls.takeWaiter(requestID) != nil {
			ls.recordPermissionResult(hubproto.PermissionResultPayload{
				SessionID: ls.id,
				RequestID: requestID,
				Outcome:   hubproto.PermissionOutcomeCancelled,
			})
		}
		return acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeCancelled()}, nil
	case d := <-w.ch:
		if d.cancelled {
			return acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeCancelled()}, nil
		}
		return acp.RequestPermissionResponse{
			Outcome: acp.NewRequestPermissionOutcomeSelected(acp.PermissionOptionId(d.optionID)),
		}, nil
	}
}

func (ls *liveSession) ReadTextFile(ctx context.Context, req acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	line, limit := 0, 0
	if req.Line != nil {
		line = int(*req.Line)
	}
	if req.Limit != nil {
		limit = int(*req.Limit)
	}
	content, err := ls.browser.ReadText(req.Path, line, limit)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

func (ls *liveSession) WriteTextFile(ctx context.Context, req acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if err := ls.browser.WriteText(req.Path, req.Content); err != nil {
		return acp.WriteTextFileResponse{}, err
	}
	return acp.WriteTextFileResponse{}, nil
}

func (ls *liveSession) CreateTerminal(ctx context.Context, req acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	env := make(map[string]string, len(req.Env))
	for _, e := range req.Env {
		env[e.Name] = e.Value
	}
	limit := 0
	if req.OutputByteLimit != nil {
		limit = int(*req.OutputByteLimit)
	}
	id, err := ls.terms.Start(terminalrun.StartOpts{
		Command:     req.Command,
		Args:        req.Args,
		Cwd:         ls.cwd(),
		Env:         env,
		OutputLimit: limit,
	})
	if err != nil {
		return acp.CreateTerminalResponse{}, err
	}
	var resp acp.CreateTerminalResponse
	resp.TerminalId = id
	return resp, nil
}

func (ls *liveSession) TerminalOutput(ctx context.Context, req acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	output, truncated, exit, err := ls.terms.Output(string(req.TerminalId))
	if err != nil {
		return acp.TerminalOutputResponse{}, err
	}
	var resp acp.TerminalOutputResponse
	resp.Output = output
	resp.Truncated = truncated
	if exit != nil {
		resp.ExitStatus = &acp.TerminalExitStatus{ExitCode: exit.ExitCode, Signal: exit.Signal}
	}
	return resp, nil
}

func (ls *liveSession) WaitForTerminalExit(ctx context.Context, req acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	st, err := ls.terms.Wait(ctx, string(req.TerminalId))
	if err != nil {
		return acp.WaitForTerminalExitResponse{}, err
	}
	if st.ExitCode != nil {
		if b, merr := json.Marshal(hubproto.TerminalOutputPayload{
			TerminalID: string(req.TerminalId),
			ExitCode:   st.ExitCode,
		}); merr == nil {
			ls.appendEvent(ctx, hubproto.EventTerminalOutput, b)
		}
	}
	var resp acp.WaitForTerminalExitResponse
	resp.ExitCode = st.ExitCode
	resp.Signal = st.Signal
	return resp, nil
}

func (ls *liveSession) KillTerminalCommand(ctx context.Context, req acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	if err := ls.terms.Kill(string(req.TerminalId)); err != nil {
		return acp.KillTerminalCommandResponse{}, err
	}
	return acp.KillTerminalCommandResponse{}, nil
}

func (ls *liveSession) ReleaseTerminal(ctx context.Context, req acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	if err := ls.terms.Release(string(req.TerminalId)); err != nil {
		return acp.ReleaseTerminalResponse{}, err
	}
	return acp.ReleaseTerminalResponse{}, nil
}
