package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sesshub/sesshub/internal/database"
	"github.com/sesshub/sesshub/internal/host/agent"
	"github.com/sesshub/sesshub/internal/host/eventlog"
	"github.com/sesshub/sesshub/internal/hubproto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// agentScript is the canned behaviour and observation state shared by the
// scripted agents a test backend mints. The pool pre-spawns spares in the
// background, so every Start gets a fresh instance while the script is
// common to all of them.
type agentScript struct {
	loadable      bool
	modes         *acp.SessionModeState
	models        *acp.SessionModelState
	promptUpdates []acp.SessionUpdate
	promptErr     error
	askPermission bool
	blockPrompt   bool
	loadUpdates   []acp.SessionUpdate
	lister        agent.Lister

	mu         sync.Mutex
	sessionSeq int
	modesSet   []string
	modelsSet  []string
	loaded     []string
	decisions  []string
}

func (s *agentScript) nextSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionSeq++
	return fmt.Sprintf("agent-sess-%d", s.sessionSeq)
}

func (s *agentScript) recordLoad(id string) {
	s.mu.Lock()
	s.loaded = append(s.loaded, id)
	s.mu.Unlock()
}

func (s *agentScript) recordDecision(d string) {
	s.mu.Lock()
	s.decisions = append(s.decisions, d)
	s.mu.Unlock()
}

func (s *agentScript) loadedSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.loaded...)
}

func (s *agentScript) seenModes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.modesSet...)
}

func (s *agentScript) seenModels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.modelsSet...)
}

func (s *agentScript) seenDecisions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.decisions...)
}

func (s *agentScript) backend() *agent.Backend {
	return &agent.Backend{
		ID:    "scripted",
		Label: "Scripted",
		AdapterFactory: func(_ *slog.Logger) acp.Agent {
			return &scriptedAgent{script: s, cancelled: make(chan struct{})}
		},
		Lister: s.lister,
	}
}

// scriptedAgent is one in-process acp.Agent instance playing the script.
type scriptedAgent struct {
	script *agentScript
	conn   *acp.AgentSideConnection

	cancelOnce sync.Once
	cancelled  chan struct{}
}

func (a *scriptedAgent) SetConnection(conn *acp.AgentSideConnection) { a.conn = conn }

func (a *scriptedAgent) Authenticate(context.Context, acp.AuthenticateRequest) (acp.AuthenticateResponse, error) {
	return acp.AuthenticateResponse{}, nil
}

func (a *scriptedAgent) Initialize(context.Context, acp.InitializeRequest) (acp.InitializeResponse, error) {
	return acp.InitializeResponse{
		ProtocolVersion: acp.ProtocolVersion(acp.ProtocolVersionNumber),
		AgentInfo: &acp.Implementation{
			Name:    "scripted",
			Version: "0.0.1",
		},
		AgentCapabilities: acp.AgentCapabilities{LoadSession: a.script.loadable},
	}, nil
}

func (a *scriptedAgent) Cancel(context.Context, acp.CancelNotification) error {
	a.cancelOnce.Do(func() { close(a.cancelled) })
	return nil
}

func (a *scriptedAgent) NewSession(context.Context, acp.NewSessionRequest) (acp.NewSessionResponse, error) {
	return acp.NewSessionResponse{
		SessionId: acp.SessionId(a.script.nextSessionID()),
		Models:    a.script.models,
		Modes:     a.script.modes,
	}, nil
}

func (a *scriptedAgent) LoadSession(ctx context.Context, req acp.LoadSessionRequest) (acp.LoadSessionResponse, error) {
	a.script.recordLoad(string(req.SessionId))
	for _, u := range a.script.loadUpdates {
		_ = a.conn.SessionUpdate(ctx, acp.SessionNotification{SessionId: req.SessionId, Update: u})
	}
	return acp.LoadSessionResponse{}, nil
}

func (a *scriptedAgent) Prompt(ctx context.Context, req acp.PromptRequest) (acp.PromptResponse, error) {
	for _, u := range a.script.promptUpdates {
		_ = a.conn.SessionUpdate(ctx, acp.SessionNotification{SessionId: req.SessionId, Update: u})
	}
	if a.script.promptErr != nil {
		return acp.PromptResponse{}, a.script.promptErr
	}
	if a.script.askPermission {
		title := "run ls"
		kind := acp.ToolKindExecute
		resp, err := a.conn.RequestPermission(ctx, acp.RequestPermissionRequest{
			SessionId: req.SessionId,
			ToolCall: acp.RequestPermissionToolCall{
				ToolCallId: "tc-1",
				Title:      &title,
				Kind:       &kind,
				RawInput:   map[string]any{"command": "ls"},
			},
			Options: []acp.PermissionOption{
				{OptionId: "allow", Name: "Allow", Kind: acp.PermissionOptionKindAllowOnce},
				{OptionId: "deny", Name: "Deny", Kind: acp.PermissionOptionKindRejectOnce},
			},
		})
		if err != nil {
			return acp.PromptResponse{}, err
		}
		if resp.Outcome.Selected == nil {
			a.script.recordDecision("cancelled")
			return acp.PromptResponse{StopReason: acp.StopReasonCancelled}, nil
		}
		a.script.recordDecision(string(resp.Outcome.Selected.OptionId))
		return acp.PromptResponse{StopReason: acp.StopReasonEndTurn}, nil
	}
	if a.script.blockPrompt {
		select {
		case <-a.cancelled:
			return acp.PromptResponse{StopReason: acp.StopReasonCancelled}, nil
		case <-ctx.Done():
			return acp.PromptResponse{}, ctx.Err()
		}
	}
	return acp.PromptResponse{StopReason: acp.StopReasonEndTurn}, nil
}

func (a *scriptedAgent) SetSessionMode(_ context.Context, req acp.SetSessionModeRequest) (acp.SetSessionModeResponse, error) {
	a.script.mu.Lock()
	a.script.modesSet = append(a.script.modesSet, string(req.ModeId))
	a.script.mu.Unlock()
	return acp.SetSessionModeResponse{}, nil
}

func (a *scriptedAgent) SetSessionModel(_ context.Context, req acp.SetSessionModelRequest) (acp.SetSessionModelResponse, error) {
	a.script.mu.Lock()
	a.script.modelsSet = append(a.script.modelsSet, string(req.ModelId))
	a.script.mu.Unlock()
	return acp.SetSessionModelResponse{}, nil
}

type stubLister struct {
	sessions []hubproto.DiscoveredSession
	next     string
}

func (l *stubLister) List(context.Context, string, int) ([]hubproto.DiscoveredSession, string, error) {
	return l.sessions, l.next, nil
}

type fixture struct {
	t      *testing.T
	sup    *Supervisor
	store  *eventlog.Store
	script *agentScript

	events      chan hubproto.SessionEvent
	changed     chan hubproto.SessionsChangedPayload
	attached    chan hubproto.AttachedPayload
	detached    chan hubproto.DetachedPayload
	permReqs    chan hubproto.PermissionRequestPayload
	permResults chan hubproto.PermissionResultPayload
}

func newFixture(t *testing.T, script *agentScript) *fixture {
	t.Helper()
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "sesshub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := testLogger()
	store := eventlog.NewStore(db, "host-1", log)
	pool := agent.NewPool(log, "sesshubd-test", "0.0.1")

	sup := New(log, store, pool, []*agent.Backend{script.backend()}, Options{
		HostID:         "host-1",
		WorktreeBase:   t.TempDir(),
		DefaultBackend: "scripted",
	})
	t.Cleanup(func() { sup.Shutdown(context.Background()) })

	return &fixture{
		t:           t,
		sup:         sup,
		store:       store,
		script:      script,
		events:      sup.Events(),
		changed:     sup.SessionsChanged(),
		attached:    sup.Attached(),
		detached:    sup.Detached(),
		permReqs:    sup.PermissionRequests(),
		permResults: sup.PermissionResults(),
	}
}

func (f *fixture) create(params hubproto.CreateSessionParams) hubproto.SessionSummary {
	f.t.Helper()
	if params.Cwd == "" {
		params.Cwd = f.t.TempDir()
	}
	sum, err := f.sup.Create(context.Background(), params)
	require.NoError(f.t, err)
	return sum
}

func (f *fixture) send(sessionID, text string) hubproto.SendMessageResult {
	f.t.Helper()
	res, err := f.sup.SendMessage(context.Background(), hubproto.SendMessageParams{
		SessionID: sessionID,
		Prompt:    textPrompt(f.t, text),
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) eventsAt(sessionID string, revision int64) []hubproto.SessionEvent {
	f.t.Helper()
	res, err := f.sup.QueryEvents(context.Background(), hubproto.SessionEventsParams{
		SessionID: sessionID,
		Revision:  revision,
		Limit:     200,
	})
	require.NoError(f.t, err)
	return res.Events
}

// waitForEvents polls the log until the revision holds at least want events.
func (f *fixture) waitForEvents(sessionID string, revision int64, want int) []hubproto.SessionEvent {
	f.t.Helper()
	var events []hubproto.SessionEvent
	require.Eventually(f.t, func() bool {
		events = f.eventsAt(sessionID, revision)
		return len(events) >= want
	}, 2*time.Second, 10*time.Millisecond)
	return events
}

// waitForKind polls the log until an event of the kind appears. Turns run in
// the background, so arrival order against the prompt response is not fixed.
func (f *fixture) waitForKind(sessionID string, revision int64, kind hubproto.EventKind) hubproto.SessionEvent {
	f.t.Helper()
	var found hubproto.SessionEvent
	require.Eventually(f.t, func() bool {
		for _, ev := range f.eventsAt(sessionID, revision) {
			if ev.Kind == kind {
				found = ev
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return found
}

func recv[T any](t *testing.T, ch chan T) T {
	t.Helper()
	var zero T
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a stream message")
	}
	return zero
}

func textPrompt(t *testing.T, text string) []json.RawMessage {
	t.Helper()
	b, err := json.Marshal(acp.TextBlock(text))
	require.NoError(t, err)
	return []json.RawMessage{b}
}

func requireCode(t *testing.T, err error, code hubproto.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, hubproto.AsError(err).Code)
}

func kindsOf(events []hubproto.SessionEvent) []hubproto.EventKind {
	kinds := make([]hubproto.EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func TestCreateSession(t *testing.T) {
	script := &agentScript{
		modes: &acp.SessionModeState{
			AvailableModes: []acp.SessionMode{
				{Id: "default", Name: "Default"},
				{Id: "plan", Name: "Plan"},
			},
			CurrentModeId: "default",
		},
		models: &acp.SessionModelState{
			AvailableModels: []acp.ModelInfo{{ModelId: "fast", Name: "Fast"}},
			CurrentModelId:  "fast",
		},
	}
	f := newFixture(t, script)

	cwd := t.TempDir()
	sum, err := f.sup.Create(context.Background(), hubproto.CreateSessionParams{
		Cwd:        cwd,
		Title:      "refactor",
		WrappedDEK: []byte("sealed"),
	})
	require.NoError(t, err)

	assert.Equal(t, "agent-sess-1", sum.SessionID)
	assert.Equal(t, "host-1", sum.HostID)
	assert.Equal(t, "scripted", sum.BackendID)
	assert.Equal(t, "refactor", sum.Title)
	assert.Equal(t, cwd, sum.Cwd)
	assert.Equal(t, int64(0), sum.Revision)
	assert.Equal(t, hubproto.AgentStateReady, sum.AgentState)
	assert.True(t, sum.IsAttached)
	assert.Equal(t, "default", sum.ModeID)
	assert.Equal(t, "fast", sum.ModelID)
	assert.Equal(t, []hubproto.ModeInfo{
		{ID: "default", Name: "Default"},
		{ID: "plan", Name: "Plan"},
	}, sum.AvailableModes)
	assert.Equal(t, []hubproto.ModelInfo{{ID: "fast", Name: "Fast"}}, sum.AvailableModels)
	assert.Equal(t, []byte("sealed"), sum.WrappedDEK)

	att := recv(t, f.attached)
	assert.Equal(t, "agent-sess-1", att.SessionID)
	assert.Equal(t, "host-1", att.HostID)

	delta := recv(t, f.changed)
	require.Len(t, delta.Added, 1)
	assert.Equal(t, "agent-sess-1", delta.Added[0].SessionID)

	listed := f.sup.Sessions()
	require.Len(t, listed, 1)
	assert.Equal(t, "agent-sess-1", listed[0].SessionID)

	row, err := f.store.GetSession(context.Background(), "agent-sess-1")
	require.NoError(t, err)
	assert.Equal(t, "refactor", row.Title)
	assert.Equal(t, []byte("sealed"), row.WrappedDEK)
}

func TestCreateDefaultsTitleToDir(t *testing.T) {
	f := newFixture(t, &agentScript{})
	cwd := t.TempDir()

	sum := f.create(hubproto.CreateSessionParams{Cwd: cwd})
	assert.Equal(t, filepath.Base(cwd), sum.Title)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, &agentScript{})
	ctx := context.Background()

	_, err := f.sup.Create(ctx, hubproto.CreateSessionParams{Cwd: "relative/path"})
	requireCode(t, err, hubproto.CodeRequestValidationFailed)

	_, err = f.sup.Create(ctx, hubproto.CreateSessionParams{Cwd: t.TempDir(), BackendID: "ghost"})
	requireCode(t, err, hubproto.CodeRequestValidationFailed)

	_, err = f.sup.Create(ctx, hubproto.CreateSessionParams{
		Cwd:        t.TempDir(),
		McpServers: json.RawMessage(`{"not":"an array"}`),
	})
	requireCode(t, err, hubproto.CodeRequestValidationFailed)
}

func TestSendMessageRunsTurn(t *testing.T) {
	script := &agentScript{
		promptUpdates: []acp.SessionUpdate{
			acp.UpdateAgentMessageText("let me look"),
			acp.UpdateAgentThoughtText("reading the failing test"),
		},
	}
	f := newFixture(t, script)
	sum := f.create(hubproto.CreateSessionParams{})

	res := f.send(sum.SessionID, "fix the bug")
	assert.Equal(t, sum.SessionID, res.SessionID)
	assert.Equal(t, int64(0), res.Revision)
	assert.Equal(t, int64(1), res.Seq)

	// The user message is logged synchronously; the rest of the turn trickles
	// in from the background goroutine.
	first := recv(t, f.events)
	assert.Equal(t, hubproto.EventUserMessage, first.Kind)
	assert.Equal(t, int64(1), first.Seq)

	events := f.waitForEvents(sum.SessionID, 0, 4)
	assert.Equal(t, hubproto.EventUserMessage, events[0].Kind)
	assert.ElementsMatch(t, []hubproto.EventKind{
		hubproto.EventUserMessage,
		hubproto.EventAgentMessageChunk,
		hubproto.EventAgentThoughtChunk,
		hubproto.EventTurnEnd,
	}, kindsOf(events))
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, sum.SessionID, ev.SessionID)
		assert.Equal(t, "host-1", ev.HostID)
		assert.Equal(t, int64(0), ev.Revision)
	}

	var user hubproto.UserMessagePayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &user))
	require.Len(t, user.Content, 1)
	want, err := json.Marshal(acp.TextBlock("fix the bug"))
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(user.Content[0]))

	end := f.waitForKind(sum.SessionID, 0, hubproto.EventTurnEnd)
	var turnEnd hubproto.TurnEndPayload
	require.NoError(t, json.Unmarshal(end.Payload, &turnEnd))
	assert.Equal(t, string(acp.StopReasonEndTurn), turnEnd.StopReason)
}

func TestSendMessageValidation(t *testing.T) {
	script := &agentScript{blockPrompt: true}
	f := newFixture(t, script)
	ctx := context.Background()

	_, err := f.sup.SendMessage(ctx, hubproto.SendMessageParams{
		SessionID: "ghost",
		Prompt:    textPrompt(t, "hi"),
	})
	requireCode(t, err, hubproto.CodeSessionNotFound)

	sum := f.create(hubproto.CreateSessionParams{})

	_, err = f.sup.SendMessage(ctx, hubproto.SendMessageParams{SessionID: sum.SessionID})
	requireCode(t, err, hubproto.CodeRequestValidationFailed)

	_, err = f.sup.SendMessage(ctx, hubproto.SendMessageParams{
		SessionID: sum.SessionID,
		Prompt:    []json.RawMessage{json.RawMessage(`{`)},
	})
	requireCode(t, err, hubproto.CodeRequestValidationFailed)

	// A parked turn blocks the next prompt until it resolves.
	f.send(sum.SessionID, "long task")
	_, err = f.sup.SendMessage(ctx, hubproto.SendMessageParams{
		SessionID: sum.SessionID,
		Prompt:    textPrompt(t, "another"),
	})
	requireCode(t, err, hubproto.CodeRequestValidationFailed)
	assert.Contains(t, err.Error(), "already active")

	require.NoError(t, f.sup.Cancel(ctx, sum.SessionID))
	end := f.waitForKind(sum.SessionID, 0, hubproto.EventTurnEnd)
	var turnEnd hubproto.TurnEndPayload
	require.NoError(t, json.Unmarshal(end.Payload, &turnEnd))
	assert.Equal(t, string(acp.StopReasonCancelled), turnEnd.StopReason)

	require.Error(t, f.sup.Cancel(ctx, "ghost"))
}

func TestPromptFailureRecorded(t *testing.T) {
	script := &agentScript{promptErr: errors.New("model exploded")}
	f := newFixture(t, script)
	sum := f.create(hubproto.CreateSessionParams{})

	f.send(sum.SessionID, "try something")

	ev := f.waitForKind(sum.SessionID, 0, hubproto.EventSessionError)
	var payload hubproto.SessionErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, hubproto.CodeInternalError, payload.Code)
	assert.NotEmpty(t, payload.Message)

	// The session survives a failed turn and accepts the next prompt.
	require.Len(t, f.sup.Sessions(), 1)
	f.send(sum.SessionID, "try again")
	events := f.waitForEvents(sum.SessionID, 0, 4)
	assert.Equal(t, []hubproto.EventKind{
		hubproto.EventUserMessage,
		hubproto.EventSessionError,
		hubproto.EventUserMessage,
		hubproto.EventSessionError,
	}, kindsOf(events))
}

func TestPermissionResolution(t *testing.T) {
	script := &agentScript{askPermission: true}
	f := newFixture(t, script)
	ctx := context.Background()
	sum := f.create(hubproto.CreateSessionParams{})

	f.send(sum.SessionID, "delete the build dir")

	req := recv(t, f.permReqs)
	assert.Equal(t, sum.SessionID, req.SessionID)
	assert.Equal(t, "host-1", req.HostID)
	assert.NotEmpty(t, req.RequestID)
	require.NotNil(t, req.ToolCall)
	assert.Equal(t, "tc-1", req.ToolCall.ToolCallID)
	assert.Equal(t, "run ls", req.ToolCall.Title)
	assert.Equal(t, string(acp.ToolKindExecute), req.ToolCall.Kind)
	assert.JSONEq(t, `{"command":"ls"}`, string(req.ToolCall.RawInput))
	require.Len(t, req.Options, 2)
	assert.Equal(t, "allow", req.Options[0].OptionID)

	pending := f.sup.PendingPermissions()
	require.Len(t, pending, 1)
	assert.Equal(t, req.RequestID, pending[0].RequestID)

	res, err := f.sup.ResolvePermission(ctx, hubproto.PermissionDecisionParams{
		SessionID: sum.SessionID,
		RequestID: req.RequestID,
		OptionID:  "allow",
	})
	require.NoError(t, err)
	assert.True(t, res.Delivered)

	result := recv(t, f.permResults)
	assert.Equal(t, req.RequestID, result.RequestID)
	assert.Equal(t, hubproto.PermissionOutcomeSelected, result.Outcome)
	assert.Equal(t, "allow", result.OptionID)

	end := f.waitForKind(sum.SessionID, 0, hubproto.EventTurnEnd)
	var turnEnd hubproto.TurnEndPayload
	require.NoError(t, json.Unmarshal(end.Payload, &turnEnd))
	assert.Equal(t, string(acp.StopReasonEndTurn), turnEnd.StopReason)
	assert.Equal(t, []string{"allow"}, script.seenDecisions())

	// Exactly one decision wins.
	res, err = f.sup.ResolvePermission(ctx, hubproto.PermissionDecisionParams{
		SessionID: sum.SessionID,
		RequestID: req.RequestID,
		OptionID:  "deny",
	})
	require.NoError(t, err)
	assert.False(t, res.Delivered)

	kinds := kindsOf(f.eventsAt(sum.SessionID, 0))
	assert.Contains(t, kinds, hubproto.EventPermissionRequest)
	assert.Contains(t, kinds, hubproto.EventPermissionResult)
	assert.Empty(t, f.sup.PendingPermissions())
}

func TestCancelResolvesParkedPermission(t *testing.T) {
	script := &agentScript{askPermission: true}
	f := newFixture(t, script)
	ctx := context.Background()
	sum := f.create(hubproto.CreateSessionParams{})

	f.send(sum.SessionID, "delete the build dir")
	req := recv(t, f.permReqs)

	require.NoError(t, f.sup.Cancel(ctx, sum.SessionID))

	result := recv(t, f.permResults)
	assert.Equal(t, req.RequestID, result.RequestID)
	assert.Equal(t, hubproto.PermissionOutcomeCancelled, result.Outcome)
	assert.Empty(t, result.OptionID)

	end := f.waitForKind(sum.SessionID, 0, hubproto.EventTurnEnd)
	var turnEnd hubproto.TurnEndPayload
	require.NoError(t, json.Unmarshal(end.Payload, &turnEnd))
	assert.Equal(t, string(acp.StopReasonCancelled), turnEnd.StopReason)
	assert.Equal(t, []string{"cancelled"}, script.seenDecisions())

	// The decision arrived too late; nobody is waiting anymore.
	res, err := f.sup.ResolvePermission(ctx, hubproto.PermissionDecisionParams{
		SessionID: sum.SessionID,
		RequestID: req.RequestID,
		OptionID:  "allow",
	})
	require.NoError(t, err)
	assert.False(t, res.Delivered)
}

func TestResolvePermissionValidation(t *testing.T) {
	f := newFixture(t, &agentScript{})
	ctx := context.Background()
	sum := f.create(hubproto.CreateSessionParams{})

	_, err := f.sup.ResolvePermission(ctx, hubproto.PermissionDecisionParams{
		SessionID: sum.SessionID,
		RequestID: "r1",
	})
	requireCode(t, err, hubproto.CodeRequestValidationFailed)

	_, err = f.sup.ResolvePermission(ctx, hubproto.PermissionDecisionParams{
		SessionID: "ghost",
		RequestID: "r1",
		OptionID:  "allow",
	})
	requireCode(t, err, hubproto.CodeSessionNotFound)

	res, err := f.sup.ResolvePermission(ctx, hubproto.PermissionDecisionParams{
		SessionID: sum.SessionID,
		RequestID: "never-issued",
		OptionID:  "allow",
	})
	require.NoError(t, err)
	assert.False(t, res.Delivered)
}

func TestMetaPatchesFromAgent(t *testing.T) {
	completed := acp.ToolCallStatusCompleted
	script := &agentScript{
		promptUpdates: []acp.SessionUpdate{
			{ToolCall: &acp.SessionUpdateToolCall{
				ToolCallId:    "tc-1",
				Title:         "git status",
				Kind:          acp.ToolKindExecute,
				Status:        acp.ToolCallStatusPending,
				SessionUpdate: "tool_call",
				Meta: map[string]any{
					"branch": "main",
					"usage":  map[string]any{"inputTokens": 5, "outputTokens": 7},
				},
			}},
			{ToolCallUpdate: &acp.SessionToolCallUpdate{
				ToolCallId:    "tc-1",
				Status:        &completed,
				SessionUpdate: "tool_call_update",
			}},
		},
	}
	f := newFixture(t, script)
	sum := f.create(hubproto.CreateSessionParams{})

	f.send(sum.SessionID, "check the repo state")
	f.waitForKind(sum.SessionID, 0, hubproto.EventToolCallUpdate)
	f.waitForKind(sum.SessionID, 0, hubproto.EventTurnEnd)

	// The meta patch merged into the session record before the event landed.
	usage := f.waitForKind(sum.SessionID, 0, hubproto.EventUsage)
	var usagePayload hubproto.UsagePayload
	require.NoError(t, json.Unmarshal(usage.Payload, &usagePayload))
	assert.Equal(t, hubproto.UsagePayload{InputTokens: 5, OutputTokens: 7, TotalTokens: 12}, usagePayload)

	wantMeta := map[string]any{
		"branch": "main",
		"usage":  map[string]any{"inputTokens": float64(5), "outputTokens": float64(7)},
	}
	listed := f.sup.Sessions()
	require.Len(t, listed, 1)
	assert.Equal(t, wantMeta, listed[0].Meta)

	row, err := f.store.GetSession(context.Background(), sum.SessionID)
	require.NoError(t, err)
	assert.Equal(t, wantMeta, row.Meta)
}

func TestAgentModeChangeTracked(t *testing.T) {
	script := &agentScript{
		modes: &acp.SessionModeState{
			AvailableModes: []acp.SessionMode{
				{Id: "default", Name: "Default"},
				{Id: "plan", Name: "Plan"},
			},
			CurrentModeId: "default",
		},
		promptUpdates: []acp.SessionUpdate{
			{CurrentModeUpdate: &acp.SessionCurrentModeUpdate{CurrentModeId: "plan"}},
		},
	}
	f := newFixture(t, script)
	sum := f.create(hubproto.CreateSessionParams{})
	assert.Equal(t, "default", sum.ModeID)

	f.send(sum.SessionID, "switch to planning")

	ev := f.waitForKind(sum.SessionID, 0, hubproto.EventModeModelUpdate)
	var probe struct {
		CurrentModeID string `json:"currentModeId"`
	}
	require.NoError(t, json.Unmarshal(ev.Payload, &probe))
	assert.Equal(t, "plan", probe.CurrentModeID)

	listed := f.sup.Sessions()
	require.Len(t, listed, 1)
	assert.Equal(t, "plan", listed[0].ModeID)

	row, err := f.store.GetSession(context.Background(), sum.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "plan", row.ModeID)
}

func TestSetMode(t *testing.T) {
	script := &agentScript{
		modes: &acp.SessionModeState{
			AvailableModes: []acp.SessionMode{
				{Id: "default", Name: "Default"},
				{Id: "plan", Name: "Plan"},
			},
			CurrentModeId: "default",
		},
	}
	f := newFixture(t, script)
	ctx := context.Background()
	sum := f.create(hubproto.CreateSessionParams{})

	updated, err := f.sup.SetMode(ctx, hubproto.SetModeParams{SessionID: sum.SessionID, ModeID: "plan"})
	require.NoError(t, err)
	assert.Equal(t, "plan", updated.ModeID)
	assert.Equal(t, []string{"plan"}, script.seenModes())

	ev := f.waitForKind(sum.SessionID, 0, hubproto.EventModeModelUpdate)
	var payload hubproto.ModeModelUpdatePayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, "plan", payload.ModeID)
	assert.Equal(t, []hubproto.ModeInfo{
		{ID: "default", Name: "Default"},
		{ID: "plan", Name: "Plan"},
	}, payload.AvailableModes)

	row, err := f.store.GetSession(ctx, sum.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "plan", row.ModeID)

	_, err = f.sup.SetMode(ctx, hubproto.SetModeParams{SessionID: sum.SessionID, ModeID: "ghost"})
	requireCode(t, err, hubproto.CodeRequestValidationFailed)

	_, err = f.sup.SetMode(ctx, hubproto.SetModeParams{SessionID: "ghost", ModeID: "plan"})
	requireCode(t, err, hubproto.CodeSessionNotFound)
}

func TestSetModel(t *testing.T) {
	script := &agentScript{
		models: &acp.SessionModelState{
			AvailableModels: []acp.ModelInfo{
				{ModelId: "fast", Name: "Fast"},
				{ModelId: "deep", Name: "Deep"},
			},
			CurrentModelId: "fast",
		},
	}
	f := newFixture(t, script)
	ctx := context.Background()
	sum := f.create(hubproto.CreateSessionParams{})
	assert.Equal(t, "fast", sum.ModelID)

	updated, err := f.sup.SetModel(ctx, hubproto.SetModelParams{SessionID: sum.SessionID, ModelID: "deep"})
	require.NoError(t, err)
	assert.Equal(t, "deep", updated.ModelID)
	assert.Equal(t, []string{"deep"}, script.seenModels())

	ev := f.waitForKind(sum.SessionID, 0, hubproto.EventModeModelUpdate)
	var payload hubproto.ModeModelUpdatePayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, "deep", payload.ModelID)

	row, err := f.store.GetSession(ctx, sum.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "deep", row.ModelID)

	_, err = f.sup.SetModel(ctx, hubproto.SetModelParams{SessionID: sum.SessionID, ModelID: "ghost"})
	requireCode(t, err, hubproto.CodeRequestValidationFailed)
}

func TestSetModeWithoutModes(t *testing.T) {
	f := newFixture(t, &agentScript{})
	ctx := context.Background()
	sum := f.create(hubproto.CreateSessionParams{})

	_, err := f.sup.SetMode(ctx, hubproto.SetModeParams{SessionID: sum.SessionID, ModeID: "plan"})
	requireCode(t, err, hubproto.CodeCapabilityNotSupported)

	_, err = f.sup.SetModel(ctx, hubproto.SetModelParams{SessionID: sum.SessionID, ModelID: "fast"})
	requireCode(t, err, hubproto.CodeCapabilityNotSupported)
}

func TestCloseSession(t *testing.T) {
	f := newFixture(t, &agentScript{})
	ctx := context.Background()
	sum := f.create(hubproto.CreateSessionParams{})
	f.send(sum.SessionID, "hello")
	f.waitForKind(sum.SessionID, 0, hubproto.EventTurnEnd)

	require.NoError(t, f.sup.Close(ctx, sum.SessionID))

	det := recv(t, f.detached)
	assert.Equal(t, sum.SessionID, det.SessionID)
	assert.Equal(t, hubproto.DetachReasonClosed, det.Reason)

	assert.Empty(t, f.sup.Sessions())
	requireCode(t, f.sup.Close(ctx, sum.SessionID), hubproto.CodeSessionNotFound)

	// The record and its history outlive the attachment.
	events := f.eventsAt(sum.SessionID, 0)
	assert.Len(t, events, 2)
}

func TestAgentExitKeepsSessionInspectable(t *testing.T) {
	f := newFixture(t, &agentScript{})
	ctx := context.Background()
	sum := f.create(hubproto.CreateSessionParams{})

	ls, err := f.sup.live(sum.SessionID)
	require.NoError(t, err)
	// Stop the link out from under the session, as a crashed subprocess would.
	ls.link.Stop()

	det := recv(t, f.detached)
	assert.Equal(t, sum.SessionID, det.SessionID)
	assert.Equal(t, hubproto.DetachReasonAgentExit, det.Reason)

	ev := f.waitForKind(sum.SessionID, 0, hubproto.EventSessionError)
	var payload hubproto.SessionErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, hubproto.CodeInternalError, payload.Code)

	// Still listed so clients can see what happened, but no longer promptable.
	listed := f.sup.Sessions()
	require.Len(t, listed, 1)
	assert.Equal(t, hubproto.AgentStateStopped, listed[0].AgentState)

	_, err = f.sup.SendMessage(ctx, hubproto.SendMessageParams{
		SessionID: sum.SessionID,
		Prompt:    textPrompt(t, "anyone there?"),
	})
	requireCode(t, err, hubproto.CodeRequestValidationFailed)

	require.NoError(t, f.sup.Close(ctx, sum.SessionID))
	det = recv(t, f.detached)
	assert.Equal(t, hubproto.DetachReasonClosed, det.Reason)
	assert.Empty(t, f.sup.Sessions())
}

func TestLoadResumesWithNewRevision(t *testing.T) {
	script := &agentScript{
		loadable: true,
		loadUpdates: []acp.SessionUpdate{
			acp.UpdateAgentMessageText("replayed earlier answer"),
		},
	}
	f := newFixture(t, script)
	ctx := context.Background()

	sum := f.create(hubproto.CreateSessionParams{})
	f.send(sum.SessionID, "hello")
	f.waitForKind(sum.SessionID, 0, hubproto.EventTurnEnd)
	require.NoError(t, f.sup.Close(ctx, sum.SessionID))

	loaded, err := f.sup.Load(ctx, hubproto.LoadSessionParams{SessionID: sum.SessionID})
	require.NoError(t, err)
	assert.Equal(t, sum.SessionID, loaded.SessionID)
	assert.Equal(t, int64(1), loaded.Revision)
	assert.True(t, loaded.IsAttached)
	assert.Equal(t, []string{sum.SessionID}, script.loadedSessions())

	// The replay lands at the new revision, starting from seq 1 again.
	replayed := f.waitForKind(sum.SessionID, 1, hubproto.EventAgentMessageChunk)
	assert.Equal(t, int64(1), replayed.Seq)

	// The original run is untouched.
	rev0 := f.eventsAt(sum.SessionID, 0)
	require.Len(t, rev0, 2)
	assert.Equal(t, hubproto.EventUserMessage, rev0[0].Kind)

	// Loading a live session is a forced attach, not a second agent load.
	again, err := f.sup.Load(ctx, hubproto.LoadSessionParams{SessionID: sum.SessionID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Revision)
	assert.Equal(t, []string{sum.SessionID}, script.loadedSessions())
	require.Len(t, f.sup.Sessions(), 1)
}

func TestLoadValidation(t *testing.T) {
	t.Run("requires a session id", func(t *testing.T) {
		f := newFixture(t, &agentScript{loadable: true})
		_, err := f.sup.Load(context.Background(), hubproto.LoadSessionParams{})
		requireCode(t, err, hubproto.CodeRequestValidationFailed)
	})

	t.Run("unknown session needs a cwd", func(t *testing.T) {
		f := newFixture(t, &agentScript{loadable: true})
		_, err := f.sup.Load(context.Background(), hubproto.LoadSessionParams{SessionID: "never-seen"})
		requireCode(t, err, hubproto.CodeRequestValidationFailed)
		assert.Contains(t, err.Error(), "cwd is required")
	})

	t.Run("backend without load capability", func(t *testing.T) {
		f := newFixture(t, &agentScript{})
		_, err := f.sup.Load(context.Background(), hubproto.LoadSessionParams{
			SessionID: "never-seen",
			BackendID: "scripted",
			Cwd:       t.TempDir(),
		})
		requireCode(t, err, hubproto.CodeCapabilityNotSupported)

		// The failed load left no record behind.
		_, err = f.sup.QueryEvents(context.Background(), hubproto.SessionEventsParams{SessionID: "never-seen"})
		requireCode(t, err, hubproto.CodeSessionNotFound)
	})
}

func TestLoadThroughDiscoveryCache(t *testing.T) {
	cwd := t.TempDir()
	script := &agentScript{
		loadable: true,
		lister: &stubLister{
			sessions: []hubproto.DiscoveredSession{{
				SessionID: "old-sess",
				BackendID: "scripted",
				Label:     "refactor from yesterday",
				Cwd:       cwd,
				UpdatedAt: "2026-08-20T10:00:00.000Z",
			}},
		},
	}
	f := newFixture(t, script)
	ctx := context.Background()

	page, err := f.sup.Discover(ctx, hubproto.DiscoverParams{})
	require.NoError(t, err)
	require.Len(t, page.Sessions, 1)
	assert.Equal(t, "old-sess", page.Sessions[0].SessionID)
	assert.Equal(t, "scripted", page.BackendID)
	assert.Equal(t, "Scripted", page.BackendLabel)
	assert.True(t, page.Capabilities.List)
	assert.Empty(t, page.NextCursor)

	// The load request carries only the id; the discovery cache fills in the rest.
	sum, err := f.sup.Load(ctx, hubproto.LoadSessionParams{SessionID: "old-sess"})
	require.NoError(t, err)
	assert.Equal(t, cwd, sum.Cwd)
	assert.Equal(t, "refactor from yesterday", sum.Title)
	assert.Equal(t, "scripted", sum.BackendID)
	assert.Equal(t, int64(0), sum.Revision)
	assert.Equal(t, []string{"old-sess"}, script.loadedSessions())

	att := recv(t, f.attached)
	assert.Equal(t, "old-sess", att.SessionID)
	delta := recv(t, f.changed)
	require.Len(t, delta.Added, 1)
	assert.Equal(t, "old-sess", delta.Added[0].SessionID)
}

func TestDiscoverRequiresLister(t *testing.T) {
	f := newFixture(t, &agentScript{})
	ctx := context.Background()

	_, err := f.sup.Discover(ctx, hubproto.DiscoverParams{})
	requireCode(t, err, hubproto.CodeCapabilityNotSupported)

	_, err = f.sup.Discover(ctx, hubproto.DiscoverParams{BackendID: "ghost"})
	requireCode(t, err, hubproto.CodeRequestValidationFailed)
}

func TestReloadAlwaysAdvancesRevision(t *testing.T) {
	script := &agentScript{loadable: true}
	f := newFixture(t, script)
	ctx := context.Background()
	sum := f.create(hubproto.CreateSessionParams{})

	reloaded, err := f.sup.Reload(ctx, sum.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reloaded.Revision)
	assert.Equal(t, []string{sum.SessionID}, script.loadedSessions())

	reloaded, err = f.sup.Reload(ctx, sum.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), reloaded.Revision)

	_, err = f.sup.Reload(ctx, "ghost")
	requireCode(t, err, hubproto.CodeSessionNotFound)
}

func TestReloadRejectedDuringTurn(t *testing.T) {
	script := &agentScript{loadable: true, blockPrompt: true}
	f := newFixture(t, script)
	ctx := context.Background()
	sum := f.create(hubproto.CreateSessionParams{})

	f.send(sum.SessionID, "long task")
	_, err := f.sup.Reload(ctx, sum.SessionID)
	requireCode(t, err, hubproto.CodeRequestValidationFailed)
	assert.Contains(t, err.Error(), "turn is active")

	require.NoError(t, f.sup.Cancel(ctx, sum.SessionID))
	f.waitForKind(sum.SessionID, 0, hubproto.EventTurnEnd)
}

func TestReloadRequiresLoadCapability(t *testing.T) {
	f := newFixture(t, &agentScript{})
	sum := f.create(hubproto.CreateSessionParams{})

	_, err := f.sup.Reload(context.Background(), sum.SessionID)
	requireCode(t, err, hubproto.CodeCapabilityNotSupported)

	// The rejected reload must not burn a revision.
	listed := f.sup.Sessions()
	require.Len(t, listed, 1)
	assert.Equal(t, int64(0), listed[0].Revision)
}

func TestQueryEventsPaging(t *testing.T) {
	f := newFixture(t, &agentScript{})
	ctx := context.Background()
	sum := f.create(hubproto.CreateSessionParams{})

	f.send(sum.SessionID, "one")
	f.waitForEvents(sum.SessionID, 0, 2)
	f.send(sum.SessionID, "two")
	f.waitForEvents(sum.SessionID, 0, 4)

	res, err := f.sup.QueryEvents(ctx, hubproto.SessionEventsParams{
		SessionID: sum.SessionID,
		Limit:     3,
	})
	require.NoError(t, err)
	require.Len(t, res.Events, 3)
	assert.True(t, res.HasMore)
	assert.Equal(t, int64(1), res.Events[0].Seq)

	res, err = f.sup.QueryEvents(ctx, hubproto.SessionEventsParams{
		SessionID: sum.SessionID,
		AfterSeq:  3,
	})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.False(t, res.HasMore)
	assert.Equal(t, int64(4), res.Events[0].Seq)

	_, err = f.sup.QueryEvents(ctx, hubproto.SessionEventsParams{SessionID: "ghost"})
	requireCode(t, err, hubproto.CodeSessionNotFound)
}

func TestAckTrimsReplayBacklog(t *testing.T) {
	f := newFixture(t, &agentScript{})
	ctx := context.Background()
	sum := f.create(hubproto.CreateSessionParams{})

	f.send(sum.SessionID, "hello")
	f.waitForEvents(sum.SessionID, 0, 2)

	pending, err := f.sup.UnackedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, pending[sum.SessionID], 2)

	f.sup.Ack(ctx, hubproto.AckPayload{SessionID: sum.SessionID, Revision: 0, UpToSeq: 1})

	pending, err = f.sup.UnackedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, pending[sum.SessionID], 1)
	assert.Equal(t, int64(2), pending[sum.SessionID][0].Seq)

	f.sup.Ack(ctx, hubproto.AckPayload{SessionID: sum.SessionID, Revision: 0, UpToSeq: 2})

	pending, err = f.sup.UnackedEvents(ctx)
	require.NoError(t, err)
	assert.NotContains(t, pending, sum.SessionID)
}

func TestBackendCatalog(t *testing.T) {
	script := &agentScript{loadable: true, lister: &stubLister{}}
	f := newFixture(t, script)

	infos := f.sup.Backends()
	require.Len(t, infos, 1)
	assert.Equal(t, "scripted", infos[0].ID)
	assert.Equal(t, "Scripted", infos[0].Label)
	assert.True(t, infos[0].Capabilities.List)
	// Load capability is observed from the handshake, so it is unknown until
	// an agent has been spawned.
	assert.False(t, infos[0].Capabilities.Load)

	f.create(hubproto.CreateSessionParams{})

	infos = f.sup.Backends()
	assert.True(t, infos[0].Capabilities.Load)
	assert.Equal(t, "scripted", f.sup.DefaultBackend())
}

func TestFsDelegation(t *testing.T) {
	f := newFixture(t, &agentScript{})
	ctx := context.Background()
	sum := f.create(hubproto.CreateSessionParams{})

	roots, err := f.sup.FsRoots(ctx, sum.SessionID)
	require.NoError(t, err)
	assert.NotEmpty(t, roots.Roots)

	_, err = f.sup.FsEntries(ctx, "ghost", "/")
	requireCode(t, err, hubproto.CodeSessionNotFound)

	// Closed sessions browse through the stored record.
	require.NoError(t, f.sup.Close(ctx, sum.SessionID))
	after, err := f.sup.FsRoots(ctx, sum.SessionID)
	require.NoError(t, err)
	assert.Equal(t, roots, after)
}

func TestShutdownDetachesEverything(t *testing.T) {
	f := newFixture(t, &agentScript{})
	a := f.create(hubproto.CreateSessionParams{})
	b := f.create(hubproto.CreateSessionParams{})

	f.sup.Shutdown(context.Background())

	reasons := map[string]string{}
	for i := 0; i < 2; i++ {
		det := recv(t, f.detached)
		reasons[det.SessionID] = det.Reason
	}
	assert.Equal(t, map[string]string{
		a.SessionID: hubproto.DetachReasonShutdown,
		b.SessionID: hubproto.DetachReasonShutdown,
	}, reasons)
	assert.Empty(t, f.sup.Sessions())

	_, err := f.sup.Create(context.Background(), hubproto.CreateSessionParams{Cwd: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shut down")
}
