package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	acp "github.com/coder/acp-go-sdk"
	"github.com/sesshub/sesshub/internal/host/procutil"
	"github.com/sesshub/sesshub/internal/hubproto"
)

// SessionDetails captures what the agent reported when a session was
// established.
type SessionDetails struct {
	AgentSessionID string
	Modes          []hubproto.ModeInfo
	CurrentMode    string
	Models         []hubproto.ModelInfo
	CurrentModel   string
}

// LinkOpts configures one agent connection.
type LinkOpts struct {
	// Cwd is the working directory for the spawned process.
	Cwd string
	// Env entries override the inherited environment and the backend's own.
	Env map[string]string
	// ClientName and ClientVersion identify this daemon to the agent.
	ClientName    string
	ClientVersion string
	// OnState observes state transitions. Must not block.
	OnState func(hubproto.AgentState)
}

// Link is one live agent connection. It moves through
// idle → connecting → ready → (busy ↔ ready) → stopped and is safe for
// concurrent use, though only one prompt turn runs at a time.
type Link struct {
	backend *Backend
	log     *slog.Logger

	conn   *acp.ClientSideConnection
	cmd    *exec.Cmd
	cancel context.CancelFunc
	client *switchableClient
	stdin  io.Closer // in-process: closing signals agent EOF

	mu             sync.Mutex
	state          hubproto.AgentState
	agentSessionID acp.SessionId
	loadSupported  bool
	onState        func(hubproto.AgentState)

	promptMu sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// Start spawns the backend's agent and performs the ACP initialize
// handshake. The returned link is idle: no agent session exists yet. ctx
// bounds the handshake only; the agent itself lives until Stop or exit.
func (b *Backend) Start(ctx context.Context, log *slog.Logger, opts LinkOpts) (*Link, error) {
	log = log.With("backend", b.ID)
	client := &switchableClient{log: log}

	launchCtx, cancel := context.WithCancel(context.Background())
	l := &Link{
		backend: b,
		log:     log,
		cancel:  cancel,
		client:  client,
		state:   hubproto.AgentStateConnecting,
		onState: opts.OnState,
		done:    make(chan struct{}),
	}

	var err error
	switch {
	case b.AdapterFactory != nil:
		err = l.launchInProcess()
	case b.Command != "":
		err = l.launchSubprocess(launchCtx, opts)
	default:
		err = fmt.Errorf("backend %s has neither a command nor an adapter", b.ID)
	}
	if err != nil {
		cancel()
		return nil, err
	}

	go l.monitor(launchCtx)

	clientName := opts.ClientName
	if clientName == "" {
		clientName = "sesshubd"
	}
	initResp, err := l.conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersion(acp.ProtocolVersionNumber),
		ClientInfo: &acp.Implementation{
			Name:    clientName,
			Version: opts.ClientVersion,
		},
	})
	if err != nil {
		l.Stop()
		return nil, fmt.Errorf("initializing %s: %w", b.ID, err)
	}

	l.mu.Lock()
	l.loadSupported = initResp.AgentCapabilities.LoadSession
	l.mu.Unlock()
	l.setState(hubproto.AgentStateIdle)

	log.Info("agent link established",
		"loadSession", initResp.AgentCapabilities.LoadSession)
	return l, nil
}

func (l *Link) launchInProcess() error {
	agent := l.backend.AdapterFactory(l.log)

	// Two pipe pairs: the client writes into the agent's stdin, the agent
	// writes into the client's stdin.
	clientToAgentR, clientToAgentW := io.Pipe()
	agentToClientR, agentToClientW := io.Pipe()

	conn := acp.NewClientSideConnection(l.client, clientToAgentW, agentToClientR)
	conn.SetLogger(l.log.With("side", "client"))

	agentConn := acp.NewAgentSideConnection(agent, agentToClientW, clientToAgentR)
	agentConn.SetLogger(l.log.With("side", "agent"))

	if setter, ok := agent.(ConnectionSetter); ok {
		setter.SetConnection(agentConn)
	}

	l.conn = conn
	l.stdin = clientToAgentW
	return nil
}

func (l *Link) launchSubprocess(ctx context.Context, opts LinkOpts) error {
	cmd := exec.CommandContext(ctx, l.backend.Command, l.backend.Args...)
	cmd.Env = buildEnv(l.backend.Env, opts.Env)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := procutil.StartOwned(cmd); err != nil {
		return fmt.Errorf("starting %s: %w", l.backend.Command, err)
	}

	conn := acp.NewClientSideConnection(l.client, stdin, stdout)
	conn.SetLogger(l.log)

	l.conn = conn
	l.cmd = cmd
	return nil
}

// monitor closes done once the agent is gone: subprocess exit, or context
// cancellation for in-process agents.
func (l *Link) monitor(ctx context.Context) {
	if l.cmd != nil {
		err := l.cmd.Wait()
		if err != nil && ctx.Err() == nil {
			l.log.Warn("agent process exited", "error", err)
		}
	} else {
		<-ctx.Done()
	}
	l.setState(hubproto.AgentStateStopped)
	close(l.done)
}

// ConnectionSetter is implemented by in-process adapters that need a
// reference to the agent-side connection for sending notifications.
type ConnectionSetter interface {
	SetConnection(conn *acp.AgentSideConnection)
}

// BindClient routes the agent's callbacks (session updates, permission
// requests, fs and terminal calls) to target. A pooled link stays unbound
// until a session adopts it.
func (l *Link) BindClient(target acp.Client) {
	l.client.bind(target)
}

// SetOnState installs the state observer. Adopting a pooled link replaces
// the nil observer it was spawned with.
func (l *Link) SetOnState(fn func(hubproto.AgentState)) {
	l.mu.Lock()
	l.onState = fn
	l.mu.Unlock()
}

// NewSession asks the agent to start a fresh session.
func (l *Link) NewSession(ctx context.Context, cwd string, meta map[string]any, mcpServers []acp.McpServer) (SessionDetails, error) {
	l.setState(hubproto.AgentStateConnecting)
	if mcpServers == nil {
		mcpServers = []acp.McpServer{}
	}
	resp, err := l.conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        cwd,
		Meta:       meta,
		McpServers: mcpServers,
	})
	if err != nil {
		l.setState(hubproto.AgentStateStopped)
		return SessionDetails{}, fmt.Errorf("creating agent session: %w", err)
	}

	l.mu.Lock()
	l.agentSessionID = resp.SessionId
	l.mu.Unlock()

	details := SessionDetails{AgentSessionID: string(resp.SessionId)}
	if resp.Models != nil {
		for _, m := range resp.Models.AvailableModels {
			if m.ModelId == "" {
				continue
			}
			details.Models = append(details.Models, hubproto.ModelInfo{ID: string(m.ModelId), Name: m.Name})
		}
		details.CurrentModel = string(resp.Models.CurrentModelId)
	}
	if resp.Modes != nil {
		for _, m := range resp.Modes.AvailableModes {
			if m.Id == "" {
				continue
			}
			details.Modes = append(details.Modes, hubproto.ModeInfo{ID: string(m.Id), Name: m.Name})
		}
		details.CurrentMode = string(resp.Modes.CurrentModeId)
	}

	l.setState(hubproto.AgentStateReady)
	return details, nil
}

// LoadSession re-links an existing agent session into this connection.
// Available modes and models arrive as session updates afterwards, so the
// response body is not inspected.
func (l *Link) LoadSession(ctx context.Context, agentSessionID, cwd string, mcpServers []acp.McpServer) error {
	if !l.LoadSupported() {
		return fmt.Errorf("backend %s cannot load sessions", l.backend.ID)
	}
	l.setState(hubproto.AgentStateConnecting)
	if mcpServers == nil {
		mcpServers = []acp.McpServer{}
	}
	_, err := l.conn.LoadSession(ctx, acp.LoadSessionRequest{
		SessionId:  acp.SessionId(agentSessionID),
		Cwd:        cwd,
		McpServers: mcpServers,
	})
	if err != nil {
		l.setState(hubproto.AgentStateStopped)
		return fmt.Errorf("loading agent session: %w", err)
	}

	l.mu.Lock()
	l.agentSessionID = acp.SessionId(agentSessionID)
	l.mu.Unlock()
	l.setState(hubproto.AgentStateReady)
	return nil
}

// Prompt runs one turn. The link is busy until the agent finishes or the
// turn is cancelled.
func (l *Link) Prompt(ctx context.Context, blocks []acp.ContentBlock) (acp.StopReason, error) {
	l.promptMu.Lock()
	defer l.promptMu.Unlock()

	if st := l.State(); st != hubproto.AgentStateReady {
		return "", fmt.Errorf("agent not ready (state %s)", st)
	}
	l.setState(hubproto.AgentStateBusy)

	resp, err := l.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: l.sessionID(),
		Prompt:    blocks,
	})
	if l.State() != hubproto.AgentStateStopped {
		l.setState(hubproto.AgentStateReady)
	}
	if err != nil {
		return "", fmt.Errorf("prompting agent: %w", err)
	}
	return resp.StopReason, nil
}

// Cancel aborts the in-flight turn, if any. The prompt call then returns
// with a cancelled stop reason.
func (l *Link) Cancel(ctx context.Context) error {
	return l.conn.Cancel(ctx, acp.CancelNotification{SessionId: l.sessionID()})
}

// SetMode switches the agent's session mode.
func (l *Link) SetMode(ctx context.Context, modeID string) error {
	_, err := l.conn.SetSessionMode(ctx, acp.SetSessionModeRequest{
		SessionId: l.sessionID(),
		ModeId:    acp.SessionModeId(modeID),
	})
	return err
}

// SetModel switches the agent's model.
func (l *Link) SetModel(ctx context.Context, modelID string) error {
	_, err := l.conn.SetSessionModel(ctx, acp.SetSessionModelRequest{
		SessionId: l.sessionID(),
		ModelId:   acp.ModelId(modelID),
	})
	return err
}

// Stop tears the agent down and waits for it to go.
func (l *Link) Stop() {
	l.stopOnce.Do(func() {
		l.setState(hubproto.AgentStateStopped)
		l.cancel()
		if l.stdin != nil {
			_ = l.stdin.Close()
		}
	})
	<-l.done
}

// Done is closed once the agent process has exited.
func (l *Link) Done() <-chan struct{} { return l.done }

func (l *Link) State() hubproto.AgentState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// LoadSupported reports the load capability from the initialize handshake.
func (l *Link) LoadSupported() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadSupported
}

// AgentSessionID returns the agent-side session id, once established.
func (l *Link) AgentSessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return string(l.agentSessionID)
}

// Backend returns the backend this link was spawned from.
func (l *Link) Backend() *Backend { return l.backend }

func (l *Link) sessionID() acp.SessionId {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.agentSessionID
}

func (l *Link) setState(state hubproto.AgentState) {
	l.mu.Lock()
	prev := l.state
	if prev == hubproto.AgentStateStopped && state != hubproto.AgentStateStopped {
		l.mu.Unlock()
		return
	}
	l.state = state
	notify := l.onState
	l.mu.Unlock()

	if state != prev && notify != nil {
		notify(state)
	}
}

// buildEnv merges the inherited environment with backend and per-launch
// overrides. Later sources win.
func buildEnv(layers ...map[string]string) []string {
	merged := make(map[string]string)
	for _, entry := range os.Environ() {
		if k, v, ok := strings.Cut(entry, "="); ok {
			merged[k] = v
		}
	}
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env
}
