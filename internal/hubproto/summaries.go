package hubproto

import "encoding/json"

// AgentState is the lifecycle state of a session's agent connection.
type AgentState string

const (
	AgentStateIdle       AgentState = "idle"
	AgentStateConnecting AgentState = "connecting"
	AgentStateReady      AgentState = "ready"
	AgentStateBusy       AgentState = "busy"
	AgentStateStopped    AgentState = "stopped"
)

// Capabilities advertises what a backend can do beyond driving a live
// session: List enumerates historical sessions, Load resumes one.
type Capabilities struct {
	List bool `json:"list"`
	Load bool `json:"load"`
}

// BackendInfo describes one agent CLI a host can launch.
type BackendInfo struct {
	ID           string       `json:"id"`
	Label        string       `json:"label"`
	Capabilities Capabilities `json:"capabilities"`
}

// ModeInfo is one advertised session mode.
type ModeInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ModelInfo is one advertised model.
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// SessionSummary is the session record as peers see it. WrappedDEK is an
// opaque per-session key blob: the host stores and returns it, the gateway
// transports it, nobody in the core reads it.
type SessionSummary struct {
	SessionID       string         `json:"sessionId"`
	HostID          string         `json:"hostId"`
	UserID          string         `json:"userId,omitempty"`
	BackendID       string         `json:"backendId"`
	Title           string         `json:"title,omitempty"`
	Cwd             string         `json:"cwd"`
	CreatedAt       string         `json:"createdAt"`
	UpdatedAt       string         `json:"updatedAt"`
	Revision        int64          `json:"revision"`
	AgentState      AgentState     `json:"agentState"`
	ModeID          string         `json:"modeId,omitempty"`
	ModelID         string         `json:"modelId,omitempty"`
	AvailableModes  []ModeInfo     `json:"availableModes,omitempty"`
	AvailableModels []ModelInfo    `json:"availableModels,omitempty"`
	IsAttached      bool           `json:"isAttached"`
	Meta            map[string]any `json:"meta,omitempty"`
	WrappedDEK      []byte         `json:"wrappedDek,omitempty"`
}

// RegisterPayload opens a host uplink after the API key is accepted.
type RegisterPayload struct {
	HostID         string        `json:"hostId"`
	Hostname       string        `json:"hostname"`
	Version        string        `json:"version"`
	Backends       []BackendInfo `json:"backends"`
	DefaultBackend string        `json:"defaultBackend,omitempty"`
}

// RegisteredPayload confirms a host registration.
type RegisteredPayload struct {
	HostID string `json:"hostId"`
	UserID string `json:"userId"`
}

// CLIErrorPayload tells a host why the gateway is about to drop it.
type CLIErrorPayload struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// SessionsChangedPayload is the incremental form of sessions:list. Removed
// carries session ids only.
type SessionsChangedPayload struct {
	Added   []SessionSummary `json:"added,omitempty"`
	Updated []SessionSummary `json:"updated,omitempty"`
	Removed []string         `json:"removed,omitempty"`
}

// Empty reports whether the delta carries no changes.
func (p SessionsChangedPayload) Empty() bool {
	return len(p.Added) == 0 && len(p.Updated) == 0 && len(p.Removed) == 0
}

// DiscoveredSession is a historical session a backend knows about but which
// is not currently loaded.
type DiscoveredSession struct {
	SessionID string `json:"sessionId"`
	BackendID string `json:"backendId"`
	Label     string `json:"label,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// DiscoveredPayload is one page of historical sessions.
type DiscoveredPayload struct {
	Sessions     []DiscoveredSession `json:"sessions"`
	Capabilities Capabilities        `json:"capabilities"`
	NextCursor   string              `json:"nextCursor,omitempty"`
	BackendID    string              `json:"backendId"`
	BackendLabel string              `json:"backendLabel,omitempty"`
}

// AttachedPayload announces a live subprocess bound to a session.
type AttachedPayload struct {
	SessionID  string `json:"sessionId"`
	HostID     string `json:"hostId"`
	AttachedAt string `json:"attachedAt"`
}

// DetachedPayload announces the end of a session's live subprocess.
type DetachedPayload struct {
	SessionID  string `json:"sessionId"`
	HostID     string `json:"hostId"`
	DetachedAt string `json:"detachedAt"`
	Reason     string `json:"reason,omitempty"`
}

// Detach reasons.
const (
	DetachReasonClosed    = "closed"
	DetachReasonAgentExit = "agent_exit"
	DetachReasonShutdown  = "shutdown"
)

// AckPayload acknowledges delivery of all events with seq ≤ UpToSeq.
type AckPayload struct {
	SessionID string `json:"sessionId"`
	Revision  int64  `json:"revision"`
	UpToSeq   int64  `json:"upToSeq"`
}

// PermissionOption is one choice offered to the user.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"`
}

// PermissionToolCall describes the tool invocation awaiting approval.
type PermissionToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

// PermissionRequestPayload travels H→G→client while the agent blocks.
type PermissionRequestPayload struct {
	SessionID string              `json:"sessionId"`
	HostID    string              `json:"hostId,omitempty"`
	RequestID string              `json:"requestId"`
	ToolCall  *PermissionToolCall `json:"toolCall,omitempty"`
	Options   []PermissionOption  `json:"options"`
	CreatedAt string              `json:"createdAt,omitempty"`
}

// Permission outcomes.
const (
	PermissionOutcomeSelected  = "selected"
	PermissionOutcomeCancelled = "cancelled"
)

// PermissionResultPayload records how a permission request resolved.
type PermissionResultPayload struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Outcome   string `json:"outcome"`
	OptionID  string `json:"optionId,omitempty"`
}
