package hubproto

import (
	"encoding/json"
	"time"
)

// TimeFormat is the timestamp layout used on the wire and in the event log.
// Millisecond precision, always UTC.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the wire timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Now returns the current time in the wire timestamp layout.
func Now() string {
	return FormatTime(time.Now())
}

// EventKind classifies a session event record. The set is closed at the
// core: consumers match over the constants below and route anything else to
// EventUnknownUpdate. It is open at the edge: records round-trip through
// serialization with whatever kind string they carry.
type EventKind string

const (
	EventUserMessage       EventKind = "user_message"
	EventAgentMessageChunk EventKind = "agent_message_chunk"
	EventAgentThoughtChunk EventKind = "agent_thought_chunk"
	EventToolCall          EventKind = "tool_call"
	EventToolCallUpdate    EventKind = "tool_call_update"
	EventSessionInfoUpdate EventKind = "session_info_update"
	EventModeModelUpdate   EventKind = "mode_model_update"
	EventPlan              EventKind = "plan"
	EventUsage             EventKind = "usage"
	EventTerminalOutput    EventKind = "terminal_output"
	EventPermissionRequest EventKind = "permission_request"
	EventPermissionResult  EventKind = "permission_result"
	EventSessionError      EventKind = "session_error"
	EventTurnEnd           EventKind = "turn_end"
	EventUnknownUpdate     EventKind = "unknown_update"
)

// KnownEventKind reports whether k belongs to the closed kind set.
func KnownEventKind(k EventKind) bool {
	switch k {
	case EventUserMessage, EventAgentMessageChunk, EventAgentThoughtChunk,
		EventToolCall, EventToolCallUpdate, EventSessionInfoUpdate,
		EventModeModelUpdate, EventPlan, EventUsage, EventTerminalOutput,
		EventPermissionRequest, EventPermissionResult, EventSessionError,
		EventTurnEnd, EventUnknownUpdate:
		return true
	}
	return false
}

// SessionEvent is one immutable record of a session's event log. Seq is
// strictly increasing within (SessionID, Revision); Revision increases each
// time the session is reloaded on historical content. Payload is opaque to
// every layer except the client that renders it.
type SessionEvent struct {
	SessionID string          `json:"sessionId"`
	HostID    string          `json:"hostId"`
	Revision  int64           `json:"revision"`
	Seq       int64           `json:"seq"`
	Kind      EventKind       `json:"kind"`
	CreatedAt string          `json:"createdAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// UserMessagePayload is the synthesized record of one outbound prompt. The
// blocks stay raw so new content types pass through untouched.
type UserMessagePayload struct {
	Content []json.RawMessage `json:"content"`
}

// TurnEndPayload closes one prompt turn.
type TurnEndPayload struct {
	StopReason string `json:"stopReason"`
}

// SessionErrorPayload is appended when a session dies outside a clean close.
type SessionErrorPayload struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// UsagePayload carries token accounting reported by the agent.
type UsagePayload struct {
	InputTokens  int64 `json:"inputTokens,omitempty"`
	OutputTokens int64 `json:"outputTokens,omitempty"`
	TotalTokens  int64 `json:"totalTokens,omitempty"`
}

// TerminalOutputPayload is one chunk of terminal output, base64-free: Data
// is UTF-8 text with invalid bytes replaced.
type TerminalOutputPayload struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
	ExitCode   *int   `json:"exitCode,omitempty"`
}

// ModeModelUpdatePayload records a mode or model change together with the
// advertised sets current at that moment.
type ModeModelUpdatePayload struct {
	ModeID          string      `json:"modeId,omitempty"`
	ModelID         string      `json:"modelId,omitempty"`
	AvailableModes  []ModeInfo  `json:"availableModes,omitempty"`
	AvailableModels []ModelInfo `json:"availableModels,omitempty"`
}
