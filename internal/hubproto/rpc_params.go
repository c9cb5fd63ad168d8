package hubproto

import "encoding/json"

// Parameter and result shapes for the RPC methods in the frame table. The
// gateway marshals params, the host decodes them, and vice versa for
// results; both sides share these types.

type CreateSessionParams struct {
	HostID     string          `json:"hostId,omitempty"`
	BackendID  string          `json:"backendId,omitempty"`
	Cwd        string          `json:"cwd"`
	Title      string          `json:"title,omitempty"`
	Meta       map[string]any  `json:"meta,omitempty"`
	WrappedDEK []byte          `json:"wrappedDek,omitempty"`
	McpServers json.RawMessage `json:"mcpServers,omitempty"`
}

type CreateSessionResult struct {
	Session SessionSummary `json:"session"`
}

type SessionRefParams struct {
	SessionID string `json:"sessionId"`
}

type LoadSessionParams struct {
	SessionID string `json:"sessionId"`
	HostID    string `json:"hostId,omitempty"`
	BackendID string `json:"backendId,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	Title     string `json:"title,omitempty"`
}

type SetModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

type SetModelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

// SendMessageParams carries the prompt as raw content blocks so new block
// types pass through the gateway untouched.
type SendMessageParams struct {
	SessionID string            `json:"sessionId"`
	Prompt    []json.RawMessage `json:"prompt"`
}

type SendMessageResult struct {
	SessionID string `json:"sessionId"`
	Revision  int64  `json:"revision"`
	Seq       int64  `json:"seq"`
}

type PermissionDecisionParams struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	OptionID  string `json:"optionId,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

type PermissionDecisionResult struct {
	Delivered bool `json:"delivered"`
}

type DiscoverParams struct {
	BackendID string `json:"backendId,omitempty"`
	Cursor    string `json:"cursor,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type SessionEventsParams struct {
	SessionID string `json:"sessionId"`
	Revision  int64  `json:"revision"`
	AfterSeq  int64  `json:"afterSeq"`
	Limit     int    `json:"limit,omitempty"`
}

type SessionEventsResult struct {
	Events  []SessionEvent `json:"events"`
	HasMore bool           `json:"hasMore"`
}

// FsRootsParams addresses a session's browsable roots; HostID-scoped
// variants (hostfs:*) omit SessionID.
type FsRootsParams struct {
	SessionID string `json:"sessionId,omitempty"`
}

type FsRoot struct {
	Path  string `json:"path"`
	Label string `json:"label,omitempty"`
}

type FsRootsResult struct {
	Roots []FsRoot `json:"roots"`
}

type FsEntriesParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Path      string `json:"path"`
}

type FsEntry struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	IsDir   bool   `json:"isDir"`
	Size    int64  `json:"size"`
	ModTime string `json:"modTime,omitempty"`
}

type FsEntriesResult struct {
	Path    string    `json:"path"`
	Entries []FsEntry `json:"entries"`
}

type FsFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	MaxBytes  int64  `json:"maxBytes,omitempty"`
}

type FsFileResult struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated"`
	Binary    bool   `json:"binary"`
}

// FsResource is a well-known project file surfaced to clients (readme,
// package manifests, agent instructions).
type FsResource struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Kind string `json:"kind"`
}

type FsResourcesResult struct {
	Resources []FsResource `json:"resources"`
}

type GitParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type GitFileStatus struct {
	Path     string `json:"path"`
	Staging  string `json:"staging"`
	Worktree string `json:"worktree"`
}

type GitStatusResult struct {
	Branch string          `json:"branch"`
	Clean  bool            `json:"clean"`
	Files  []GitFileStatus `json:"files"`
}

type GitFileDiffResult struct {
	Path   string `json:"path"`
	Diff   string `json:"diff"`
	Binary bool   `json:"binary"`
}

type GitBranch struct {
	Name    string `json:"name"`
	Current bool   `json:"current"`
}

type GitBranchesResult struct {
	Branches []GitBranch `json:"branches"`
}

type GitLogEntry struct {
	Hash    string `json:"hash"`
	Author  string `json:"author"`
	When    string `json:"when"`
	Message string `json:"message"`
}

type GitLogResult struct {
	Entries []GitLogEntry `json:"entries"`
}
