package supervisor

import (
	"bytes"
	"encoding/json"

	acp "github.com/coder/acp-go-sdk"

	"github.com/sesshub/sesshub/internal/hubproto"
)

// classifyUpdate maps one agent notification onto its event kind. The
// payload is the whole update marshalled as-is, so records keep fields this
// host does not model and clients can render richer shapes than the kind
// implies. Updates with no recognised variant still land in the log as
// unknown_update rather than being dropped.
func classifyUpdate(u acp.SessionUpdate) (hubproto.EventKind, json.RawMessage) {
	payload, err := json.Marshal(u)
	if err != nil {
		payload = json.RawMessage(`{}`)
	}
	switch {
	case u.UserMessageChunk != nil:
		return hubproto.EventUserMessage, payload
	case u.AgentMessageChunk != nil:
		return hubproto.EventAgentMessageChunk, payload
	case u.AgentThoughtChunk != nil:
		return hubproto.EventAgentThoughtChunk, payload
	case u.ToolCall != nil:
		return hubproto.EventToolCall, payload
	case u.ToolCallUpdate != nil:
		return hubproto.EventToolCallUpdate, payload
	case u.Plan != nil:
		return hubproto.EventPlan, payload
	case u.CurrentModeUpdate != nil:
		return hubproto.EventModeModelUpdate, payload
	case u.AvailableCommandsUpdate != nil:
		return hubproto.EventSessionInfoUpdate, payload
	default:
		return hubproto.EventUnknownUpdate, payload
	}
}

// extractMeta pulls the top-level _meta member out of a marshalled update.
// json.RawMessage keeps an explicit null distinguishable from an absent key.
func extractMeta(payload json.RawMessage) (json.RawMessage, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, false
	}
	raw, ok := probe["_meta"]
	return raw, ok
}

// MergeMeta applies one _meta patch to the current session meta. A literal
// null clears everything; a key set to null deletes that key; any other key
// upserts. The second return reports whether the merge changed anything.
func MergeMeta(current map[string]any, patch json.RawMessage) (map[string]any, bool) {
	if isJSONNull(patch) {
		return nil, len(current) > 0
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(patch, &keys); err != nil {
		return current, false
	}
	merged := make(map[string]any, len(current)+len(keys))
	for k, v := range current {
		merged[k] = v
	}
	changed := false
	for k, raw := range keys {
		if isJSONNull(raw) {
			if _, ok := merged[k]; ok {
				delete(merged, k)
				changed = true
			}
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		if prev, ok := merged[k]; !ok || !jsonEqual(prev, v) {
			merged[k] = v
			changed = true
		}
	}
	return merged, changed
}

func isJSONNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func jsonEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// usageFromMeta recognises token accounting in a meta patch. Agents that
// report usage do so under a "usage" key with camelCase token counts.
func usageFromMeta(patch json.RawMessage) (hubproto.UsagePayload, bool) {
	var probe struct {
		Usage *hubproto.UsagePayload `json:"usage"`
	}
	if err := json.Unmarshal(patch, &probe); err != nil || probe.Usage == nil {
		return hubproto.UsagePayload{}, false
	}
	u := *probe.Usage
	if u.InputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0 {
		return hubproto.UsagePayload{}, false
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u, true
}

// permissionToolCall converts the ACP permission request's tool call into
// the wire shape clients render.
func permissionToolCall(req acp.RequestPermissionRequest) *hubproto.PermissionToolCall {
	tc := &hubproto.PermissionToolCall{
		ToolCallID: string(req.ToolCall.ToolCallId),
	}
	if req.ToolCall.Title != nil {
		tc.Title = *req.ToolCall.Title
	}
	if req.ToolCall.Kind != nil {
		tc.Kind = string(*req.ToolCall.Kind)
	}
	if req.ToolCall.RawInput != nil {
		if b, err := json.Marshal(req.ToolCall.RawInput); err == nil {
			tc.RawInput = b
		}
	}
	return tc
}

func permissionOptions(opts []acp.PermissionOption) []hubproto.PermissionOption {
	out := make([]hubproto.PermissionOption, 0, len(opts))
	for _, o := range opts {
		out = append(out, hubproto.PermissionOption{
			OptionID: string(o.OptionId),
			Name:     o.Name,
			Kind:     string(o.Kind),
		})
	}
	return out
}
