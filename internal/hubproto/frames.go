package hubproto

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Frame is the unit every socket exchanges: an event name plus a JSON
// payload. Unknown event names are dropped by receivers, never fatal.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame builds a frame with the payload marshalled in place.
func NewFrame(event string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	return Frame{Event: event, Payload: raw}, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Event)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", f.Event, err)
	}
	return nil
}

// Frame event names. Direction is relative to the gateway: H→G frames
// originate on the host, G→H frames on the gateway.
const (
	FrameRegister           = "register"            // H→G
	FrameHeartbeat          = "heartbeat"           // H→G
	FrameSessionsList       = "sessions:list"       // H→G full snapshot
	FrameSessionsChanged    = "sessions:changed"    // H→G delta
	FrameSessionsDiscovered = "sessions:discovered" // H→G
	FrameSessionAttached    = "session:attached"    // H→G
	FrameSessionDetached    = "session:detached"    // H→G
	FrameSessionEvent       = "session:event"       // H→G
	FramePermissionRequest  = "permission:request"  // H→G
	FramePermissionResult   = "permission:result"   // H→G
	FrameRPCResponse        = "rpc:response"        // H→G
	FrameEventsAck          = "events:ack"          // G→H
	FrameCLIRegistered      = "cli:registered"      // G→H
	FrameCLIError           = "cli:error"           // G→H
)

// RPC method names. Requests travel G→H as frames named "rpc:<method>".
const (
	MethodSessionCreate      = "session:create"
	MethodSessionClose       = "session:close"
	MethodSessionCancel      = "session:cancel"
	MethodSessionMode        = "session:mode"
	MethodSessionModel       = "session:model"
	MethodMessageSend        = "message:send"
	MethodPermissionDecision = "permission:decision"
	MethodSessionsDiscover   = "sessions:discover"
	MethodSessionLoad        = "session:load"
	MethodSessionReload      = "session:reload"
	MethodSessionEvents      = "session:events"
	MethodFsRoots            = "fs:roots"
	MethodFsEntries          = "fs:entries"
	MethodFsFile             = "fs:file"
	MethodFsResources        = "fs:resources"
	MethodHostFsRoots        = "hostfs:roots"
	MethodHostFsEntries      = "hostfs:entries"
	MethodGitStatus          = "git:status"
	MethodGitFileDiff        = "git:fileDiff"
	MethodGitBranches        = "git:branches"
	MethodGitLog             = "git:log"
)

const rpcPrefix = "rpc:"

// RPCFrameName returns the frame event name carrying a request for method.
func RPCFrameName(method string) string {
	return rpcPrefix + method
}

// RPCMethod extracts the method from an rpc:<method> frame name. The
// rpc:response frame is not a request and reports false.
func RPCMethod(event string) (string, bool) {
	if event == FrameRPCResponse || !strings.HasPrefix(event, rpcPrefix) {
		return "", false
	}
	return strings.TrimPrefix(event, rpcPrefix), true
}

// RPCRequest is the payload of every rpc:<method> frame.
type RPCRequest struct {
	RequestID string          `json:"requestId"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is the payload of rpc:response frames. Exactly one of Result
// and Error is set.
type RPCResponse struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// NewRPCResult builds a success response with the result marshalled in place.
func NewRPCResult(requestID string, result any) (RPCResponse, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return RPCResponse{}, fmt.Errorf("encoding rpc result: %w", err)
	}
	return RPCResponse{RequestID: requestID, Result: raw}, nil
}

// NewRPCError builds a failure response from a tagged or untagged error.
func NewRPCError(requestID string, err error) RPCResponse {
	return RPCResponse{RequestID: requestID, Error: AsError(err)}
}
