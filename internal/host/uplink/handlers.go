package uplink

import (
	"context"
	"encoding/json"

	"github.com/sesshub/sesshub/internal/hubproto"
)

type rpcHandler func(ctx context.Context, params json.RawMessage) (any, error)

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return hubproto.ValidationError("missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return hubproto.ValidationError("malformed params: %v", err)
	}
	return nil
}

// handlerTable maps every RPC method the gateway may send to its supervisor
// call. Handlers run concurrently; responses serialize through the wire.
func (u *Uplink) handlerTable() map[string]rpcHandler {
	return map[string]rpcHandler{
		hubproto.MethodSessionCreate: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p hubproto.CreateSessionParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			sum, err := u.sup.Create(ctx, p)
			if err != nil {
				return nil, err
			}
			return hubproto.CreateSessionResult{Session: sum}, nil
		},
		hubproto.MethodSessionLoad: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p hubproto.LoadSessionParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			sum, err := u.sup.Load(ctx, p)
			if err != nil {
				return nil, err
			}
			return hubproto.CreateSessionResult{Session: sum}, nil
		},
		hubproto.MethodSessionReload: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p hubproto.SessionRefParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			sum, err := u.sup.Reload(ctx, p.SessionID)
			if err != nil {
				return nil, err
			}
			return hubproto.CreateSessionResult{Session: sum}, nil
		},
		hubproto.MethodSessionClose: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p hubproto.SessionRefParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			if err := u.sup.Close(ctx, p.SessionID); err != nil {
				return nil, err
			}
			return struct{}{}, nil
		},
		hubproto.MethodSessionCancel: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p hubproto.SessionRefParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			if err := u.sup.Cancel(ctx, p.SessionID); err != nil {
				return nil, err
			}
			return struct{}{}, nil
		},
		hubproto.MethodSessionMode: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p hubproto.SetModeParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			sum, err := u.sup.SetMode(ctx, p)
			if err != nil {
				return nil, err
			}
			return hubproto.CreateSessionResult{Session: sum}, nil
		},
		hubproto.MethodSessionModel: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p hubproto.SetModelParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			sum, err := u.sup.SetModel(ctx, p)
			if err != nil {
				return nil, err
			}
			return hubproto.CreateSessionResult{Session: sum}, nil
		},
		hubproto.MethodMessageSend: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p hubproto.SendMessageParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return u.sup.SendMessage(ctx, p)
		},
		hubproto.MethodPermissionDecision: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p hubproto.PermissionDecisionParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return u.sup.ResolvePermission(ctx, p)
		},
		hubproto.MethodSessionsDiscover: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p hubproto.DiscoverParams
			if len(raw) > 0 {
				if err := decodeParams(raw, &p); err != nil {
					return nil, err
				}
			}
			return u.sup.Discover(ctx, p)
		},
		hubproto.MethodSessionEvents: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p hubproto.SessionEventsParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return u.sup.QueryEvents(ctx, p)
		},
		hubproto.MethodFsRoots: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p hubproto.FsRootsParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return u.sup.FsRoots(ctx, p.SessionID)
		},
		hubproto.MethodFsEntries: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p hubproto.FsEntriesParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return u.sup.FsEntries(ctx, p.SessionID, p.Path)
		},
		hubproto.MethodFsFile: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p hubproto.FsFileParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return u.sup.FsFile(ctx, p)
		},
		hubproto.MethodFsResources: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p hubproto.FsRootsParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return u.sup.FsResources(ctx, p.SessionID)
		},
		hubproto.MethodHostFsRoots: func(context.Context, json.RawMessage) (any, error) {
			return u.sup.HostFsRoots(), nil
		},
		hubproto.MethodHostFsEntries: func(_ context.Context, raw json.RawMessage) (any, error) {
			var p hubproto.FsEntriesParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return u.sup.HostFsEntries(p.Path)
		},
		hubproto.MethodGitStatus: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p hubproto.GitParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return u.sup.GitStatus(ctx, p)
		},
		hubproto.MethodGitFileDiff: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p hubproto.GitParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return u.sup.GitFileDiff(ctx, p)
		},
		hubproto.MethodGitBranches: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p hubproto.GitParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return u.sup.GitBranches(ctx, p)
		},
		hubproto.MethodGitLog: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p hubproto.GitParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return u.sup.GitLog(ctx, p)
		},
	}
}
