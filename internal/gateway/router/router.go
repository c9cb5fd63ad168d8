// Package router turns client requests into RPCs on the owning host socket
// and matches the responses back. Ownership is checked here, once, so the
// REST layer and the socket layer share the same rules.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sesshub/sesshub/internal/gateway/registry"
	"github.com/sesshub/sesshub/internal/hubproto"
)

// DefaultTimeout bounds a routed RPC when the gateway config does not say
// otherwise.
const DefaultTimeout = 30 * time.Second

type waiter struct {
	socketID string
	ch       chan hubproto.RPCResponse
}

// Router correlates outbound RPC frames with rpc:response frames. All
// methods are safe for concurrent use.
type Router struct {
	log     *slog.Logger
	reg     *registry.Registry
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*waiter
}

func New(log *slog.Logger, reg *registry.Registry, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Router{
		log:     log.With("component", "router"),
		reg:     reg,
		timeout: timeout,
		pending: make(map[string]*waiter),
	}
}

// CallSession routes a session-scoped RPC. The session must be advertised
// by a connected host and owned by userID.
func (r *Router) CallSession(ctx context.Context, userID, sessionID, method string, params any) (json.RawMessage, error) {
	route, err := r.sessionRoute(userID, sessionID)
	if err != nil {
		return nil, err
	}
	return r.call(ctx, route, method, params)
}

// CallHost routes a host-scoped RPC. An empty hostID falls back to the
// caller's longest-connected host.
func (r *Router) CallHost(ctx context.Context, userID, hostID, method string, params any) (json.RawMessage, error) {
	route, err := r.hostRoute(userID, hostID)
	if err != nil {
		return nil, err
	}
	return r.call(ctx, route, method, params)
}

// ForwardSession sends a session-scoped RPC without waiting for the
// response. Permission decisions use this: the caller gets ok as soon as
// the frame is on the wire, and the authoritative outcome arrives later as
// a permission_result event.
func (r *Router) ForwardSession(userID, sessionID, method string, params any) error {
	route, err := r.sessionRoute(userID, sessionID)
	if err != nil {
		return err
	}
	frame, _, err := rpcFrame(method, params)
	if err != nil {
		return err
	}
	if err := route.Conn.Send(frame); err != nil {
		return hubproto.InternalError("sending %s to host %s: %v", method, route.HostID, err)
	}
	return nil
}

func (r *Router) sessionRoute(userID, sessionID string) (registry.Route, error) {
	route, ok := r.reg.RouteBySession(sessionID)
	if !ok {
		return registry.Route{}, hubproto.SessionNotFoundError(sessionID)
	}
	if route.UserID != userID {
		return registry.Route{}, hubproto.AuthorizationError("session %s belongs to another user", sessionID)
	}
	return route, nil
}

func (r *Router) hostRoute(userID, hostID string) (registry.Route, error) {
	if hostID == "" {
		route, ok := r.reg.FirstRouteForUser(userID)
		if !ok {
			return registry.Route{}, hubproto.ValidationError("no connected host for this user")
		}
		return route, nil
	}
	route, ok := r.reg.RouteByHost(hostID)
	if !ok {
		return registry.Route{}, hubproto.ValidationError("host %s is not connected", hostID)
	}
	if route.UserID != userID {
		return registry.Route{}, hubproto.AuthorizationError("host %s belongs to another user", hostID)
	}
	return route, nil
}

func (r *Router) call(ctx context.Context, route registry.Route, method string, params any) (json.RawMessage, error) {
	frame, requestID, err := rpcFrame(method, params)
	if err != nil {
		return nil, err
	}

	w := &waiter{socketID: route.SocketID, ch: make(chan hubproto.RPCResponse, 1)}
	r.mu.Lock()
	r.pending[requestID] = w
	r.mu.Unlock()
	defer r.drop(requestID)

	if err := route.Conn.Send(frame); err != nil {
		return nil, hubproto.InternalError("sending %s to host %s: %v", method, route.HostID, err)
	}

	select {
	case resp := <-w.ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-time.After(r.timeout):
		r.log.Warn("rpc timed out", "method", method, "host_id", route.HostID, "request_id", requestID)
		return nil, hubproto.TimeoutError(method)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve delivers an rpc:response read from socketID. Responses that
// arrive after their waiter timed out, or from a socket that was never
// asked, are discarded.
func (r *Router) Resolve(socketID string, resp hubproto.RPCResponse) {
	r.mu.Lock()
	w, ok := r.pending[resp.RequestID]
	if ok && w.socketID == socketID {
		delete(r.pending, resp.RequestID)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		r.log.Debug("discarding unmatched rpc response", "request_id", resp.RequestID)
		return
	}
	w.ch <- resp
}

// Pending reports the number of outstanding waiters.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Router) drop(requestID string) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()
}

func rpcFrame(method string, params any) (hubproto.Frame, string, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return hubproto.Frame{}, "", hubproto.ValidationError("encoding %s params: %v", method, err)
		}
		raw = b
	}
	requestID := uuid.NewString()
	frame, err := hubproto.NewFrame(hubproto.RPCFrameName(method), hubproto.RPCRequest{
		RequestID: requestID,
		Params:    raw,
	})
	return frame, requestID, err
}
