// Package registry indexes the hosts currently connected to the gateway and
// the sessions each one advertises. It is the single source the router and
// REST layer consult to answer "which socket owns this session" and "what
// can this user see".
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sesshub/sesshub/internal/hubproto"
)

// Conn is the send side of one registered host socket. Send must be safe
// for concurrent use; Close tears the socket down.
type Conn interface {
	Send(frame hubproto.Frame) error
	Close() error
}

// HostInfo is the REST-facing view of one connected host.
type HostInfo struct {
	HostID         string                 `json:"hostId"`
	Hostname       string                 `json:"hostname"`
	Version        string                 `json:"version"`
	Backends       []hubproto.BackendInfo `json:"backends"`
	DefaultBackend string                 `json:"defaultBackend,omitempty"`
	ConnectedAt    time.Time              `json:"connectedAt"`
	LastSeen       time.Time              `json:"lastSeen"`
	Sessions       int                    `json:"sessions"`
}

// Route is the ownership-checked view a lookup returns for sending RPCs.
type Route struct {
	SocketID string
	HostID   string
	UserID   string
	Conn     Conn
}

// Change describes one registry mutation. Delta carries the normalized
// session changes; Detached carries synthetic detach notices emitted when a
// host disconnects while owning sessions.
type Change struct {
	HostID   string
	UserID   string
	Delta    hubproto.SessionsChangedPayload
	Detached []hubproto.DetachedPayload
}

type record struct {
	socketID    string
	userID      string
	info        hubproto.RegisterPayload
	conn        Conn
	connectedAt time.Time
	lastSeen    time.Time
	sessions    map[string]hubproto.SessionSummary
}

// Registry tracks connected hosts. All methods are safe for concurrent use.
// Change listeners are invoked synchronously after the mutation commits and
// must not call back into the registry.
type Registry struct {
	log *slog.Logger

	mu        sync.RWMutex
	bySocket  map[string]*record
	byHost    map[string]*record
	byUser    map[string]map[string]*record // userID -> socketID -> record
	listeners []func(Change)
}

func New(log *slog.Logger) *Registry {
	return &Registry{
		log:      log.With("component", "registry"),
		bySocket: make(map[string]*record),
		byHost:   make(map[string]*record),
		byUser:   make(map[string]map[string]*record),
	}
}

// OnChange registers a listener for session-visible mutations. Listeners
// are fixed at assembly time; registering after traffic starts races.
func (r *Registry) OnChange(fn func(Change)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Register records a freshly authenticated host socket. A duplicate hostId
// supersedes the previous registration; the superseded socket is closed and
// its sessions are dropped without synthetic detaches (the host is still
// alive, just rehomed).
func (r *Registry) Register(socketID, userID string, info hubproto.RegisterPayload, conn Conn) {
	var stale Conn

	r.mu.Lock()
	if old, ok := r.byHost[info.HostID]; ok && old.socketID != socketID {
		r.dropLocked(old)
		stale = old.conn
	}
	now := time.Now()
	rec := &record{
		socketID:    socketID,
		userID:      userID,
		info:        info,
		conn:        conn,
		connectedAt: now,
		lastSeen:    now,
		sessions:    make(map[string]hubproto.SessionSummary),
	}
	r.bySocket[socketID] = rec
	r.byHost[info.HostID] = rec
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*record)
	}
	r.byUser[userID][socketID] = rec
	r.mu.Unlock()

	if stale != nil {
		r.log.Info("superseding host registration", "host_id", info.HostID)
		stale.Close()
	}
	r.log.Info("host registered", "host_id", info.HostID, "user_id", userID, "socket_id", socketID)
}

// Unregister removes a socket. Every session the host still owned produces
// a synthetic detached notice and a removed delta so clients drop it.
func (r *Registry) Unregister(socketID string) {
	r.mu.Lock()
	rec, ok := r.bySocket[socketID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.dropLocked(rec)

	change := Change{HostID: rec.info.HostID, UserID: rec.userID}
	now := hubproto.Now()
	for id := range rec.sessions {
		change.Delta.Removed = append(change.Delta.Removed, id)
		change.Detached = append(change.Detached, hubproto.DetachedPayload{
			SessionID:  id,
			HostID:     rec.info.HostID,
			DetachedAt: now,
			Reason:     hubproto.DetachReasonShutdown,
		})
	}
	sort.Strings(change.Delta.Removed)
	sort.Slice(change.Detached, func(i, j int) bool {
		return change.Detached[i].SessionID < change.Detached[j].SessionID
	})
	r.mu.Unlock()

	r.log.Info("host unregistered", "host_id", change.HostID, "sessions", len(change.Delta.Removed))
	if len(change.Delta.Removed) > 0 {
		r.emit(change)
	}
}

// dropLocked removes rec from every index. Caller holds the write lock.
func (r *Registry) dropLocked(rec *record) {
	delete(r.bySocket, rec.socketID)
	if cur, ok := r.byHost[rec.info.HostID]; ok && cur == rec {
		delete(r.byHost, rec.info.HostID)
	}
	if socks, ok := r.byUser[rec.userID]; ok {
		delete(socks, rec.socketID)
		if len(socks) == 0 {
			delete(r.byUser, rec.userID)
		}
	}
}

// Touch refreshes the host's liveness timestamp (heartbeat).
func (r *Registry) Touch(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.bySocket[socketID]; ok {
		rec.lastSeen = time.Now()
	}
}

// UpdateSessions reconciles the cached list against a full snapshot from
// the host. Differences surface as a normalized delta.
func (r *Registry) UpdateSessions(socketID string, sessions []hubproto.SessionSummary) {
	r.mu.Lock()
	rec, ok := r.bySocket[socketID]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.lastSeen = time.Now()

	change := Change{HostID: rec.info.HostID, UserID: rec.userID}
	seen := make(map[string]struct{}, len(sessions))
	for _, sum := range sessions {
		seen[sum.SessionID] = struct{}{}
		prev, known := rec.sessions[sum.SessionID]
		rec.sessions[sum.SessionID] = sum
		switch {
		case !known:
			change.Delta.Added = append(change.Delta.Added, sum)
		case prev.Revision != sum.Revision || prev.UpdatedAt != sum.UpdatedAt ||
			prev.IsAttached != sum.IsAttached || prev.AgentState != sum.AgentState:
			change.Delta.Updated = append(change.Delta.Updated, sum)
		}
	}
	for id := range rec.sessions {
		if _, ok := seen[id]; !ok {
			delete(rec.sessions, id)
			change.Delta.Removed = append(change.Delta.Removed, id)
		}
	}
	sort.Strings(change.Delta.Removed)
	r.mu.Unlock()

	if !change.Delta.Empty() {
		r.emit(change)
	}
}

// ApplyDelta folds a sessions:changed delta from the host into the cache
// and re-emits it unchanged.
func (r *Registry) ApplyDelta(socketID string, delta hubproto.SessionsChangedPayload) {
	r.mu.Lock()
	rec, ok := r.bySocket[socketID]
	if !ok {
		r.mu.Unlock()
		return
	}
	for _, sum := range delta.Added {
		rec.sessions[sum.SessionID] = sum
	}
	for _, sum := range delta.Updated {
		rec.sessions[sum.SessionID] = sum
	}
	for _, id := range delta.Removed {
		delete(rec.sessions, id)
	}
	change := Change{HostID: rec.info.HostID, UserID: rec.userID, Delta: delta}
	r.mu.Unlock()

	if !delta.Empty() {
		r.emit(change)
	}
}

// ApplyDiscovered merges historical sessions surfaced by discovery. Unknown
// sessionIds join the cache as added; on known ones only a backend or title
// change is worth an updated notice. Live state never regresses.
func (r *Registry) ApplyDiscovered(hostID string, payload hubproto.DiscoveredPayload) {
	r.mu.Lock()
	rec, ok := r.byHost[hostID]
	if !ok {
		r.mu.Unlock()
		return
	}

	change := Change{HostID: rec.info.HostID, UserID: rec.userID}
	for _, ds := range payload.Sessions {
		backendID := ds.BackendID
		if backendID == "" {
			backendID = payload.BackendID
		}
		prev, known := rec.sessions[ds.SessionID]
		if !known {
			sum := hubproto.SessionSummary{
				SessionID: ds.SessionID,
				HostID:    rec.info.HostID,
				UserID:    rec.userID,
				BackendID: backendID,
				Title:     ds.Label,
				Cwd:       ds.Cwd,
				UpdatedAt: ds.UpdatedAt,
			}
			rec.sessions[ds.SessionID] = sum
			change.Delta.Added = append(change.Delta.Added, sum)
			continue
		}
		if prev.BackendID != backendID || (ds.Label != "" && prev.Title != ds.Label) {
			prev.BackendID = backendID
			if ds.Label != "" {
				prev.Title = ds.Label
			}
			rec.sessions[ds.SessionID] = prev
			change.Delta.Updated = append(change.Delta.Updated, prev)
		}
	}
	r.mu.Unlock()

	if !change.Delta.Empty() {
		r.emit(change)
	}
}

// RouteBySession locates the socket currently advertising sessionID.
func (r *Registry) RouteBySession(sessionID string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.bySocket {
		if _, ok := rec.sessions[sessionID]; ok {
			return routeOf(rec), true
		}
	}
	return Route{}, false
}

// RouteByHost locates the socket registered for hostID.
func (r *Registry) RouteByHost(hostID string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byHost[hostID]
	if !ok {
		return Route{}, false
	}
	return routeOf(rec), true
}

// FirstRouteForUser returns the user's longest-connected host, used when a
// host-scoped call names no hostId.
func (r *Registry) FirstRouteForUser(userID string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *record
	for _, rec := range r.byUser[userID] {
		switch {
		case best == nil:
			best = rec
		case rec.connectedAt.Before(best.connectedAt):
			best = rec
		case rec.connectedAt.Equal(best.connectedAt) && rec.info.HostID < best.info.HostID:
			best = rec
		}
	}
	if best == nil {
		return Route{}, false
	}
	return routeOf(best), true
}

func routeOf(rec *record) Route {
	return Route{
		SocketID: rec.socketID,
		HostID:   rec.info.HostID,
		UserID:   rec.userID,
		Conn:     rec.conn,
	}
}

// HostsForUser lists the user's connected hosts, oldest connection first.
func (r *Registry) HostsForUser(userID string) []HostInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hosts := make([]HostInfo, 0, len(r.byUser[userID]))
	for _, rec := range r.byUser[userID] {
		hosts = append(hosts, HostInfo{
			HostID:         rec.info.HostID,
			Hostname:       rec.info.Hostname,
			Version:        rec.info.Version,
			Backends:       rec.info.Backends,
			DefaultBackend: rec.info.DefaultBackend,
			ConnectedAt:    rec.connectedAt,
			LastSeen:       rec.lastSeen,
			Sessions:       len(rec.sessions),
		})
	}
	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].ConnectedAt.Equal(hosts[j].ConnectedAt) {
			return hosts[i].HostID < hosts[j].HostID
		}
		return hosts[i].ConnectedAt.Before(hosts[j].ConnectedAt)
	})
	return hosts
}

// SessionsForUser lists every session across the user's hosts, most
// recently updated first.
func (r *Registry) SessionsForUser(userID string) []hubproto.SessionSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sessions []hubproto.SessionSummary
	for _, rec := range r.byUser[userID] {
		for _, sum := range rec.sessions {
			sessions = append(sessions, sum)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].UpdatedAt == sessions[j].UpdatedAt {
			return sessions[i].SessionID < sessions[j].SessionID
		}
		return sessions[i].UpdatedAt > sessions[j].UpdatedAt
	})
	return sessions
}

// UserOfSocket resolves the owning user of a registered socket.
func (r *Registry) UserOfSocket(socketID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.bySocket[socketID]
	if !ok {
		return "", false
	}
	return rec.userID, true
}

func (r *Registry) emit(change Change) {
	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(change)
	}
}
