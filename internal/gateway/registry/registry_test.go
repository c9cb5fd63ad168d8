package registry

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sesshub/sesshub/internal/hubproto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConn struct {
	mu     sync.Mutex
	sent   []hubproto.Frame
	closed bool
}

func (c *fakeConn) Send(frame hubproto.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func summary(sessionID, hostID string) hubproto.SessionSummary {
	return hubproto.SessionSummary{
		SessionID: sessionID,
		HostID:    hostID,
		UserID:    "u1",
		BackendID: "claude",
		UpdatedAt: hubproto.Now(),
	}
}

func register(r *Registry, socketID, hostID, userID string) *fakeConn {
	conn := &fakeConn{}
	r.Register(socketID, userID, hubproto.RegisterPayload{
		HostID:   hostID,
		Hostname: hostID + ".local",
		Version:  "0.1.0",
		Backends: []hubproto.BackendInfo{{ID: "claude", Label: "Claude"}},
	}, conn)
	return conn
}

func collect(r *Registry) *[]Change {
	changes := &[]Change{}
	var mu sync.Mutex
	r.OnChange(func(c Change) {
		mu.Lock()
		defer mu.Unlock()
		*changes = append(*changes, c)
	})
	return changes
}

func TestRegisterAndLookup(t *testing.T) {
	r := New(testLogger())
	register(r, "sock-1", "host-1", "u1")

	route, ok := r.RouteByHost("host-1")
	require.True(t, ok)
	assert.Equal(t, "sock-1", route.SocketID)
	assert.Equal(t, "u1", route.UserID)

	_, ok = r.RouteByHost("host-2")
	assert.False(t, ok)

	userID, ok := r.UserOfSocket("sock-1")
	require.True(t, ok)
	assert.Equal(t, "u1", userID)

	hosts := r.HostsForUser("u1")
	require.Len(t, hosts, 1)
	assert.Equal(t, "host-1", hosts[0].HostID)
	assert.Equal(t, "host-1.local", hosts[0].Hostname)
	assert.Empty(t, r.HostsForUser("u2"))
}

func TestDuplicateHostSupersedes(t *testing.T) {
	r := New(testLogger())
	old := register(r, "sock-1", "host-1", "u1")
	r.UpdateSessions("sock-1", []hubproto.SessionSummary{summary("s1", "host-1")})

	register(r, "sock-2", "host-1", "u1")
	assert.True(t, old.isClosed())

	route, ok := r.RouteByHost("host-1")
	require.True(t, ok)
	assert.Equal(t, "sock-2", route.SocketID)

	// The stale socket's cache went with it; no session survives the swap.
	_, ok = r.RouteBySession("s1")
	assert.False(t, ok)

	// A late unregister from the superseded socket must not evict the new one.
	r.Unregister("sock-1")
	_, ok = r.RouteByHost("host-1")
	assert.True(t, ok)
}

func TestUpdateSessionsEmitsDiff(t *testing.T) {
	r := New(testLogger())
	register(r, "sock-1", "host-1", "u1")
	changes := collect(r)

	s1 := summary("s1", "host-1")
	s2 := summary("s2", "host-1")
	r.UpdateSessions("sock-1", []hubproto.SessionSummary{s1, s2})

	require.Len(t, *changes, 1)
	assert.Len(t, (*changes)[0].Delta.Added, 2)
	assert.Empty(t, (*changes)[0].Delta.Removed)

	// Same snapshot again: no change, no emission.
	r.UpdateSessions("sock-1", []hubproto.SessionSummary{s1, s2})
	assert.Len(t, *changes, 1)

	// s1 advances a revision, s2 disappears.
	s1.Revision = 1
	r.UpdateSessions("sock-1", []hubproto.SessionSummary{s1})
	require.Len(t, *changes, 2)
	delta := (*changes)[1].Delta
	require.Len(t, delta.Updated, 1)
	assert.Equal(t, int64(1), delta.Updated[0].Revision)
	assert.Equal(t, []string{"s2"}, delta.Removed)

	sessions := r.SessionsForUser("u1")
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)
}

func TestApplyDeltaPassesThrough(t *testing.T) {
	r := New(testLogger())
	register(r, "sock-1", "host-1", "u1")
	changes := collect(r)

	s1 := summary("s1", "host-1")
	r.ApplyDelta("sock-1", hubproto.SessionsChangedPayload{Added: []hubproto.SessionSummary{s1}})
	require.Len(t, *changes, 1)
	require.Len(t, (*changes)[0].Delta.Added, 1)

	route, ok := r.RouteBySession("s1")
	require.True(t, ok)
	assert.Equal(t, "host-1", route.HostID)

	r.ApplyDelta("sock-1", hubproto.SessionsChangedPayload{Removed: []string{"s1"}})
	_, ok = r.RouteBySession("s1")
	assert.False(t, ok)

	// Empty deltas never reach listeners.
	r.ApplyDelta("sock-1", hubproto.SessionsChangedPayload{})
	assert.Len(t, *changes, 2)
}

func TestApplyDiscoveredDedup(t *testing.T) {
	r := New(testLogger())
	register(r, "sock-1", "host-1", "u1")
	changes := collect(r)

	payload := hubproto.DiscoveredPayload{
		BackendID:    "claude",
		BackendLabel: "Claude",
		Sessions: []hubproto.DiscoveredSession{
			{SessionID: "old-1", Label: "fix auth", Cwd: "/work/app", UpdatedAt: hubproto.Now()},
		},
	}
	r.ApplyDiscovered("host-1", payload)
	require.Len(t, *changes, 1)
	added := (*changes)[0].Delta.Added
	require.Len(t, added, 1)
	assert.Equal(t, "old-1", added[0].SessionID)
	assert.Equal(t, "claude", added[0].BackendID)
	assert.Equal(t, "fix auth", added[0].Title)
	assert.Equal(t, "u1", added[0].UserID)
	assert.False(t, added[0].IsAttached)

	// Same discovery again: already known, nothing changed, nothing emitted.
	r.ApplyDiscovered("host-1", payload)
	assert.Len(t, *changes, 1)

	// A label change on a known discovered session is updated, never added.
	payload.Sessions[0].Label = "fix auth flow"
	r.ApplyDiscovered("host-1", payload)
	require.Len(t, *changes, 2)
	assert.Empty(t, (*changes)[1].Delta.Added)
	require.Len(t, (*changes)[1].Delta.Updated, 1)
	assert.Equal(t, "fix auth flow", (*changes)[1].Delta.Updated[0].Title)
}

func TestUnregisterEmitsSyntheticDetach(t *testing.T) {
	r := New(testLogger())
	register(r, "sock-1", "host-1", "u1")
	r.UpdateSessions("sock-1", []hubproto.SessionSummary{
		summary("s1", "host-1"),
		summary("s2", "host-1"),
	})
	changes := collect(r)

	r.Unregister("sock-1")
	require.Len(t, *changes, 1)
	change := (*changes)[0]
	assert.Equal(t, "host-1", change.HostID)
	assert.Equal(t, "u1", change.UserID)
	assert.Equal(t, []string{"s1", "s2"}, change.Delta.Removed)
	require.Len(t, change.Detached, 2)
	assert.Equal(t, "s1", change.Detached[0].SessionID)
	assert.Equal(t, hubproto.DetachReasonShutdown, change.Detached[0].Reason)

	_, ok := r.RouteByHost("host-1")
	assert.False(t, ok)
	assert.Empty(t, r.SessionsForUser("u1"))

	// Double unregister is a no-op.
	r.Unregister("sock-1")
	assert.Len(t, *changes, 1)
}

func TestFirstRouteForUser(t *testing.T) {
	r := New(testLogger())
	_, ok := r.FirstRouteForUser("u1")
	assert.False(t, ok)

	register(r, "sock-1", "host-1", "u1")
	register(r, "sock-2", "host-2", "u1")
	register(r, "sock-3", "host-3", "u2")

	route, ok := r.FirstRouteForUser("u1")
	require.True(t, ok)
	assert.Equal(t, "host-1", route.HostID)

	// The oldest connection wins; dropping it promotes the next.
	r.Unregister("sock-1")
	route, ok = r.FirstRouteForUser("u1")
	require.True(t, ok)
	assert.Equal(t, "host-2", route.HostID)

	route, ok = r.FirstRouteForUser("u2")
	require.True(t, ok)
	assert.Equal(t, "host-3", route.HostID)
}

func TestSessionsForUserSpansHosts(t *testing.T) {
	r := New(testLogger())
	register(r, "sock-1", "host-1", "u1")
	register(r, "sock-2", "host-2", "u1")

	a := summary("s1", "host-1")
	a.UpdatedAt = "2026-08-25T10:00:00Z"
	b := summary("s2", "host-2")
	b.UpdatedAt = "2026-08-25T12:00:00Z"
	r.UpdateSessions("sock-1", []hubproto.SessionSummary{a})
	r.UpdateSessions("sock-2", []hubproto.SessionSummary{b})

	sessions := r.SessionsForUser("u1")
	require.Len(t, sessions, 2)
	assert.Equal(t, "s2", sessions[0].SessionID)
	assert.Equal(t, "s1", sessions[1].SessionID)
}
