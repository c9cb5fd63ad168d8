package rest

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sesshub/sesshub/internal/gateway/auth"
	"github.com/sesshub/sesshub/internal/gateway/registry"
	"github.com/sesshub/sesshub/internal/gateway/router"
	"github.com/sesshub/sesshub/internal/hubproto"
	"github.com/sesshub/sesshub/internal/identity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordedRPC struct {
	Method string
	Params json.RawMessage
}

// scriptedHost stands in for a connected daemon socket. RPC frames are
// answered inline through the router's Resolve path.
type scriptedHost struct {
	rt       *router.Router
	socketID string

	mu       sync.Mutex
	handlers map[string]func(params json.RawMessage) (any, error)
	requests []recordedRPC
}

func (c *scriptedHost) Send(frame hubproto.Frame) error {
	method, ok := hubproto.RPCMethod(frame.Event)
	if !ok {
		return nil
	}
	var req hubproto.RPCRequest
	if err := frame.Decode(&req); err != nil {
		return err
	}
	c.mu.Lock()
	c.requests = append(c.requests, recordedRPC{Method: method, Params: req.Params})
	handler := c.handlers[method]
	c.mu.Unlock()

	var resp hubproto.RPCResponse
	if handler == nil {
		resp = hubproto.NewRPCError(req.RequestID, hubproto.CapabilityNotSupported(method))
	} else if result, err := handler(req.Params); err != nil {
		resp = hubproto.NewRPCError(req.RequestID, err)
	} else {
		resp, err = hubproto.NewRPCResult(req.RequestID, result)
		if err != nil {
			return err
		}
	}
	c.rt.Resolve(c.socketID, resp)
	return nil
}

func (c *scriptedHost) Close() error { return nil }

func (c *scriptedHost) handle(method string, fn func(params json.RawMessage) (any, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = fn
}

func (c *scriptedHost) lastParams(t *testing.T, method string) json.RawMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.requests) - 1; i >= 0; i-- {
		if c.requests[i].Method == method {
			return c.requests[i].Params
		}
	}
	t.Fatalf("no recorded rpc for %s", method)
	return nil
}

func (c *scriptedHost) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

type fixture struct {
	reg  *registry.Registry
	rt   *router.Router
	host *scriptedHost
	srv  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New(testLogger())
	rt := router.New(testLogger(), reg, time.Second)
	host := &scriptedHost{
		rt:       rt,
		socketID: "sock-1",
		handlers: map[string]func(json.RawMessage) (any, error){},
	}
	reg.Register("sock-1", "u1", hubproto.RegisterPayload{
		HostID:   "host-1",
		Hostname: "laptop",
		Backends: []hubproto.BackendInfo{{ID: "claude", Label: "Claude"}},
	}, host)
	reg.ApplyDelta("sock-1", hubproto.SessionsChangedPayload{
		Added: []hubproto.SessionSummary{{
			SessionID: "s1",
			HostID:    "host-1",
			UserID:    "u1",
			BackendID: "claude",
			UpdatedAt: hubproto.Now(),
		}},
	})

	provider := identity.NewStaticProvider(nil, []identity.StaticToken{
		{Token: "tok-1", UserID: "u1"},
		{Token: "tok-2", UserID: "u2"},
	})
	mux := chi.NewRouter()
	mux.Route("/api", func(api chi.Router) {
		api.Use(auth.RequireUser(provider))
		api.Mount("/", Router(testLogger(), reg, rt))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{reg: reg, rt: rt, host: host, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func requireErrorCode(t *testing.T, resp *http.Response, status int, code hubproto.Code) {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)
	var envelope hubproto.ErrorEnvelope
	decodeInto(t, resp, &envelope)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, code, envelope.Error.Code)
}

func TestListEndpoints(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/hosts", "tok-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hosts hostListResponse
	decodeInto(t, resp, &hosts)
	require.Len(t, hosts.Hosts, 1)
	assert.Equal(t, "host-1", hosts.Hosts[0].HostID)
	assert.Equal(t, "laptop", hosts.Hosts[0].Hostname)
	assert.Equal(t, 1, hosts.Hosts[0].Sessions)

	resp = f.do(t, http.MethodGet, "/api/sessions", "tok-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sessions sessionListResponse
	decodeInto(t, resp, &sessions)
	require.Len(t, sessions.Sessions, 1)
	assert.Equal(t, "s1", sessions.Sessions[0].SessionID)

	// A different user sees nothing.
	resp = f.do(t, http.MethodGet, "/api/sessions", "tok-2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var other sessionListResponse
	decodeInto(t, resp, &other)
	assert.Empty(t, other.Sessions)
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/hosts", "", nil)
	requireErrorCode(t, resp, http.StatusUnauthorized, hubproto.CodeAuthRequired)
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)
	f.host.handle(hubproto.MethodSessionCreate, func(raw json.RawMessage) (any, error) {
		var p hubproto.CreateSessionParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return hubproto.CreateSessionResult{Session: hubproto.SessionSummary{
			SessionID: "s2",
			HostID:    "host-1",
			BackendID: p.BackendID,
			Cwd:       p.Cwd,
		}}, nil
	})

	resp := f.do(t, http.MethodPost, "/api/sessions", "tok-1",
		hubproto.CreateSessionParams{BackendID: "claude", Cwd: "/work/repo"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var result hubproto.CreateSessionResult
	decodeInto(t, resp, &result)
	assert.Equal(t, "s2", result.Session.SessionID)
	assert.Equal(t, "/work/repo", result.Session.Cwd)

	var sent hubproto.CreateSessionParams
	require.NoError(t, json.Unmarshal(f.host.lastParams(t, hubproto.MethodSessionCreate), &sent))
	assert.Equal(t, "claude", sent.BackendID)
}

func TestCreateWithUnknownHostID(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/api/sessions", "tok-1",
		hubproto.CreateSessionParams{HostID: "nope"})
	requireErrorCode(t, resp, http.StatusBadRequest, hubproto.CodeRequestValidationFailed)
	assert.Zero(t, f.host.callCount())
}

func TestSendMessageOverridesBodySessionID(t *testing.T) {
	f := newFixture(t)
	f.host.handle(hubproto.MethodMessageSend, func(raw json.RawMessage) (any, error) {
		return hubproto.SendMessageResult{SessionID: "s1", Revision: 1, Seq: 3}, nil
	})

	resp := f.do(t, http.MethodPost, "/api/sessions/s1/message", "tok-1",
		map[string]any{"sessionId": "spoofed", "prompt": []map[string]any{{"type": "text", "text": "hi"}}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result hubproto.SendMessageResult
	decodeInto(t, resp, &result)
	assert.Equal(t, int64(3), result.Seq)

	var sent hubproto.SendMessageParams
	require.NoError(t, json.Unmarshal(f.host.lastParams(t, hubproto.MethodMessageSend), &sent))
	assert.Equal(t, "s1", sent.SessionID)
	require.Len(t, sent.Prompt, 1)
}

func TestCloseSessionNoContent(t *testing.T) {
	f := newFixture(t)
	f.host.handle(hubproto.MethodSessionClose, func(json.RawMessage) (any, error) {
		return struct{}{}, nil
	})

	resp := f.do(t, http.MethodDelete, "/api/sessions/s1", "tok-1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestSessionNotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodDelete, "/api/sessions/ghost", "tok-1", nil)
	requireErrorCode(t, resp, http.StatusNotFound, hubproto.CodeSessionNotFound)
}

func TestForeignSessionForbidden(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodDelete, "/api/sessions/s1", "tok-2", nil)
	requireErrorCode(t, resp, http.StatusForbidden, hubproto.CodeAuthorizationFailed)
	assert.Zero(t, f.host.callCount())
}

func TestHostErrorPassedThrough(t *testing.T) {
	f := newFixture(t)
	f.host.handle(hubproto.MethodSessionMode, func(json.RawMessage) (any, error) {
		return nil, hubproto.CapabilityNotSupported("session:mode")
	})

	resp := f.do(t, http.MethodPut, "/api/sessions/s1/mode", "tok-1",
		hubproto.SetModeParams{ModeID: "plan"})
	requireErrorCode(t, resp, http.StatusConflict, hubproto.CodeCapabilityNotSupported)
}

func TestSessionEventsQuery(t *testing.T) {
	f := newFixture(t)
	f.host.handle(hubproto.MethodSessionEvents, func(json.RawMessage) (any, error) {
		return hubproto.SessionEventsResult{HasMore: false}, nil
	})

	resp := f.do(t, http.MethodGet, "/api/sessions/s1/events?revision=2&afterSeq=5&limit=10", "tok-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sent hubproto.SessionEventsParams
	require.NoError(t, json.Unmarshal(f.host.lastParams(t, hubproto.MethodSessionEvents), &sent))
	assert.Equal(t, "s1", sent.SessionID)
	assert.Equal(t, int64(2), sent.Revision)
	assert.Equal(t, int64(5), sent.AfterSeq)
	assert.Equal(t, 10, sent.Limit)
}

func TestSessionEventsBadQuery(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/sessions/s1/events?afterSeq=banana", "tok-1", nil)
	requireErrorCode(t, resp, http.StatusBadRequest, hubproto.CodeRequestValidationFailed)
	assert.Zero(t, f.host.callCount())
}

func TestPermissionDecisionAnswersOnForward(t *testing.T) {
	f := newFixture(t)
	// No handler installed: the host never responds, and the endpoint must
	// not wait for one.
	resp := f.do(t, http.MethodPost, "/api/sessions/s1/permission", "tok-1",
		hubproto.PermissionDecisionParams{RequestID: "perm-1", OptionID: "allow"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result okResponse
	decodeInto(t, resp, &result)
	assert.True(t, result.OK)

	var sent hubproto.PermissionDecisionParams
	require.NoError(t, json.Unmarshal(f.host.lastParams(t, hubproto.MethodPermissionDecision), &sent))
	assert.Equal(t, "s1", sent.SessionID)
	assert.Equal(t, "allow", sent.OptionID)
	assert.Zero(t, f.rt.Pending())
}

func TestDiscoverFoldsIntoRegistry(t *testing.T) {
	f := newFixture(t)
	f.host.handle(hubproto.MethodSessionsDiscover, func(raw json.RawMessage) (any, error) {
		var p hubproto.DiscoverParams
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
		}
		return hubproto.DiscoveredPayload{
			BackendID:    "claude",
			BackendLabel: "Claude",
			Sessions: []hubproto.DiscoveredSession{{
				SessionID: "old-1",
				BackendID: "claude",
				Label:     "refactor run",
				Cwd:       "/work/repo",
				UpdatedAt: hubproto.Now(),
			}},
		}, nil
	})

	resp := f.do(t, http.MethodPost, "/api/hosts/host-1/discover", "tok-1",
		hubproto.DiscoverParams{BackendID: "claude", Limit: 20})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page hubproto.DiscoveredPayload
	decodeInto(t, resp, &page)
	require.Len(t, page.Sessions, 1)

	sessions := f.reg.SessionsForUser("u1")
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.SessionID)
	}
	assert.Contains(t, ids, "old-1")
}

func TestGitDiffRequiresPath(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/sessions/s1/git/diff", "tok-1", nil)
	requireErrorCode(t, resp, http.StatusBadRequest, hubproto.CodeRequestValidationFailed)

	f.host.handle(hubproto.MethodGitFileDiff, func(json.RawMessage) (any, error) {
		return hubproto.GitFileDiffResult{Path: "main.go", Diff: "+hello"}, nil
	})
	resp = f.do(t, http.MethodGet, "/api/sessions/s1/git/diff?path=main.go", "tok-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sent hubproto.GitParams
	require.NoError(t, json.Unmarshal(f.host.lastParams(t, hubproto.MethodGitFileDiff), &sent))
	assert.Equal(t, "main.go", sent.Path)
}

func TestHostFsEntries(t *testing.T) {
	f := newFixture(t)
	f.host.handle(hubproto.MethodHostFsEntries, func(json.RawMessage) (any, error) {
		return hubproto.FsEntriesResult{Path: "/tmp"}, nil
	})

	resp := f.do(t, http.MethodGet, "/api/hosts/host-1/fs/entries?path=/tmp", "tok-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sent hubproto.FsEntriesParams
	require.NoError(t, json.Unmarshal(f.host.lastParams(t, hubproto.MethodHostFsEntries), &sent))
	assert.Equal(t, "/tmp", sent.Path)
	assert.Empty(t, sent.SessionID)

	resp = f.do(t, http.MethodGet, "/api/hosts/nope/fs/entries?path=/tmp", "tok-1", nil)
	requireErrorCode(t, resp, http.StatusBadRequest, hubproto.CodeRequestValidationFailed)
}

func TestLoadRoutesBySessionWhenHostOmitted(t *testing.T) {
	f := newFixture(t)
	f.host.handle(hubproto.MethodSessionLoad, func(raw json.RawMessage) (any, error) {
		var p hubproto.LoadSessionParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return hubproto.CreateSessionResult{Session: hubproto.SessionSummary{
			SessionID: p.SessionID,
			HostID:    "host-1",
		}}, nil
	})

	resp := f.do(t, http.MethodPost, "/api/sessions/load", "tok-1",
		hubproto.LoadSessionParams{SessionID: "s1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result hubproto.CreateSessionResult
	decodeInto(t, resp, &result)
	assert.Equal(t, "s1", result.Session.SessionID)
}
