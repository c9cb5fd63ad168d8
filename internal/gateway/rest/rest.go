// Package rest serves the browser-facing HTTP API of the gateway.
//
// List endpoints answer straight from the registry; everything
// session- or host-scoped becomes an RPC routed to the owning daemon,
// and the daemon's JSON result is passed through unchanged.
package rest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sesshub/sesshub/internal/gateway/auth"
	"github.com/sesshub/sesshub/internal/gateway/registry"
	"github.com/sesshub/sesshub/internal/gateway/router"
	"github.com/sesshub/sesshub/internal/hubproto"
)

type Routes struct {
	log *slog.Logger
	reg *registry.Registry
	rt  *router.Router
}

// Router returns the /api subtree. Callers mount it behind the
// authentication middleware; every handler expects a user in context.
func Router(log *slog.Logger, reg *registry.Registry, rt *router.Router) http.Handler {
	s := &Routes{log: log.With("component", "rest"), reg: reg, rt: rt}

	r := chi.NewRouter()
	r.Get("/hosts", s.listHosts)
	r.Post("/hosts/{hostId}/discover", s.discover)
	r.Get("/hosts/{hostId}/fs/roots", s.hostFsRoots)
	r.Get("/hosts/{hostId}/fs/entries", s.hostFsEntries)

	r.Get("/sessions", s.listSessions)
	r.Post("/sessions", s.createSession)
	r.Post("/sessions/load", s.loadSession)
	r.Delete("/sessions/{sessionId}", s.closeSession)
	r.Post("/sessions/{sessionId}/cancel", s.cancelSession)
	r.Post("/sessions/{sessionId}/reload", s.reloadSession)
	r.Put("/sessions/{sessionId}/mode", s.setMode)
	r.Put("/sessions/{sessionId}/model", s.setModel)
	r.Post("/sessions/{sessionId}/message", s.sendMessage)
	r.Post("/sessions/{sessionId}/permission", s.decidePermission)
	r.Get("/sessions/{sessionId}/events", s.sessionEvents)
	r.Get("/sessions/{sessionId}/fs/roots", s.fsRoots)
	r.Get("/sessions/{sessionId}/fs/entries", s.fsEntries)
	r.Get("/sessions/{sessionId}/fs/file", s.fsFile)
	r.Get("/sessions/{sessionId}/fs/resources", s.fsResources)
	r.Get("/sessions/{sessionId}/git/status", s.gitStatus)
	r.Get("/sessions/{sessionId}/git/diff", s.gitFileDiff)
	r.Get("/sessions/{sessionId}/git/branches", s.gitBranches)
	r.Get("/sessions/{sessionId}/git/log", s.gitLog)
	return r
}

type hostListResponse struct {
	Hosts []registry.HostInfo `json:"hosts"`
}

type sessionListResponse struct {
	Sessions []hubproto.SessionSummary `json:"sessions"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (s *Routes) user(w http.ResponseWriter, r *http.Request) (string, bool) {
	u, ok := auth.UserFromContext(r.Context())
	if !ok {
		hubproto.WriteHTTPError(w, hubproto.AuthRequired())
		return "", false
	}
	return u.UserID, true
}

// decodeBody tolerates an empty body; zero-valued params are the host's
// problem to validate.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return hubproto.ValidationError("decoding request body: %v", err)
	}
	return nil
}

func queryInt64(q url.Values, key string) (int64, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, hubproto.ValidationError("query parameter %q must be an integer", key)
	}
	return n, nil
}

func writeRaw(w http.ResponseWriter, status int, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	_, _ = w.Write(raw)
}

func (s *Routes) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding response", "error", err)
	}
}

func (s *Routes) listHosts(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, hostListResponse{Hosts: s.reg.HostsForUser(userID)})
}

func (s *Routes) listSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, sessionListResponse{Sessions: s.reg.SessionsForUser(userID)})
}

func (s *Routes) discover(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	hostID := chi.URLParam(r, "hostId")
	var params hubproto.DiscoverParams
	if err := decodeBody(r, &params); err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	raw, err := s.rt.CallHost(r.Context(), userID, hostID, hubproto.MethodSessionsDiscover, params)
	if err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	// Fold discovered sessions into the registry so the list endpoints
	// and changed notifications know about them.
	var page hubproto.DiscoveredPayload
	if err := json.Unmarshal(raw, &page); err == nil {
		s.reg.ApplyDiscovered(hostID, page)
	}
	writeRaw(w, http.StatusOK, raw)
}

func (s *Routes) createSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	var params hubproto.CreateSessionParams
	if err := decodeBody(r, &params); err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	raw, err := s.rt.CallHost(r.Context(), userID, params.HostID, hubproto.MethodSessionCreate, params)
	if err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	writeRaw(w, http.StatusCreated, raw)
}

func (s *Routes) loadSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	var params hubproto.LoadSessionParams
	if err := decodeBody(r, &params); err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	hostID := params.HostID
	if hostID == "" {
		if route, found := s.reg.RouteBySession(params.SessionID); found && route.UserID == userID {
			hostID = route.HostID
		}
	}
	raw, err := s.rt.CallHost(r.Context(), userID, hostID, hubproto.MethodSessionLoad, params)
	if err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, raw)
}

func (s *Routes) closeSession(w http.ResponseWriter, r *http.Request) {
	s.sessionCommand(w, r, hubproto.MethodSessionClose)
}

func (s *Routes) cancelSession(w http.ResponseWriter, r *http.Request) {
	s.sessionCommand(w, r, hubproto.MethodSessionCancel)
}

// sessionCommand covers the bodyless verbs that return nothing.
func (s *Routes) sessionCommand(w http.ResponseWriter, r *http.Request, method string) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	_, err := s.rt.CallSession(r.Context(), userID, sessionID, method,
		hubproto.SessionRefParams{SessionID: sessionID})
	if err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Routes) reloadSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	raw, err := s.rt.CallSession(r.Context(), userID, sessionID, hubproto.MethodSessionReload,
		hubproto.SessionRefParams{SessionID: sessionID})
	if err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, raw)
}

func (s *Routes) setMode(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	var params hubproto.SetModeParams
	if err := decodeBody(r, &params); err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	params.SessionID = sessionID
	raw, err := s.rt.CallSession(r.Context(), userID, sessionID, hubproto.MethodSessionMode, params)
	if err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, raw)
}

func (s *Routes) setModel(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	var params hubproto.SetModelParams
	if err := decodeBody(r, &params); err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	params.SessionID = sessionID
	raw, err := s.rt.CallSession(r.Context(), userID, sessionID, hubproto.MethodSessionModel, params)
	if err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, raw)
}

func (s *Routes) sendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	var params hubproto.SendMessageParams
	if err := decodeBody(r, &params); err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	params.SessionID = sessionID
	raw, err := s.rt.CallSession(r.Context(), userID, sessionID, hubproto.MethodMessageSend, params)
	if err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, raw)
}

// decidePermission answers as soon as the decision is on the wire; the
// authoritative outcome arrives on the client socket as a
// permission:result event.
func (s *Routes) decidePermission(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	var params hubproto.PermissionDecisionParams
	if err := decodeBody(r, &params); err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	params.SessionID = sessionID
	if err := s.rt.ForwardSession(userID, sessionID, hubproto.MethodPermissionDecision, params); err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	s.writeJSON(w, okResponse{OK: true})
}

func (s *Routes) sessionEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	q := r.URL.Query()
	params := hubproto.SessionEventsParams{SessionID: sessionID}
	var err error
	if params.Revision, err = queryInt64(q, "revision"); err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	if params.AfterSeq, err = queryInt64(q, "afterSeq"); err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	limit, err := queryInt64(q, "limit")
	if err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	params.Limit = int(limit)
	raw, err := s.rt.CallSession(r.Context(), userID, sessionID, hubproto.MethodSessionEvents, params)
	if err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, raw)
}

func (s *Routes) fsRoots(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	raw, err := s.rt.CallSession(r.Context(), userID, sessionID, hubproto.MethodFsRoots,
		hubproto.FsRootsParams{SessionID: sessionID})
	if err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, raw)
}

func (s *Routes) fsEntries(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	raw, err := s.rt.CallSession(r.Context(), userID, sessionID, hubproto.MethodFsEntries,
		hubproto.FsEntriesParams{SessionID: sessionID, Path: r.URL.Query().Get("path")})
	if err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, raw)
}

func (s *Routes) fsFile(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	q := r.URL.Query()
	maxBytes, err := queryInt64(q, "maxBytes")
	if err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	raw, err := s.rt.CallSession(r.Context(), userID, sessionID, hubproto.MethodFsFile,
		hubproto.FsFileParams{SessionID: sessionID, Path: q.Get("path"), MaxBytes: maxBytes})
	if err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, raw)
}

func (s *Routes) fsResources(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	raw, err := s.rt.CallSession(r.Context(), userID, sessionID, hubproto.MethodFsResources,
		hubproto.FsRootsParams{SessionID: sessionID})
	if err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, raw)
}

func (s *Routes) gitStatus(w http.ResponseWriter, r *http.Request) {
	s.gitQuery(w, r, hubproto.MethodGitStatus, false)
}

func (s *Routes) gitFileDiff(w http.ResponseWriter, r *http.Request) {
	s.gitQuery(w, r, hubproto.MethodGitFileDiff, true)
}

func (s *Routes) gitBranches(w http.ResponseWriter, r *http.Request) {
	s.gitQuery(w, r, hubproto.MethodGitBranches, false)
}

func (s *Routes) gitLog(w http.ResponseWriter, r *http.Request) {
	s.gitQuery(w, r, hubproto.MethodGitLog, false)
}

func (s *Routes) gitQuery(w http.ResponseWriter, r *http.Request, method string, pathRequired bool) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	q := r.URL.Query()
	limit, err := queryInt64(q, "limit")
	if err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	params := hubproto.GitParams{SessionID: sessionID, Path: q.Get("path"), Limit: int(limit)}
	if pathRequired && params.Path == "" {
		hubproto.WriteHTTPError(w, hubproto.ValidationError("query parameter %q is required", "path"))
		return
	}
	raw, err := s.rt.CallSession(r.Context(), userID, sessionID, method, params)
	if err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, raw)
}

func (s *Routes) hostFsRoots(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	raw, err := s.rt.CallHost(r.Context(), userID, chi.URLParam(r, "hostId"), hubproto.MethodHostFsRoots, nil)
	if err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, raw)
}

func (s *Routes) hostFsEntries(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	raw, err := s.rt.CallHost(r.Context(), userID, chi.URLParam(r, "hostId"), hubproto.MethodHostFsEntries,
		hubproto.FsEntriesParams{Path: r.URL.Query().Get("path")})
	if err != nil {
		hubproto.WriteHTTPError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, raw)
}
