// Package hostws accepts host daemon sockets, applies their frames to the
// registry, relays their events to client rooms, and feeds rpc:response
// frames back into the router.
package hostws

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sesshub/sesshub/internal/gateway/registry"
	"github.com/sesshub/sesshub/internal/gateway/router"
	"github.com/sesshub/sesshub/internal/hubproto"
	"github.com/sesshub/sesshub/internal/identity"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 90 * time.Second
	pingPeriod    = 30 * time.Second
	handshakeWait = 10 * time.Second
	sendBuffer    = 256
)

var errQueueFull = errors.New("host socket queue full")

// Sink receives host-originated frames for delivery to a user's clients.
type Sink interface {
	ForwardToUser(userID string, frame hubproto.Frame)
}

// Server terminates host uplink sockets.
type Server struct {
	log      *slog.Logger
	provider identity.Provider
	reg      *registry.Registry
	rt       *router.Router
	sink     Sink
	upgrader websocket.Upgrader
}

func New(log *slog.Logger, provider identity.Provider, reg *registry.Registry, rt *router.Router, sink Sink) *Server {
	return &Server{
		log:      log.With("component", "hostws"),
		provider: provider,
		reg:      reg,
		rt:       rt,
		sink:     sink,
		// Host daemons are not browsers; no origin policy applies.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Handle upgrades a daemon connection, runs the register handshake, and
// serves the socket until it dies. It blocks for the connection lifetime.
func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	apiKey := r.Header.Get("X-Api-Key")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("host upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(handshakeWait))
	var frame hubproto.Frame
	if err := conn.ReadJSON(&frame); err != nil || frame.Event != hubproto.FrameRegister {
		s.log.Debug("host socket closed before register", "error", err)
		return
	}
	var payload hubproto.RegisterPayload
	if err := frame.Decode(&payload); err != nil {
		s.rejectHandshake(conn, hubproto.CodeRegistrationError, "malformed register payload")
		return
	}

	host, err := s.provider.VerifyAPIKey(r.Context(), apiKey)
	if err != nil {
		s.log.Warn("host presented an invalid API key", "remote", r.RemoteAddr)
		s.rejectHandshake(conn, hubproto.CodeInvalidKey, "invalid API key")
		return
	}
	if payload.HostID == "" {
		payload.HostID = host.HostID
	}
	if payload.HostID == "" {
		s.rejectHandshake(conn, hubproto.CodeRegistrationError, "register payload names no hostId")
		return
	}

	socketID := uuid.NewString()
	sock := newSocket(conn)
	go sock.writePump(s.log)
	defer sock.Close()

	registered, err := hubproto.NewFrame(hubproto.FrameCLIRegistered, hubproto.RegisteredPayload{
		HostID: payload.HostID,
		UserID: host.UserID,
	})
	if err != nil || !sock.enqueue(registered) {
		return
	}

	s.reg.Register(socketID, host.UserID, payload, sock)
	defer s.reg.Unregister(socketID)

	s.readLoop(conn, sock, socketID, payload.HostID, host.UserID)
}

func (s *Server) rejectHandshake(conn *websocket.Conn, code hubproto.Code, message string) {
	frame, err := hubproto.NewFrame(hubproto.FrameCLIError, hubproto.CLIErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteJSON(frame)
}

func (s *Server) readLoop(conn *websocket.Conn, sock *socket, socketID, hostID, userID string) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame hubproto.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			s.log.Info("host socket closed", "host_id", hostID, "error", err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch frame.Event {
		case hubproto.FrameHeartbeat:
			s.reg.Touch(socketID)

		case hubproto.FrameSessionsList:
			var sessions []hubproto.SessionSummary
			if err := frame.Decode(&sessions); err != nil {
				s.log.Warn("dropping malformed session snapshot", "host_id", hostID, "error", err)
				continue
			}
			for i := range sessions {
				sessions[i].UserID = userID
			}
			s.reg.UpdateSessions(socketID, sessions)

		case hubproto.FrameSessionsChanged:
			var delta hubproto.SessionsChangedPayload
			if err := frame.Decode(&delta); err != nil {
				s.log.Warn("dropping malformed sessions delta", "host_id", hostID, "error", err)
				continue
			}
			for i := range delta.Added {
				delta.Added[i].UserID = userID
			}
			for i := range delta.Updated {
				delta.Updated[i].UserID = userID
			}
			s.reg.ApplyDelta(socketID, delta)

		case hubproto.FrameSessionsDiscovered:
			var discovered hubproto.DiscoveredPayload
			if err := frame.Decode(&discovered); err != nil {
				s.log.Warn("dropping malformed discovery payload", "host_id", hostID, "error", err)
				continue
			}
			s.reg.ApplyDiscovered(hostID, discovered)

		case hubproto.FrameSessionEvent:
			var ev hubproto.SessionEvent
			if err := frame.Decode(&ev); err != nil {
				s.log.Warn("dropping malformed session event", "host_id", hostID, "error", err)
				continue
			}
			s.sink.ForwardToUser(userID, frame)
			s.ack(sock, ev)

		case hubproto.FrameSessionAttached, hubproto.FrameSessionDetached,
			hubproto.FramePermissionRequest, hubproto.FramePermissionResult:
			s.sink.ForwardToUser(userID, frame)

		case hubproto.FrameRPCResponse:
			var resp hubproto.RPCResponse
			if err := frame.Decode(&resp); err != nil {
				s.log.Warn("dropping malformed rpc response", "host_id", hostID, "error", err)
				continue
			}
			s.rt.Resolve(socketID, resp)

		default:
			s.log.Debug("dropping unknown host frame", "host_id", hostID, "event", frame.Event)
		}
	}
}

// ack tells the host its event reached the gateway. Acks are advisory; a
// full queue drops them and replay covers the difference.
func (s *Server) ack(sock *socket, ev hubproto.SessionEvent) {
	frame, err := hubproto.NewFrame(hubproto.FrameEventsAck, hubproto.AckPayload{
		SessionID: ev.SessionID,
		Revision:  ev.Revision,
		UpToSeq:   ev.Seq,
	})
	if err != nil {
		return
	}
	if err := sock.Send(frame); err != nil {
		s.log.Debug("ack dropped", "session_id", ev.SessionID, "error", err)
	}
}

// socket is the registry.Conn implementation for one host connection. A
// single write pump serializes frames and pings.
type socket struct {
	conn *websocket.Conn
	send chan hubproto.Frame
	done chan struct{}
	once sync.Once
}

func newSocket(conn *websocket.Conn) *socket {
	return &socket{
		conn: conn,
		send: make(chan hubproto.Frame, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *socket) Send(frame hubproto.Frame) error {
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errors.New("host socket closed")
	default:
		return errQueueFull
	}
}

func (c *socket) enqueue(frame hubproto.Frame) bool {
	return c.Send(frame) == nil
}

// Close implements registry.Conn; the registry uses it to evict a
// superseded socket.
func (c *socket) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.conn.Close()
}

func (c *socket) writePump(log *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				log.Debug("host write failed", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
