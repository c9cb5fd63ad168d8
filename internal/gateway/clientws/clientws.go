// Package clientws fans host-originated frames out to the browser sockets
// of the owning user. Clients are read-mostly; a socket that cannot keep up
// is dropped and recovers state over REST when it reconnects.
package clientws

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sesshub/sesshub/internal/gateway/auth"
	"github.com/sesshub/sesshub/internal/hubproto"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 90 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan hubproto.Frame
	done   chan struct{}
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub holds one room per user. All methods are safe for concurrent use.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[*client]struct{}
}

func NewHub(log *slog.Logger, allowedOrigins []string) *Hub {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	wildcard := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			wildcard = true
		}
		allowed[origin] = struct{}{}
	}
	return &Hub{
		log: log.With("component", "clientws"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || wildcard {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
		rooms: make(map[string]map[*client]struct{}),
	}
}

// HandleClient upgrades an authenticated request into a room member. It
// blocks until the socket dies.
func (h *Hub) HandleClient(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		hubproto.WriteHTTPError(w, hubproto.AuthRequired())
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("client upgrade failed", "error", err)
		return
	}

	c := &client{
		userID: user.UserID,
		conn:   conn,
		send:   make(chan hubproto.Frame, sendBuffer),
		done:   make(chan struct{}),
	}
	h.add(c)
	defer func() {
		h.remove(c)
		c.close()
		conn.Close()
	}()

	go c.writePump(h.log)
	c.readLoop()
}

// ForwardToUser queues frame on every socket in the user's room. Sockets
// with a full queue are dropped rather than stalling the host read loop.
func (h *Hub) ForwardToUser(userID string, frame hubproto.Frame) {
	var dropped []*client
	h.mu.Lock()
	for c := range h.rooms[userID] {
		select {
		case c.send <- frame:
		default:
			dropped = append(dropped, c)
		}
	}
	for _, c := range dropped {
		h.removeLocked(c)
	}
	h.mu.Unlock()

	for _, c := range dropped {
		h.log.Warn("dropping slow client socket", "user_id", userID)
		c.close()
	}
}

// Clients reports the user's current room size.
func (h *Hub) Clients(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[userID])
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[c.userID] == nil {
		h.rooms[c.userID] = make(map[*client]struct{})
	}
	h.rooms[c.userID][c] = struct{}{}
	h.log.Debug("client joined", "user_id", c.userID, "room", len(h.rooms[c.userID]))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	room, ok := h.rooms[c.userID]
	if !ok {
		return
	}
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.userID)
	}
}

// readLoop consumes inbound messages for control-frame processing and
// discards them; clients talk to the gateway over REST.
func (c *client) readLoop() {
	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (c *client) writePump(log *slog.Logger) {
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
				log.Debug("client write failed", "user_id", c.userID, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
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
