// Package uplink maintains the daemon's connection to the gateway. It
// registers the host, serves gateway RPCs against the supervisor, forwards
// the supervisor's streams as frames, and replays unacknowledged events
// after every reconnect.
package uplink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/sesshub/sesshub/internal/host/supervisor"
	"github.com/sesshub/sesshub/internal/hubproto"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 90 * time.Second
	pingPeriod    = 30 * time.Second
	handshakeWait = 10 * time.Second
	sendBuffer    = 256

	defaultHeartbeat = 30 * time.Second
	defaultReconnect = time.Second
	maxReconnect     = 30 * time.Second
)

// ErrRejected is returned by Run when the gateway explicitly refuses the
// registration. Reconnecting cannot help until the operator fixes the
// stored credentials.
var ErrRejected = errors.New("gateway rejected registration")

// Options configures one uplink.
type Options struct {
	URL      string
	APIKey   string
	HostID   string
	Hostname string
	Version  string

	// HeartbeatInterval overrides the 30s heartbeat/snapshot cadence.
	HeartbeatInterval time.Duration
	// ReconnectInterval overrides the initial reconnect delay.
	ReconnectInterval time.Duration
}

// Uplink is the host side of the host↔gateway socket.
type Uplink struct {
	log      *slog.Logger
	sup      *supervisor.Supervisor
	opts     Options
	handlers map[string]rpcHandler

	mu  sync.Mutex
	cur *wire
}

func New(log *slog.Logger, sup *supervisor.Supervisor, opts Options) *Uplink {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnect
	}
	u := &Uplink{
		log:  log.With("component", "uplink"),
		sup:  sup,
		opts: opts,
	}
	u.handlers = u.handlerTable()
	return u
}

// Run connects, serves, and reconnects until the context is cancelled or
// the gateway rejects the registration. Supervisor streams keep flowing
// while disconnected; events missed live are recovered by replay.
func (u *Uplink) Run(ctx context.Context) error {
	go u.forward(ctx)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = u.opts.ReconnectInterval
	expo.MaxInterval = maxReconnect

	connect := func() (*websocket.Conn, error) {
		conn, err := u.dial(ctx)
		if err != nil {
			return nil, err
		}
		if err := u.register(conn); err != nil {
			conn.Close()
			if errors.Is(err, ErrRejected) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return conn, nil
	}

	for {
		conn, err := backoff.Retry(ctx, connect,
			backoff.WithBackOff(expo),
			backoff.WithNotify(func(err error, wait time.Duration) {
				u.log.Warn("gateway connect failed", "retry_in", wait, "error", err)
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrRejected) {
				return err
			}
			continue
		}

		err = u.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		u.log.Warn("uplink disconnected, reconnecting", "error", err)
	}
}

func (u *Uplink) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("X-Api-Key", u.opts.APIKey)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.opts.URL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("dialing gateway: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}
	return conn, nil
}

// register announces the host and waits for the gateway's verdict. The
// first frame on a fresh socket is always cli:registered or cli:error.
func (u *Uplink) register(conn *websocket.Conn) error {
	frame, err := hubproto.NewFrame(hubproto.FrameRegister, hubproto.RegisterPayload{
		HostID:         u.opts.HostID,
		Hostname:       u.opts.Hostname,
		Version:        u.opts.Version,
		Backends:       u.sup.Backends(),
		DefaultBackend: u.sup.DefaultBackend(),
	})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("sending register: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeWait))
	var reply hubproto.Frame
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("awaiting registration: %w", err)
	}
	switch reply.Event {
	case hubproto.FrameCLIRegistered:
		var p hubproto.RegisteredPayload
		if err := reply.Decode(&p); err != nil {
			return err
		}
		u.sup.SetUser(p.UserID)
		u.log.Info("registered with gateway", "host_id", p.HostID, "user_id", p.UserID)
		return nil
	case hubproto.FrameCLIError:
		var p hubproto.CLIErrorPayload
		if err := reply.Decode(&p); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s: %s", ErrRejected, p.Code, p.Message)
	default:
		return fmt.Errorf("unexpected %s frame during registration", reply.Event)
	}
}

// serve runs one registered socket until it dies. The returned error is the
// read failure that ended it.
func (u *Uplink) serve(ctx context.Context, conn *websocket.Conn) error {
	w := newWire(conn)
	u.setWire(w)
	defer u.setWire(nil)
	defer w.close()
	defer conn.Close()

	go w.writePump(u.log)
	go u.heartbeat(w)
	go u.replay(ctx, w)
	go func() {
		select {
		case <-ctx.Done():
		case <-w.done:
		}
		conn.Close()
	}()

	return u.readLoop(ctx, w)
}

func (u *Uplink) readLoop(ctx context.Context, w *wire) error {
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame hubproto.Frame
		if err := w.conn.ReadJSON(&frame); err != nil {
			return err
		}
		w.conn.SetReadDeadline(time.Now().Add(pongWait))

		if method, ok := hubproto.RPCMethod(frame.Event); ok {
			var req hubproto.RPCRequest
			if err := frame.Decode(&req); err != nil {
				u.log.Warn("dropping malformed rpc frame", "event", frame.Event, "error", err)
				continue
			}
			go u.handleRPC(ctx, w, method, req)
			continue
		}

		switch frame.Event {
		case hubproto.FrameEventsAck:
			var ack hubproto.AckPayload
			if err := frame.Decode(&ack); err != nil {
				u.log.Warn("dropping malformed ack", "error", err)
				continue
			}
			u.sup.Ack(ctx, ack)
		default:
			u.log.Debug("dropping unknown frame", "event", frame.Event)
		}
	}
}

func (u *Uplink) handleRPC(ctx context.Context, w *wire, method string, req hubproto.RPCRequest) {
	var resp hubproto.RPCResponse
	handler, ok := u.handlers[method]
	if !ok {
		resp = hubproto.NewRPCError(req.RequestID, hubproto.ValidationError("unknown rpc method %q", method))
	} else if result, err := handler(ctx, req.Params); err != nil {
		resp = hubproto.NewRPCError(req.RequestID, err)
	} else {
		resp, err = hubproto.NewRPCResult(req.RequestID, result)
		if err != nil {
			resp = hubproto.NewRPCError(req.RequestID, err)
		}
	}

	frame, err := hubproto.NewFrame(hubproto.FrameRPCResponse, resp)
	if err != nil {
		u.log.Error("encoding rpc response", "method", method, "error", err)
		return
	}
	w.enqueue(frame)
}

// heartbeat keeps the gateway's cache warm: a heartbeat frame plus the full
// session snapshot, every interval, until the socket dies.
func (u *Uplink) heartbeat(w *wire) {
	ticker := time.NewTicker(u.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			hb, err := hubproto.NewFrame(hubproto.FrameHeartbeat, struct{}{})
			if err != nil {
				return
			}
			if !w.enqueue(hb) {
				return
			}
			u.snapshot(w)
		}
	}
}

func (u *Uplink) snapshot(w *wire) {
	frame, err := hubproto.NewFrame(hubproto.FrameSessionsList, u.sup.Sessions())
	if err != nil {
		u.log.Error("encoding session snapshot", "error", err)
		return
	}
	w.enqueue(frame)
}

// replay brings a fresh socket up to date: the session snapshot first, then
// every session's unacked suffix in (revision, seq) order, then the still
// pending permission requests. Live forwarding holds until this finishes so
// replayed events are never overtaken.
func (u *Uplink) replay(ctx context.Context, w *wire) {
	defer close(w.live)

	u.snapshot(w)

	pending, err := u.sup.UnackedEvents(ctx)
	if err != nil {
		u.log.Error("loading unacked events for replay", "error", err)
		return
	}
	total := 0
	for _, events := range pending {
		for _, ev := range events {
			frame, err := hubproto.NewFrame(hubproto.FrameSessionEvent, ev)
			if err != nil {
				u.log.Error("encoding replay event", "session_id", ev.SessionID, "error", err)
				continue
			}
			if !w.enqueue(frame) {
				return
			}
			total++
		}
	}
	if total > 0 {
		u.log.Info("replayed unacked events", "count", total)
	}

	for _, req := range u.sup.PendingPermissions() {
		frame, err := hubproto.NewFrame(hubproto.FramePermissionRequest, req)
		if err != nil {
			u.log.Error("encoding pending permission", "request_id", req.RequestID, "error", err)
			continue
		}
		if !w.enqueue(frame) {
			return
		}
	}
}

// forward drains the supervisor streams for the whole daemon lifetime and
// pushes them onto whichever socket is current. With no socket the frame is
// dropped: events stay unacked in the log and return by replay.
func (u *Uplink) forward(ctx context.Context) {
	events := u.sup.Events()
	changed := u.sup.SessionsChanged()
	attached := u.sup.Attached()
	detached := u.sup.Detached()
	permReqs := u.sup.PermissionRequests()
	permResults := u.sup.PermissionResults()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			u.send(hubproto.FrameSessionEvent, ev)
		case delta := <-changed:
			if !delta.Empty() {
				u.send(hubproto.FrameSessionsChanged, delta)
			}
		case p := <-attached:
			u.send(hubproto.FrameSessionAttached, p)
		case p := <-detached:
			u.send(hubproto.FrameSessionDetached, p)
		case p := <-permReqs:
			u.send(hubproto.FramePermissionRequest, p)
		case p := <-permResults:
			u.send(hubproto.FramePermissionResult, p)
		}
	}
}

func (u *Uplink) send(event string, payload any) {
	w := u.wire()
	if w == nil {
		return
	}
	select {
	case <-w.live:
	case <-w.done:
		return
	}
	frame, err := hubproto.NewFrame(event, payload)
	if err != nil {
		u.log.Error("encoding frame", "event", event, "error", err)
		return
	}
	w.enqueue(frame)
}

func (u *Uplink) wire() *wire {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cur
}

func (u *Uplink) setWire(w *wire) {
	u.mu.Lock()
	u.cur = w
	u.mu.Unlock()
}

// wire is one established socket. All writes funnel through the send
// channel so exactly one goroutine touches the connection's write side.
type wire struct {
	conn *websocket.Conn
	send chan hubproto.Frame
	done chan struct{}
	live chan struct{}

	closeOnce sync.Once
}

func newWire(conn *websocket.Conn) *wire {
	return &wire{
		conn: conn,
		send: make(chan hubproto.Frame, sendBuffer),
		done: make(chan struct{}),
		live: make(chan struct{}),
	}
}

func (w *wire) close() {
	w.closeOnce.Do(func() { close(w.done) })
}

// enqueue hands a frame to the write pump. It reports false once the socket
// is gone so callers can stop producing.
func (w *wire) enqueue(frame hubproto.Frame) bool {
	select {
	case w.send <- frame:
		return true
	case <-w.done:
		return false
	}
}

func (w *wire) writePump(log *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteJSON(frame); err != nil {
				log.Debug("uplink write failed", "event", frame.Event, "error", err)
				w.close()
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.close()
				return
			}
		case <-w.done:
			w.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
