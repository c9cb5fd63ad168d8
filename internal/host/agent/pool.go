package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sesshub/sesshub/internal/hubproto"
)

// spawnTimeout bounds the spawn-plus-initialize handshake for background
// pre-spawns.
const spawnTimeout = 30 * time.Second

// Pool keeps one pre-spawned idle link per backend so session creation
// skips process startup. Links that ever carried a session are never
// returned here; the owning session stops them itself.
type Pool struct {
	log           *slog.Logger
	clientName    string
	clientVersion string

	mu       sync.Mutex
	idle     map[string]*Link
	loadable map[string]bool
	closed   bool
}

func NewPool(log *slog.Logger, clientName, clientVersion string) *Pool {
	return &Pool{
		log:           log.With("component", "agentpool"),
		clientName:    clientName,
		clientVersion: clientVersion,
		idle:          make(map[string]*Link),
		loadable:      make(map[string]bool),
	}
}

// LoadSessions reports the session-load capability observed the last time a
// link for the backend completed its handshake. Never-spawned backends
// report false.
func (p *Pool) LoadSessions(backendID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadable[backendID]
}

func (p *Pool) recordCaps(b *Backend, l *Link) {
	p.mu.Lock()
	p.loadable[b.ID] = l.LoadSupported()
	p.mu.Unlock()
}

// Warm pre-spawns an idle link for the backend in the background.
func (p *Pool) Warm(b *Backend) {
	go p.replenish(b)
}

// Acquire hands out a link for the backend, preferring the parked idle one
// when it is still alive. Either way a replacement pre-spawn starts in the
// background.
func (p *Pool) Acquire(ctx context.Context, b *Backend) (*Link, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("agent pool is shut down")
	}
	parked := p.idle[b.ID]
	delete(p.idle, b.ID)
	p.mu.Unlock()

	if parked != nil {
		if parked.State() == hubproto.AgentStateIdle {
			go p.replenish(b)
			return parked, nil
		}
		// Died while parked.
		p.log.Warn("discarding dead idle agent", "backend", b.ID, "state", parked.State())
		parked.Stop()
	}

	fresh, err := b.Start(ctx, p.log, LinkOpts{
		ClientName:    p.clientName,
		ClientVersion: p.clientVersion,
	})
	if err != nil {
		return nil, err
	}
	p.recordCaps(b, fresh)
	go p.replenish(b)
	return fresh, nil
}

// replenish parks a fresh idle link unless one is already parked.
func (p *Pool) replenish(b *Backend) {
	p.mu.Lock()
	if p.closed || p.idle[b.ID] != nil {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), spawnTimeout)
	l, err := b.Start(ctx, p.log, LinkOpts{
		ClientName:    p.clientName,
		ClientVersion: p.clientVersion,
	})
	cancel()
	if err != nil {
		p.log.Warn("could not pre-spawn agent", "backend", b.ID, "error", err)
		return
	}
	p.recordCaps(b, l)

	p.mu.Lock()
	if p.closed || p.idle[b.ID] != nil {
		p.mu.Unlock()
		l.Stop()
		return
	}
	p.idle[b.ID] = l
	p.mu.Unlock()
	p.log.Debug("parked idle agent", "backend", b.ID)
}

// IdleFor reports whether an idle link is currently parked for the backend.
func (p *Pool) IdleFor(backendID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle[backendID] != nil
}

// Shutdown stops every parked link. Links already handed out belong to
// their sessions and are left alone.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = make(map[string]*Link)
	p.mu.Unlock()

	for _, l := range idle {
		l.Stop()
	}
}
