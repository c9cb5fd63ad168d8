// Package terminalrun manages pty-backed commands launched on behalf of a
// session's agent. Output is captured into a byte-capped buffer (newest
// bytes win) and streamed to an observer so it can land in the session's
// event log.
package terminalrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/creack/pty/v2"
	"github.com/google/uuid"
)

// DefaultOutputLimit caps captured output when the caller does not say.
const DefaultOutputLimit = 1 << 20

const readChunkSize = 4096

// ExitStatus describes how a terminal's process ended. Exactly one of
// ExitCode and Signal is set.
type ExitStatus struct {
	ExitCode *int
	Signal   *string
}

// OutputFunc observes output chunks as they are read from the pty. Chunks
// are valid UTF-8 with invalid bytes replaced. Must not block.
type OutputFunc func(terminalID, chunk string)

// StartOpts configures one terminal launch.
type StartOpts struct {
	Command     string
	Args        []string
	Cwd         string
	Env         map[string]string
	OutputLimit int
	Cols, Rows  uint16
}

// Terminal is one running (or exited) pty command.
type Terminal struct {
	id   string
	ptmx *os.File
	cmd  *exec.Cmd
	done chan struct{}

	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
	exit      *ExitStatus
}

// Set owns every terminal of one session. Terminals survive process exit
// until released so their output stays readable.
type Set struct {
	log      *slog.Logger
	onOutput OutputFunc

	mu    sync.Mutex
	terms map[string]*Terminal
}

// NewSet builds an empty terminal set. onOutput may be nil.
func NewSet(log *slog.Logger, onOutput OutputFunc) *Set {
	return &Set{
		log:      log,
		onOutput: onOutput,
		terms:    make(map[string]*Terminal),
	}
}

// Start launches opts.Command under a pty and begins capturing output.
func (s *Set) Start(opts StartOpts) (string, error) {
	if opts.Command == "" {
		return "", fmt.Errorf("terminal command is required")
	}
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	limit := opts.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Cwd
	cmd.Env = mergeEnv(opts.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return "", fmt.Errorf("start pty: %w", err)
	}

	term := &Terminal{
		id:    uuid.New().String(),
		ptmx:  ptmx,
		cmd:   cmd,
		done:  make(chan struct{}),
		limit: limit,
	}

	s.mu.Lock()
	s.terms[term.id] = term
	s.mu.Unlock()

	go s.pump(term)
	go s.reap(term)

	s.log.Info("terminal started",
		"terminal_id", term.id, "command", opts.Command, "cwd", opts.Cwd)
	return term.id, nil
}

// pump copies pty output into the capped buffer and the observer. Reading
// fails with EIO once the child exits and the pty drains; that ends the pump.
func (s *Set) pump(term *Terminal) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := term.ptmx.Read(buf)
		if n > 0 {
			chunk := strings.ToValidUTF8(string(buf[:n]), string(utf8.RuneError))
			term.append(chunk)
			if s.onOutput != nil {
				s.onOutput(term.id, chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

// reap records the exit status once the process is gone.
func (s *Set) reap(term *Terminal) {
	status := exitStatusOf(term.cmd.Wait())

	term.mu.Lock()
	term.exit = &status
	term.mu.Unlock()
	close(term.done)

	s.log.Debug("terminal exited", "terminal_id", term.id)
}

func (t *Terminal) append(chunk string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, chunk...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
		t.truncated = true
	}
}

// Output returns everything captured so far plus the exit status when the
// process has ended.
func (s *Set) Output(id string) (output string, truncated bool, exit *ExitStatus, err error) {
	term, err := s.get(id)
	if err != nil {
		return "", false, nil, err
	}
	term.mu.Lock()
	defer term.mu.Unlock()
	return string(term.buf), term.truncated, term.exit, nil
}

// Wait blocks until the terminal's process exits or ctx is done.
func (s *Set) Wait(ctx context.Context, id string) (ExitStatus, error) {
	term, err := s.get(id)
	if err != nil {
		return ExitStatus{}, err
	}
	select {
	case <-term.done:
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
	term.mu.Lock()
	defer term.mu.Unlock()
	return *term.exit, nil
}

// Kill terminates the process but keeps the terminal readable. Killing an
// exited terminal is a no-op.
func (s *Set) Kill(id string) error {
	term, err := s.get(id)
	if err != nil {
		return err
	}
	select {
	case <-term.done:
		return nil
	default:
	}
	if term.cmd.Process != nil {
		_ = term.cmd.Process.Kill()
	}
	return nil
}

// Write feeds data to the terminal's stdin.
func (s *Set) Write(id string, data []byte) (int, error) {
	term, err := s.get(id)
	if err != nil {
		return 0, err
	}
	return term.ptmx.Write(data)
}

// Resize changes the pty dimensions.
func (s *Set) Resize(id string, cols, rows uint16) error {
	term, err := s.get(id)
	if err != nil {
		return err
	}
	return pty.Setsize(term.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Release destroys the terminal: graceful SIGHUP, then kill, then the pty
// is closed and the id forgotten.
func (s *Set) Release(id string) error {
	s.mu.Lock()
	term, ok := s.terms[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("terminal not found: %s", id)
	}
	delete(s.terms, id)
	s.mu.Unlock()

	s.destroy(term)
	return nil
}

// Shutdown releases every terminal in the set.
func (s *Set) Shutdown() {
	s.mu.Lock()
	terms := make([]*Terminal, 0, len(s.terms))
	for _, t := range s.terms {
		terms = append(terms, t)
	}
	s.terms = make(map[string]*Terminal)
	s.mu.Unlock()

	for _, t := range terms {
		s.destroy(t)
	}
}

func (s *Set) destroy(term *Terminal) {
	select {
	case <-term.done:
	default:
		if term.cmd.Process != nil {
			_ = term.cmd.Process.Signal(syscall.SIGHUP)
			select {
			case <-term.done:
			case <-time.After(2 * time.Second):
				_ = term.cmd.Process.Kill()
				<-term.done
			}
		}
	}
	_ = term.ptmx.Close()
	s.log.Debug("terminal released", "terminal_id", term.id)
}

func (s *Set) get(id string) (*Terminal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	term, ok := s.terms[id]
	if !ok {
		return nil, fmt.Errorf("terminal not found: %s", id)
	}
	return term, nil
}

func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
