package home

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// ErrDaemonRunning means another daemon instance holds the pid lock.
var ErrDaemonRunning = errors.New("daemon already running")

const pidLockTimeout = 2 * time.Second

// PIDLock holds the single-instance lock for the daemon. Release it on
// shutdown.
type PIDLock struct {
	lock    *flock.Flock
	pidPath string
}

// AcquirePID takes the daemon's exclusive pid lock and records the current
// process id in daemon.pid. Returns ErrDaemonRunning (wrapped with the
// holder's pid when readable) if another instance already holds it.
func (h *Home) AcquirePID(ctx context.Context) (*PIDLock, error) {
	// Lock a sibling file so the pid file itself stays plain text.
	fileLock := flock.New(h.PIDPath() + ".lock")

	lockCtx, cancel := context.WithTimeout(ctx, pidLockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("acquiring pid lock: %w", err)
	}
	if !locked {
		if pid, readErr := h.ReadPID(); readErr == nil {
			return nil, fmt.Errorf("%w (pid %d)", ErrDaemonRunning, pid)
		}
		return nil, ErrDaemonRunning
	}

	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(h.PIDPath(), []byte(pid+"\n"), 0o644); err != nil {
		_ = fileLock.Unlock()
		return nil, fmt.Errorf("writing pid file: %w", err)
	}

	return &PIDLock{lock: fileLock, pidPath: h.PIDPath()}, nil
}

// Release removes the pid file and drops the lock.
func (p *PIDLock) Release() error {
	err := os.Remove(p.pidPath)
	if unlockErr := p.lock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	// Best effort; another starting daemon may already own a new one.
	_ = os.Remove(p.pidPath + ".lock")
	return err
}

// ReadPID returns the pid recorded by a running daemon.
func (h *Home) ReadPID() (int, error) {
	data, err := os.ReadFile(h.PIDPath())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file: %w", err)
	}
	return pid, nil
}
