package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrLockHeld is returned when another runner instance already holds the
// host lock.
var ErrLockHeld = errors.New("another runner instance holds the lock")

// Lock is an advisory flock held for the lifetime of a runner. Bridges,
// iptables rules, and device pools are host-global, so exactly one runner
// may manage them at a time.
type Lock struct {
	f    *os.File
	path string
}

// AcquireLock takes the host lock without blocking. The holder's PID is
// written into the file for diagnostics only; the flock is what matters.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w (%s)", ErrLockHeld, path)
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	return &Lock{f: f, path: path}, nil
}

// Release drops the flock. The file stays on disk; a stale lock file with
// no flock on it does not block the next runner.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}
	flockErr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if flockErr != nil {
		return fmt.Errorf("unlock %s: %w", l.path, flockErr)
	}
	return closeErr
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}
