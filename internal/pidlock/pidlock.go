// Package pidlock implements the repository-wide GC PID lock (spec §5):
// a file at "<repo>/gc.pid" whose exclusive, non-blocking flock denotes
// "a pack-mutating maintenance operation is in progress". Only one of
// {BitmapBuilder, Preserver, PruneOrchestrator} may hold it at a time.
package pidlock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// FileName is the name of the PID lock file inside a repository root.
const FileName = "gc.pid"

// Lock is a held, or not-yet-acquired, handle on the GC PID lock.
type Lock struct {
	path string
	f    *os.File
}

// New returns a Lock bound to repoPath's gc.pid file. It does not acquire
// anything yet.
func New(repoPath string) *Lock {
	return &Lock{path: filepath.Join(repoPath, FileName)}
}

// TryAcquire attempts a non-blocking exclusive lock, the try-lock semantics
// spec §5 requires: on contention it returns (false, nil), not an error, so
// that callers can surface a successful no-op ActionResult instead of
// failing the invocation.
func (l *Lock) TryAcquire() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("pidlock: open %s: %w", l.path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("pidlock: flock %s: %w", l.path, err)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
		_ = f.Sync()
	}

	l.f = f
	return true, nil
}

// Release drops the lock and closes the underlying file handle. Release on
// a lock that was never acquired is a no-op.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}
	defer func() {
		l.f.Close()
		l.f = nil
	}()
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}
