package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrLocked means another live process holds the lock.
var ErrLocked = errors.New("lock is held by another process")

// PIDLock is a cross-process lock: an flock(2) on a file that also records the owner's pid.
// The kernel drops the flock when its holder exits, so a file left by a crashed
// process is free to take without racing other contenders.
type PIDLock struct {
	path string
	pid  int
	f    *os.File
}

// Acquire takes the lock without waiting. A lock file left by a dead process is taken over.
func Acquire(path string) (*PIDLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	pid := os.Getpid()
	for range 3 {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open lock file: %w", err)
		}
		if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
			f.Close()
			if errors.Is(err, syscall.EWOULDBLOCK) {
				if owner, ok := readOwner(path); ok {
					return nil, fmt.Errorf("%s (pid %d): %w", path, owner, ErrLocked)
				}
				return nil, fmt.Errorf("%s: %w", path, ErrLocked)
			}
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}

		// A releasing holder unlinks the file before unlocking; a lock on the
		// unlinked inode is worthless, so start over on the new file.
		if !sameFile(f, path) {
			f.Close()
			continue
		}
		if err := writePID(f, pid); err != nil {
			f.Close()
			return nil, fmt.Errorf("write lock file: %w", err)
		}
		return &PIDLock{path: path, pid: pid, f: f}, nil
	}
	return nil, fmt.Errorf("%s: %w", path, ErrLocked)
}

func sameFile(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	named, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, named)
}

func writePID(f *os.File, pid int) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.WriteAt([]byte(strconv.Itoa(pid)), 0)
	return err
}

// AcquireWait retries Acquire every poll interval until it succeeds or ctx ends.
func AcquireWait(ctx context.Context, path string, poll time.Duration) (*PIDLock, error) {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		l, err := Acquire(path)
		if err == nil || !errors.Is(err, ErrLocked) {
			return l, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", err, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Release unlocks and removes the lock file if it still records this lock's pid.
func (l *PIDLock) Release() error {
	if l.f == nil {
		return nil
	}
	var rmErr error
	if owner, ok := readOwner(l.path); ok && owner == l.pid {
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			rmErr = fmt.Errorf("release lock: %w", err)
		}
	}
	// Closing the descriptor drops the flock.
	err := l.f.Close()
	l.f = nil
	return errors.Join(rmErr, err)
}

func (l *PIDLock) Path() string { return l.path }

func readOwner(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
