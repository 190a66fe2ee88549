//go:build linux

// Package lock provides a flock(2)-based single-instance lock keyed by an
// id under a directory. camguardd takes one such lock at startup, so a
// second daemon instance cannot run beside it.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// FileLock is a file-based exclusive lock with stale-lock detection, PID
// tracking, and context-aware acquisition.
type FileLock struct {
	mu   sync.Mutex
	path string
	file *os.File
	pid  int
}

const (
	// DefaultStaleThreshold is retained for API compatibility; staleness is
	// now determined purely by whether the recorded PID is still alive (see
	// isLockStale), not by file age.
	DefaultStaleThreshold = 300 * time.Second

	// DefaultAcquireTimeout is the default wait for lock acquisition.
	DefaultAcquireTimeout = 30 * time.Second

	pollInterval = 100 * time.Millisecond
)

// New creates a lock for the given camera id rooted under dir, e.g.
// "<dir>/<cameraID>/.lock".
func New(dir, cameraID string) (*FileLock, error) {
	return NewFileLock(filepath.Join(dir, cameraID, ".lock"))
}

// NewFileLock creates a lock at an explicit path, creating its parent
// directory if necessary.
func NewFileLock(path string) (*FileLock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &FileLock{path: path, pid: os.Getpid()}, nil
}

// Acquire blocks until the lock is held or timeout elapses.
func (fl *FileLock) Acquire(timeout time.Duration) error {
	return fl.AcquireContext(context.Background(), timeout)
}

// AcquireContext blocks until the lock is held, ctx is cancelled, or timeout
// elapses, whichever comes first.
func (fl *FileLock) AcquireContext(ctx context.Context, timeout time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if stale, _ := isLockStale(fl.path); stale {
		_ = os.Remove(fl.path)
	}

	file, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}

		select {
		case <-ctx.Done():
			_ = file.Close()
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				_ = file.Close()
				return fmt.Errorf("acquire lock after %v: %w", timeout, err)
			}
		}
	}

	if err := file.Truncate(0); err != nil {
		_ = file.Close()
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		_ = file.Close()
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(file, "%d\n", fl.pid); err != nil {
		_ = file.Close()
		return fmt.Errorf("write pid to lock file: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync lock file: %w", err)
	}

	fl.mu.Lock()
	fl.file = file
	fl.mu.Unlock()
	return nil
}

// Release unlocks and closes the lock file.
func (fl *FileLock) Release() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file == nil {
		return fmt.Errorf("lock not held")
	}
	if err := unix.Flock(int(fl.file.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	fl.file = nil
	return nil
}

// Close releases the lock if held. Safe to call on an unlocked FileLock.
func (fl *FileLock) Close() error {
	fl.mu.Lock()
	held := fl.file != nil
	fl.mu.Unlock()
	if held {
		return fl.Release()
	}
	return nil
}

// isLockStale reports whether the PID recorded in lockPath refers to a dead
// (or absent) process. A lock held by a long-running encoder is never aged
// out by mtime alone: hours-old lock files are expected and valid so long as
// the owning process is still alive.
func isLockStale(lockPath string) (bool, error) {
	_, err := os.Stat(lockPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	data, err := os.ReadFile(lockPath)
	if err != nil {
		return true, nil
	}

	pidStr := strings.TrimSpace(string(data))
	if pidStr == "" {
		return true, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return true, nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return true, nil
	}

	if err := process.Signal(unix.Signal(0)); err == nil {
		return false, nil
	}
	return true, nil
}
