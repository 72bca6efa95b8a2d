package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const (
	defaultLockWait     = 5 * time.Second
	defaultLockPoll     = 100 * time.Millisecond
	defaultLockStaleAge = 30 * time.Second
)

// ErrLocked is returned when another live process holds the lock.
var ErrLocked = errors.New("transport: buffer is locked by another gateway")

// LockOptions tunes lock acquisition. Zero values use defaults.
type LockOptions struct {
	// Wait bounds how long to poll a held lock before giving up.
	Wait time.Duration
	// Poll is the interval between attempts.
	Poll time.Duration
	// StaleAge is how old an unreadable lock file must be before it is
	// taken over.
	StaleAge time.Duration
}

// InstanceLock is an exclusive lock file. Only one gateway may own a buffer
// file at a time.
type InstanceLock struct {
	path     string
	file     *os.File
	released bool
}

type lockOwner struct {
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"created_at"`
}

// AcquireLock creates path exclusively, recording the current pid. A lock
// whose owner is no longer running is removed and retaken.
func AcquireLock(ctx context.Context, path string, opts LockOptions) (*InstanceLock, error) {
	if opts.Wait <= 0 {
		opts.Wait = defaultLockWait
	}
	if opts.Poll <= 0 {
		opts.Poll = defaultLockPoll
	}
	if opts.StaleAge <= 0 {
		opts.StaleAge = defaultLockStaleAge
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	deadline := time.Now().Add(opts.Wait)
	var owner *lockOwner
	for {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			if err := json.NewEncoder(file).Encode(lockOwner{PID: os.Getpid(), CreatedAt: time.Now().UTC()}); err != nil {
				_ = file.Close()
				_ = os.Remove(path)
				return nil, fmt.Errorf("write lock %s: %w", path, err)
			}
			return &InstanceLock{path: path, file: file}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("acquire lock %s: %w", path, err)
		}

		owner = readLockOwner(path)
		abandoned := lockIsStale(path, opts.StaleAge)
		if owner != nil {
			abandoned = !processAlive(owner.PID)
		}
		if abandoned {
			_ = os.Remove(path)
			continue
		}

		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.Poll):
		}
	}

	if owner != nil {
		return nil, fmt.Errorf("%w (pid %d, lock %s)", ErrLocked, owner.PID, path)
	}
	return nil, fmt.Errorf("%w (lock %s)", ErrLocked, path)
}

// Path returns the lock file.
func (l *InstanceLock) Path() string {
	return l.path
}

// Release removes the lock file. Calling it more than once is a no-op.
func (l *InstanceLock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	closeErr := l.file.Close()
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return closeErr
}

func readLockOwner(path string) *lockOwner {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var owner lockOwner
	if err := json.Unmarshal(data, &owner); err != nil || owner.PID <= 0 {
		return nil
	}
	return &owner
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func lockIsStale(path string, age time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > age
}
