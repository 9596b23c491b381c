package fsutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ErrLocked is returned when another process holds the lock file.
var ErrLocked = errors.New("fsutil: lock held by another process")

// LockFile is an exclusive advisory lock held for the life of the daemon.
type LockFile struct {
	path string
	f    *os.File
	keep bool
}

// AcquireLock opens path and takes an exclusive non-blocking lock on it,
// writing the current PID into the file.
func AcquireLock(path string) (*LockFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, PermSecretFile)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := tryLock(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &LockFile{path: path, f: f}, nil
}

// WaitLock is AcquireLock retried until the lock is free or ctx is done. The
// file stays on disk after Release so a waiter never locks an unlinked file.
func WaitLock(ctx context.Context, path string) (*LockFile, error) {
	t := time.NewTicker(25 * time.Millisecond)
	defer t.Stop()
	for {
		l, err := AcquireLock(path)
		if !errors.Is(err, ErrLocked) {
			if l != nil {
				l.keep = true
			}
			return l, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", err, ctx.Err())
		case <-t.C:
		}
	}
}

// Release unlocks and, unless it was taken with WaitLock, removes the lock
// file.
func (l *LockFile) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unlock(l.f)
	err := l.f.Close()
	l.f = nil
	if !l.keep {
		os.Remove(l.path)
	}
	return err
}
