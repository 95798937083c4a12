package utils

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const (
	lockFileSuffix = ".lock"
)

// RunLock keeps two fetches from working on the same checkpoint at once.
type RunLock struct {
	lock *flock.Flock
	path string
}

// NewRunLock creates the lock guarding the checkpoint at checkpointPath.
func NewRunLock(checkpointPath string) (*RunLock, error) {
	absPath, err := filepath.Abs(checkpointPath)
	if err != nil {
		return nil, fmt.Errorf("could not get absolute checkpoint path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	lockPath := absPath + lockFileSuffix
	return &RunLock{
		lock: flock.New(lockPath),
		path: lockPath,
	}, nil
}

func (l *RunLock) Path() string { return l.path }

// TryLock acquires the lock without waiting. ok is false when another
// process holds it.
func (l *RunLock) TryLock() (ok bool, err error) {
	locked, err := l.lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock on %s: %w", l.path, err)
	}
	return locked, nil
}

// Lock acquires the lock, waiting if necessary.
// It will log a message if it has to wait.
func (l *RunLock) Lock() error {
	locked, err := l.TryLock()
	if err != nil {
		return err
	}

	if !locked {
		Log.Warnf("Another fetch is running against %s, waiting for it to finish...", l.path)
		if err := l.lock.Lock(); err != nil {
			return fmt.Errorf("failed to acquire lock on %s after waiting: %w", l.path, err)
		}
	}
	return nil
}

// Unlock releases the lock.
func (l *RunLock) Unlock() error {
	if err := l.lock.Unlock(); err != nil {
		// Suppress error if the lock file doesn't exist, as it means we don't hold the lock.
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to release lock on %s: %w", l.path, err)
	}
	return nil
}
