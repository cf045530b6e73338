package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const lockName = ".lock"

var ErrLocked = errors.New("checkpoint: run directory is locked by another process")

// Lock is an advisory exclusive lock on a run's checkpoint directory, held
// by the coordinating worker for the life of a run.
type Lock struct {
	f *os.File
}

// Acquire creates dir if needed and takes the lock without blocking.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, lockName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := tryLock(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Lock{f: f}, nil
}

// Release drops the lock. It is safe to call on a nil Lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := errors.Join(unlock(l.f), l.f.Close())
	l.f = nil
	return err
}
