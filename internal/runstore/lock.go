package runstore

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Lock is a scoped mutual-exclusion acquisition over the run's lock
// file. Callers must Release on every exit path (use defer immediately
// after a successful AcquireLock).
//
// The run lock is held only for manifest writes and is never nested
// with any other lock, which rules out lock-ordering deadlocks by
// construction.
type Lock struct {
	fl *flock.Flock
}

// AcquireLock blocks until the run lock is held.
func AcquireLock(runRoot string) (*Lock, error) {
	fl := flock.New(filepath.Join(runRoot, LockFile))
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock. Safe to call once per acquisition.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}
