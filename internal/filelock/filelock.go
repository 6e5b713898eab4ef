// Package filelock provides advisory cross-process locking for partial
// download files, using github.com/gofrs/flock the way teal33t/surge's
// downloader package locks its own state file while writing it.
package filelock

import (
	"fmt"

	"github.com/gofrs/flock"

	"github.com/dccbot/dccbot/internal/boterr"
)

// Lock guards a single path (typically the .incomplete file a Transfer is
// writing to) against a second process opening the same path.
type Lock struct {
	f *flock.Flock
}

// New returns a Lock bound to path. The lock is not acquired yet.
func New(path string) *Lock {
	return &Lock{f: flock.New(path + ".lock")}
}

// TryAcquire attempts a non-blocking exclusive lock. It returns
// ErrAlreadyActive if another process (or another Transfer in this
// process) already holds it.
func (l *Lock) TryAcquire() error {
	ok, err := l.f.TryLock()
	if err != nil {
		return fmt.Errorf("locking %s: %w", l.f.Path(), err)
	}
	if !ok {
		return fmt.Errorf("%s is locked by another transfer: %w", l.f.Path(), boterr.ErrAlreadyActive)
	}
	return nil
}

// Release drops the lock. The sidecar .lock file is left on disk.
func (l *Lock) Release() error {
	return l.f.Unlock()
}
