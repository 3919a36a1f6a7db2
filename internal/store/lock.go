package store

import (
	"errors"
	"fmt"
	"os"
)

// ExitCodeLockHeld is the process exit code of the engine's re-entry
// invocation when the per-job lock is already owned by another engine
// process; the submitting side maps it to a locked skip
const ExitCodeLockHeld = 75

// ErrLockHeld is returned when another engine process owns the lock.
// Two engine invocations can share a store (CI plus interactive), so the
// lock is an exclusive-create file on the shared filesystem rather than an
// in-process mutex.
var ErrLockHeld = errors.New("lock held by another process")

// acquireFileLock creates the lock file with O_EXCL semantics and writes the
// holder's pid for diagnostics. The returned release removes the file.
func acquireFileLock(path string) (release func(), err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("failed to create lock %s: %w", path, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()

	return func() {
		os.Remove(path)
	}, nil
}
