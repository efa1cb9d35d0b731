package storage

import (
	"fmt"
	"os"
	"syscall"
)

// lockFile acquires an advisory flock on path, creating the file if needed.
// Exclusive locks serialize writers across processes; shared locks admit
// concurrent readers. The returned function releases the lock.
func lockFile(path string, exclusive bool) (unlock func() error, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	how := syscall.LOCK_SH
	if exclusive {
		how = syscall.LOCK_EX
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("acquiring file lock: %w", err)
	}

	return func() error {
		defer f.Close()
		return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	}, nil
}
