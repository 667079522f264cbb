package container

import (
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Lock takes an advisory, non-blocking exclusive lock on fd, covering the
// lifetime of an in-place write: flock, not fcntl byte-range locks.
func Lock(fd int) error {
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return xerrors.Errorf("container: acquiring lock: %w", err)
	}
	return nil
}

// Unlock releases a lock taken with Lock.
func Unlock(fd int) error {
	if err := unix.Flock(fd, unix.LOCK_UN); err != nil {
		return xerrors.Errorf("container: releasing lock: %w", err)
	}
	return nil
}
