//go:build windows

package security

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

const (
	lockfileFailImmediately = 0x1
	lockfileExclusiveLock   = 0x2

	errLockViolation syscall.Errno = 33
)

func lockRange(f *os.File, flags uint32) error {
	var overlapped syscall.Overlapped
	return syscall.LockFileEx(syscall.Handle(f.Fd()), flags, 0, 1, 0, &overlapped)
}

func lockFile(f *os.File) error {
	if err := lockRange(f, lockfileExclusiveLock); err != nil {
		return fmt.Errorf("lock %s: %w", f.Name(), err)
	}
	return nil
}

func tryLockFile(f *os.File) error {
	err := lockRange(f, lockfileExclusiveLock|lockfileFailImmediately)
	if errors.Is(err, errLockViolation) {
		return fmt.Errorf("%w: %s", ErrLocked, f.Name())
	}
	if err != nil {
		return fmt.Errorf("lock %s: %w", f.Name(), err)
	}
	return nil
}

func unlockFile(f *os.File) error {
	var overlapped syscall.Overlapped
	return syscall.UnlockFileEx(syscall.Handle(f.Fd()), 0, 1, 0, &overlapped)
}
