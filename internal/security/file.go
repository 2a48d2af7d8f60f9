package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// File permission constants
const (
	// PermSecretFile is for files holding participant data or keys.
	PermSecretFile os.FileMode = 0600

	// PermSecretDir is for directories holding participant data.
	PermSecretDir os.FileMode = 0700

	// PermPublicFile is for exports meant to be shared.
	PermPublicFile os.FileMode = 0644
)

// File operation errors
var (
	ErrEmptyPath         = errors.New("security: empty path")
	ErrAtomicWriteFailed = errors.New("security: atomic write failed")
	ErrTempFileFailed    = errors.New("security: temporary file creation failed")
	ErrLocked            = errors.New("security: file is locked")
)

// AtomicFile writes to a temporary file in the destination directory and
// renames it into place on Commit, so readers never see a partial file.
type AtomicFile struct {
	path     string
	tempFile *os.File
	tempPath string
	done     bool
}

// CreateAtomic starts an atomic write of path with the given permissions.
func CreateAtomic(path string, perm os.FileMode) (*AtomicFile, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), PermSecretDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tempPath := clean + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTempFileFailed, err)
	}
	return &AtomicFile{path: clean, tempFile: f, tempPath: tempPath}, nil
}

// Path returns the destination path.
func (a *AtomicFile) Path() string { return a.path }

// Write writes to the temporary file.
func (a *AtomicFile) Write(p []byte) (int, error) {
	return a.tempFile.Write(p)
}

// Commit syncs the temporary file and renames it over the destination.
func (a *AtomicFile) Commit() error {
	if a.done {
		return nil
	}
	a.done = true

	if err := a.tempFile.Sync(); err != nil {
		a.tempFile.Close()
		os.Remove(a.tempPath)
		return fmt.Errorf("sync: %w", err)
	}
	if err := a.tempFile.Close(); err != nil {
		os.Remove(a.tempPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(a.tempPath, a.path); err != nil {
		os.Remove(a.tempPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	return nil
}

// Abort discards the write. It is a no-op after Commit.
func (a *AtomicFile) Abort() {
	if a.done {
		return
	}
	a.done = true
	a.tempFile.Close()
	os.Remove(a.tempPath)
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// WriteFileAtomic writes data to path atomically.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	f, err := CreateAtomic(path, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Abort()
		return err
	}
	return f.Commit()
}

// FileLock is an exclusive advisory lock held on a sidecar ".lock" file.
type FileLock struct {
	f *os.File
}

// Lock blocks until the lock for path is acquired.
func Lock(path string) (*FileLock, error) {
	return acquire(path, lockFile)
}

// TryLock acquires the lock for path or returns ErrLocked immediately.
func TryLock(path string) (*FileLock, error) {
	return acquire(path, tryLockFile)
}

func acquire(path string, lock func(*os.File) error) (*FileLock, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	lockPath := filepath.Clean(path) + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), PermSecretDir); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, PermSecretFile)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lock(f); err != nil {
		f.Close()
		return nil, err
	}
	return &FileLock{f: f}, nil
}

// Unlock releases the lock. The sidecar file is left in place.
func (l *FileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
