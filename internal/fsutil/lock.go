package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

var ErrLocked = errors.New("directory is locked by another process")

// DirectoryLock guards a data directory against concurrent use by two
// engines. It is an advisory flock(2) on <dir>/.lock.
type DirectoryLock struct {
	lockFilePath string
	lockFile     *os.File
}

func NewDirectoryLock(dir string) *DirectoryLock {
	return &DirectoryLock{lockFilePath: filepath.Join(dir, ".lock")}
}

// Lock acquires the lock without blocking. It fails with ErrLocked if
// another process holds it.
func (l *DirectoryLock) Lock() error {
	if l.lockFile != nil {
		return fmt.Errorf("lock already held by this instance")
	}

	if err := os.MkdirAll(filepath.Dir(l.lockFilePath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	file, err := os.OpenFile(l.lockFilePath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return fmt.Errorf("%w: %s", ErrLocked, l.lockFilePath)
		}
		return fmt.Errorf("acquire lock: %w", err)
	}

	l.lockFile = file
	return nil
}

// Unlock releases the lock. The lock file itself is left in place; removing
// it would let a second process lock a different inode.
func (l *DirectoryLock) Unlock() error {
	if l.lockFile == nil {
		return nil
	}

	file := l.lockFile
	l.lockFile = nil

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_UN); err != nil {
		_ = file.Close()
		return fmt.Errorf("release lock: %w", err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

func (l *DirectoryLock) IsLocked() bool {
	return l.lockFile != nil
}
