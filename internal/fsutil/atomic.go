// Package fsutil holds the crash safe file primitives used by the file
// backed stores.
package fsutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// WriteFileAtomic writes path through a temp file: write, fsync, rename,
// then fsync the parent directory so the rename survives a crash. Readers
// observe either the old content or the complete new content.
func WriteFileAtomic(path string, write func(w *bufio.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	writer := bufio.NewWriter(file)
	if err := write(writer); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return err
	}

	if err := writer.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("flush buffer: %w", err)
	}

	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	return SyncDir(dir)
}

// SyncDir fsyncs a directory so that entries created or removed in it are
// durable. It is a no-op where directories cannot be synced.
func SyncDir(dir string) error {
	if runtime.GOOS == "windows" || runtime.GOOS == "zos" {
		return nil
	}
	dirFile, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory for fsync: %w", err)
	}
	defer func() { _ = dirFile.Close() }()

	if err := dirFile.Sync(); err != nil {
		return fmt.Errorf("fsync directory: %w", err)
	}
	return nil
}
