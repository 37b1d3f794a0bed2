package fileutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CopyResult describes a completed copy.
type CopyResult struct {
	Bytes  int64
	SHA256 string
}

// CopyAtomic copies src to dst through a temporary sibling file that is
// fsynced and renamed into place, so dst either does not exist or holds the
// complete contents. The SHA-256 of the bytes written is returned for callers
// that need to confirm the source did not change mid-copy.
func CopyAtomic(src, dst string) (CopyResult, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return CopyResult{}, err
	}

	in, err := os.Open(src)
	if err != nil {
		return CopyResult{}, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return CopyResult{}, fmt.Errorf("stat source: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return CopyResult{}, err
	}
	tmpPath := tmp.Name()

	hasher := sha256.New()
	written, copyErr := io.Copy(io.MultiWriter(tmp, hasher), in)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()

	for _, err := range []error{copyErr, syncErr, closeErr} {
		if err != nil {
			_ = os.Remove(tmpPath)
			return CopyResult{}, err
		}
	}
	if written != info.Size() {
		_ = os.Remove(tmpPath)
		return CopyResult{}, fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes: %w", info.Size(), written, io.ErrUnexpectedEOF)
	}
	if err := os.Chmod(tmpPath, info.Mode().Perm()); err != nil {
		_ = os.Remove(tmpPath)
		return CopyResult{}, err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return CopyResult{}, fmt.Errorf("rename tmp->final: %w", err)
	}
	return CopyResult{Bytes: written, SHA256: hex.EncodeToString(hasher.Sum(nil))}, nil
}

// SyncDir fsyncs a directory so renames into it survive a crash.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
