package staging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"hopper/internal/contentid"
	"hopper/internal/fileutil"
	"hopper/internal/services"
)

// AdminStore stages a fixed file that must stay where it is. The unit that
// flows through the worker is a scratch copy, so BeginProcessing and Archive
// leave it in place and Discard removes it once processing ends.
type AdminStore struct {
	scratch string
	now     func() time.Time
	suffix  func() string
}

// NewAdmin returns an AdminStore that copies into scratchDir.
func NewAdmin(scratchDir string, opts ...Option) *AdminStore {
	o := buildOptions(opts)
	return &AdminStore{scratch: filepath.Clean(scratchDir), now: o.now, suffix: o.suffix}
}

// EnsureLayout creates the scratch directory.
func (a *AdminStore) EnsureLayout() error {
	if err := os.MkdirAll(a.scratch, 0o755); err != nil {
		return services.Wrap(services.ErrConfiguration, "staging", "layout", a.scratch, err)
	}
	return nil
}

// ScratchDir returns the directory holding scratch copies.
func (a *AdminStore) ScratchDir() string { return a.scratch }

// Enqueue copies original into the scratch directory and returns the copy's path.
func (a *AdminStore) Enqueue(original string) (string, error) {
	dst, _, err := a.copy(original)
	return dst, err
}

// EnqueueDigest copies original and confirms the copy hashes to expected. A
// mismatch means the file changed after it was hashed; the copy is removed
// and a transient error is returned so the next tick starts over.
func (a *AdminStore) EnqueueDigest(original string, expected contentid.Digest) (string, error) {
	dst, sum, err := a.copy(original)
	if err != nil {
		return "", err
	}
	if sum != expected.String() {
		_ = os.Remove(dst)
		return "", services.Wrap(services.ErrTransient, "staging", "admin copy",
			fmt.Sprintf("%s changed while copying", original), io.ErrUnexpectedEOF)
	}
	return dst, nil
}

func (a *AdminStore) copy(original string) (string, string, error) {
	name := UniqueName(original, a.now(), a.suffix())
	dst := filepath.Join(a.scratch, name)
	res, err := fileutil.CopyAtomic(original, dst)
	if err != nil {
		return "", "", services.Wrap(services.ErrRelocation, "staging", "admin copy", original+" -> "+dst, err)
	}
	return dst, res.SHA256, nil
}

// BeginProcessing returns path unchanged.
func (a *AdminStore) BeginProcessing(path string) (string, error) { return path, nil }

// Archive returns path unchanged. Admin units are not archived.
func (a *AdminStore) Archive(path string) (string, error) { return path, nil }

// Discard removes a scratch copy. Paths outside the scratch directory are
// refused so the watched file can never be deleted by mistake.
func (a *AdminStore) Discard(path string) error {
	if filepath.Dir(filepath.Clean(path)) != a.scratch {
		return services.Wrap(services.ErrValidation, "staging", "discard", path+" is not a scratch copy", nil)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("discard scratch copy: %w", err)
	}
	return nil
}

// ListScratch returns leftover scratch copies oldest first.
func (a *AdminStore) ListScratch() ([]Entry, error) {
	return listStage(a.scratch)
}
