package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"hopper/internal/services"
)

// Stage identifies where a unit currently lives.
type Stage int

const (
	StageUnknown Stage = iota
	StageDiscovered
	StageQueued
	StageProcessing
	StageArchive
)

func (s Stage) String() string {
	switch s {
	case StageDiscovered:
		return "discovered"
	case StageQueued:
		return "queued"
	case StageProcessing:
		return "processing"
	case StageArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// Directory names created under a source's stage base.
const (
	QueuedDirName     = "Queued"
	ProcessingDirName = "Processing"
	ArchiveDirName    = "Archive"
)

// Entry is a file found in a stage directory.
type Entry struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"mod_time"`
	EnqueuedAt time.Time `json:"enqueued_at,omitzero"`
	Original   string    `json:"original"`
}

// Store relocates units between the stage directories of one source.
type Store struct {
	discovered string
	queued     string
	processing string
	archive    string
	now        func() time.Time
	suffix     func() string
}

// Option customizes a Store or AdminStore.
type Option func(*options)

type options struct {
	now    func() time.Time
	suffix func() string
}

// WithClock overrides the time used to stamp unique names.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSuffix overrides the random suffix generator.
func WithSuffix(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.suffix = fn
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, suffix: randomSuffix}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New returns a Store whose Discovered stage is discoveredDir and whose other
// stages live under base.
func New(discoveredDir, base string, opts ...Option) *Store {
	o := buildOptions(opts)
	return &Store{
		discovered: filepath.Clean(discoveredDir),
		queued:     filepath.Join(base, QueuedDirName),
		processing: filepath.Join(base, ProcessingDirName),
		archive:    filepath.Join(base, ArchiveDirName),
		now:        o.now,
		suffix:     o.suffix,
	}
}

// EnsureLayout creates the Queued, Processing, and Archive directories.
func (s *Store) EnsureLayout() error {
	for _, dir := range []string{s.queued, s.processing, s.archive} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return services.Wrap(services.ErrConfiguration, "staging", "layout", dir, err)
		}
	}
	return nil
}

// Dir returns the directory backing stage.
func (s *Store) Dir(stage Stage) string {
	switch stage {
	case StageDiscovered:
		return s.discovered
	case StageQueued:
		return s.queued
	case StageProcessing:
		return s.processing
	case StageArchive:
		return s.archive
	default:
		return ""
	}
}

// Enqueue moves a discovered file into Queued under a fresh unique name.
func (s *Store) Enqueue(discoveredPath string) (string, error) {
	if err := s.expectStage(discoveredPath, StageDiscovered, "enqueue"); err != nil {
		return "", err
	}
	name := UniqueName(discoveredPath, s.now(), s.suffix())
	return s.move(discoveredPath, s.queued, name, "enqueue")
}

// BeginProcessing moves a queued unit into Processing.
func (s *Store) BeginProcessing(queuedPath string) (string, error) {
	if err := s.expectStage(queuedPath, StageQueued, "begin processing"); err != nil {
		return "", err
	}
	return s.move(queuedPath, s.processing, filepath.Base(queuedPath), "begin processing")
}

// Archive moves a processed unit into Archive.
func (s *Store) Archive(processingPath string) (string, error) {
	if err := s.expectStage(processingPath, StageProcessing, "archive"); err != nil {
		return "", err
	}
	return s.move(processingPath, s.archive, filepath.Base(processingPath), "archive")
}

// Restore moves a unit from Processing back to Discovered so the scanner
// evaluates it again. The original name is used unless a file of that name
// already exists, in which case the unique name is kept.
func (s *Store) Restore(processingPath string) (string, error) {
	if err := s.expectStage(processingPath, StageProcessing, "restore"); err != nil {
		return "", err
	}
	name := OriginalName(processingPath)
	if _, err := os.Lstat(filepath.Join(s.discovered, name)); err == nil {
		name = filepath.Base(processingPath)
	}
	return s.move(processingPath, s.discovered, name, "restore")
}

// ListQueued returns Queued entries oldest first.
func (s *Store) ListQueued() ([]Entry, error) {
	return listStage(s.queued)
}

// ListProcessing returns Processing entries oldest first.
func (s *Store) ListProcessing() ([]Entry, error) {
	return listStage(s.processing)
}

// ListArchive returns Archive entries oldest first.
func (s *Store) ListArchive() ([]Entry, error) {
	return listStage(s.archive)
}

// Locate finds which stage currently holds uniqueName.
func (s *Store) Locate(uniqueName string) (Stage, string, error) {
	name := filepath.Base(uniqueName)
	for _, stage := range []Stage{StageQueued, StageProcessing, StageArchive} {
		path := filepath.Join(s.Dir(stage), name)
		if _, err := os.Lstat(path); err == nil {
			return stage, path, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return StageUnknown, "", fmt.Errorf("locate %s: %w", name, err)
		}
	}
	return StageUnknown, "", services.Wrap(services.ErrNotFound, "staging", "locate", name, nil)
}

func (s *Store) expectStage(path string, stage Stage, op string) error {
	if filepath.Dir(filepath.Clean(path)) != s.Dir(stage) {
		return services.Wrap(services.ErrRelocation, "staging", op,
			fmt.Sprintf("%s is not in the %s stage", path, stage), nil)
	}
	return nil
}

func (s *Store) move(src, dstDir, name, op string) (string, error) {
	dst := filepath.Join(dstDir, name)
	if _, err := os.Lstat(dst); err == nil {
		return "", services.Wrap(services.ErrRelocation, "staging", op, dst+" already exists", fs.ErrExist)
	}
	if err := os.Rename(src, dst); err != nil {
		return "", services.Wrap(services.ErrRelocation, "staging", op, src+" -> "+dst, err)
	}
	return dst, nil
}

func listStage(dir string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entry := Entry{
			Name:     de.Name(),
			Path:     filepath.Join(dir, de.Name()),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			Original: OriginalName(de.Name()),
		}
		if parsed, ok := ParseUniqueName(de.Name()); ok {
			entry.EnqueuedAt = parsed.EnqueuedAt
		}
		entries = append(entries, entry)
	}
	SortOldestFirst(entries)
	return entries, nil
}

// SortOldestFirst orders entries by modification time, ties broken by name.
func SortOldestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].ModTime.Equal(entries[j].ModTime) {
			return entries[i].ModTime.Before(entries[j].ModTime)
		}
		return entries[i].Name < entries[j].Name
	})
}
