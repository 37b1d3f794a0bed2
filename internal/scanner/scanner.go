package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"hopper/internal/contentid"
	"hopper/internal/logging"
	"hopper/internal/retry"
	"hopper/internal/services"
	"hopper/internal/snapshot"
	"hopper/internal/staging"
	"hopper/internal/workflow"
)

// Mode selects how a source path is watched.
type Mode string

const (
	// ModeDirectory lists every matching file in a directory.
	ModeDirectory Mode = "directory"
	// ModeFile watches one file and moves it through the stages.
	ModeFile Mode = "file"
	// ModeAdmin watches one file that is never moved.
	ModeAdmin Mode = "admin"
)

// Submitter accepts units for processing.
type Submitter interface {
	Submit(item workflow.QueueItem)
}

// Ledger is the subset of the content ledger the scanner consults.
type Ledger interface {
	RecordSeen(ctx context.Context, digest contentid.Digest, originalPath string) error
	IsKnownProcessed(ctx context.Context, digest contentid.Digest) (bool, error)
}

// Config describes one watched source.
type Config struct {
	Source      string
	Path        string
	Mode        Mode
	Extensions  []string
	Interval    time.Duration
	Concurrency int
	Policy      retry.Policy
	Logger      *slog.Logger
}

// Deps are the collaborators a Scanner drives. Store is required for
// directory and file modes, Admin for admin mode.
type Deps struct {
	Tracker *snapshot.Tracker
	Store   *staging.Store
	Admin   *staging.AdminStore
	Ledger  Ledger
	Queue   Submitter
}

// Option customizes a Scanner.
type Option func(*Scanner)

// WithLockCheck replaces the advisory lock check.
func WithLockCheck(fn func(path string) (bool, error)) Option {
	return func(s *Scanner) {
		if fn != nil {
			s.lockCheck = fn
		}
	}
}

// WithDigester replaces the content digest function.
func WithDigester(fn func(ctx context.Context, path string) (contentid.Digest, error)) Option {
	return func(s *Scanner) {
		if fn != nil {
			s.digest = fn
		}
	}
}

// Scanner polls one source.
type Scanner struct {
	cfg       Config
	deps      Deps
	logger    *slog.Logger
	lockCheck func(path string) (bool, error)
	digest    func(ctx context.Context, path string) (contentid.Digest, error)
	now       func() time.Time

	mu     sync.Mutex
	status Status
}

type candidate struct {
	path string
	info fs.FileInfo
}

type decision struct {
	enqueue bool
	reason  string
	digest  contentid.Digest
	err     error
}

// New constructs a Scanner.
func New(cfg Config, deps Deps, opts ...Option) (*Scanner, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeDirectory
	}
	switch cfg.Mode {
	case ModeDirectory, ModeFile:
		if deps.Store == nil {
			return nil, services.Wrap(services.ErrConfiguration, "scanner", "new", "stage store required", nil)
		}
	case ModeAdmin:
		if deps.Admin == nil {
			return nil, services.Wrap(services.ErrConfiguration, "scanner", "new", "admin store required", nil)
		}
	default:
		return nil, services.Wrap(services.ErrConfiguration, "scanner", "new", fmt.Sprintf("unknown mode %q", cfg.Mode), nil)
	}
	if deps.Tracker == nil {
		deps.Tracker = snapshot.New()
	}
	if deps.Ledger == nil || deps.Queue == nil {
		return nil, services.Wrap(services.ErrConfiguration, "scanner", "new", "ledger and queue required", nil)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Policy.Attempts == 0 {
		cfg.Policy = retry.DefaultPolicy()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Scanner{
		cfg:       cfg,
		deps:      deps,
		logger:    logging.NewComponentLogger(logger, "scanner").With(logging.Source(cfg.Source)),
		lockCheck: checkLock,
		digest:    contentid.ComputeDigest,
		now:       time.Now,
		status:    Status{Source: cfg.Source, Path: cfg.Path, Mode: cfg.Mode, State: StateIdle},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run scans every interval until ctx is done. The first scan error is
// returned so a supervisor can restart the loop after a cooldown.
func (s *Scanner) Run(ctx context.Context) error {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.Scan(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Scan performs one tick.
func (s *Scanner) Scan(ctx context.Context) error {
	start := s.now()
	s.setState(StateScanning)
	defer s.setState(StateIdle)

	candidates, err := s.list()
	if err != nil {
		s.recordScan(start, 0, err)
		return err
	}
	paths := make([]string, len(candidates))
	for i, c := range candidates {
		paths[i] = c.path
	}
	s.deps.Tracker.Retain(paths)

	decisions := make([]decision, len(candidates))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.cfg.Concurrency)
	for i, c := range candidates {
		eg.Go(func() error {
			decisions[i] = s.check(egCtx, c)
			return nil
		})
	}
	_ = eg.Wait()
	s.setState(StateChecked)

	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		d := decisions[i]
		if !d.enqueue {
			s.skip(c, d)
			continue
		}
		s.enqueue(ctx, c, d.digest)
	}
	s.recordScan(start, len(candidates), nil)
	return nil
}

func (s *Scanner) list() ([]candidate, error) {
	if s.cfg.Mode != ModeDirectory {
		info, err := os.Stat(s.cfg.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, services.Wrap(services.ErrTransient, "scanner", "stat", s.cfg.Path, err)
		}
		if !info.Mode().IsRegular() {
			return nil, nil
		}
		return []candidate{{path: s.cfg.Path, info: info}}, nil
	}

	entries, err := os.ReadDir(s.cfg.Path)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "scanner", "list", s.cfg.Path, err)
	}
	candidates := make([]candidate, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !MatchExtension(entry.Name(), s.cfg.Extensions) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: filepath.Join(s.cfg.Path, entry.Name()), info: info})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].info.ModTime(), candidates[j].info.ModTime()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return candidates[i].path < candidates[j].path
	})
	return candidates, nil
}

func (s *Scanner) check(ctx context.Context, c candidate) decision {
	locked, err := s.lockCheck(c.path)
	if err != nil {
		return decision{reason: "lock_check_failed", err: err}
	}
	if locked {
		return decision{reason: "locked"}
	}
	if !s.deps.Tracker.HasChanged(c.path, c.info) {
		return decision{reason: "unchanged"}
	}

	digest, err := retry.DoValue(ctx, s.cfg.Policy, func(ctx context.Context) (contentid.Digest, error) {
		return s.digest(ctx, c.path)
	})
	if err != nil {
		s.deps.Tracker.Forget(c.path)
		return decision{reason: "digest_failed", err: err}
	}
	known, err := s.deps.Ledger.IsKnownProcessed(ctx, digest)
	if err != nil {
		s.deps.Tracker.Forget(c.path)
		return decision{reason: "ledger_lookup_failed", digest: digest, err: err}
	}
	if known {
		return decision{reason: "already_processed", digest: digest}
	}
	return decision{enqueue: true, digest: digest}
}

func (s *Scanner) skip(c candidate, d decision) {
	s.setState(StateSkipped)
	s.mu.Lock()
	s.status.Skipped++
	s.mu.Unlock()

	attrs := []logging.Attr{
		logging.String("path", c.path),
		logging.String("reason", d.reason),
	}
	if !d.digest.IsZero() {
		attrs = append(attrs, logging.Digest(d.digest.String()))
	}
	if d.err == nil {
		if d.reason != "unchanged" {
			s.logger.Debug("candidate skipped", logging.Args(attrs...)...)
		}
		return
	}
	attrs = append(attrs,
		logging.Error(d.err),
		logging.String(logging.FieldImpact, "file re-evaluated on the next scan"),
		logging.String(logging.FieldErrorHint, "check the file is readable and the ledger is writable"),
	)
	logging.WarnWithContext(s.logger, "candidate check failed", "candidate_check_failed", attrs...)
}

func (s *Scanner) enqueue(ctx context.Context, c candidate, digest contentid.Digest) {
	logger := s.logger.With(logging.String("original_path", c.path), logging.Digest(digest.String()))
	original := c.path

	var (
		unitPath string
		err      error
	)
	if s.cfg.Mode == ModeAdmin {
		if err := s.recordSeen(ctx, digest, original); err != nil {
			s.deps.Tracker.Forget(c.path)
			s.enqueueFailed(logger, err, "ledger_record_failed")
			return
		}
		unitPath, err = s.deps.Admin.EnqueueDigest(original, digest)
		if err != nil {
			s.deps.Tracker.Forget(c.path)
			s.enqueueFailed(logger, err, "scratch_copy_failed")
			return
		}
	} else {
		unitPath, err = s.deps.Store.Enqueue(original)
		if err != nil {
			s.deps.Tracker.Forget(c.path)
			s.enqueueFailed(logger, err, "enqueue_failed")
			return
		}
		s.deps.Tracker.Forget(c.path)
		if err := s.recordSeen(ctx, digest, original); err != nil {
			logging.WarnWithContext(logger, "failed to record seen digest", "ledger_record_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "unit still processed; ledger row written on completion"),
				logging.String(logging.FieldErrorHint, "check the ledger database is writable"),
			)
		}
	}

	item := workflow.QueueItem{
		Path:         unitPath,
		Digest:       digest,
		OriginalPath: original,
		UnitID:       filepath.Base(unitPath),
		SubmittedAt:  s.now().UTC(),
	}
	s.deps.Queue.Submit(item)
	s.setState(StateEnqueued)
	s.mu.Lock()
	s.status.Enqueued++
	s.mu.Unlock()
	logger.Info("unit enqueued",
		logging.UnitID(item.UnitID),
		logging.String("unique_name", filepath.Base(unitPath)),
		logging.String(logging.FieldEventType, "unit_enqueued"),
	)
}

func (s *Scanner) recordSeen(ctx context.Context, digest contentid.Digest, original string) error {
	return retry.Do(ctx, s.cfg.Policy, func(ctx context.Context) error {
		return s.deps.Ledger.RecordSeen(ctx, digest, original)
	})
}

func (s *Scanner) enqueueFailed(logger *slog.Logger, err error, event string) {
	s.mu.Lock()
	s.status.Skipped++
	s.mu.Unlock()
	logging.WarnWithContext(logger, "failed to enqueue unit", event,
		logging.Error(err),
		logging.String(logging.FieldImpact, "file stays where it is and is retried on the next scan"),
		logging.String(logging.FieldErrorHint, "check stage directories are on the same filesystem and writable"),
	)
}

// Recover resubmits work left behind by a previous run. Directory sources
// submit every file in Queued oldest first; admin sources discard leftover
// scratch copies because the original is re-evaluated on the first scan.
func (s *Scanner) Recover(ctx context.Context) (int, error) {
	if s.cfg.Mode == ModeAdmin {
		res := staging.CleanStale(ctx, s.deps.Admin.ScratchDir(), 0, s.logger)
		if len(res.Errors) > 0 {
			return 0, fmt.Errorf("clean scratch %s: %w", res.Errors[0].Path, res.Errors[0].Error)
		}
		return 0, nil
	}

	entries, err := s.deps.Store.ListQueued()
	if err != nil {
		return 0, err
	}
	discovered := s.deps.Store.Dir(staging.StageDiscovered)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		s.deps.Queue.Submit(workflow.QueueItem{
			Path:         entry.Path,
			OriginalPath: filepath.Join(discovered, entry.Original),
			UnitID:       entry.Name,
			SubmittedAt:  s.now().UTC(),
		})
	}
	if len(entries) > 0 {
		s.logger.Info("resubmitted queued units from previous run",
			logging.Int("count", len(entries)),
			logging.String(logging.FieldEventType, "startup_recovery"),
		)
	}
	return len(entries), nil
}

// MatchExtension reports whether name passes filter. An empty filter admits
// every file; entries are lowercase with a leading dot.
func MatchExtension(name string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range filter {
		if ext == allowed {
			return true
		}
	}
	return false
}

// checkLock reports whether another process holds an advisory lock on path.
// The file is opened read-only so probing never creates or truncates it.
func checkLock(path string) (bool, error) {
	lock := flock.New(path, flock.SetFlag(os.O_RDONLY))
	ok, err := lock.TryLock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, err
	}
	if !ok {
		return true, nil
	}
	if err := lock.Unlock(); err != nil {
		return false, err
	}
	return false, nil
}
