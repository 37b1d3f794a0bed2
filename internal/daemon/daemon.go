package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"hopper/internal/config"
	"hopper/internal/ledger"
	"hopper/internal/logging"
	"hopper/internal/notifications"
	"hopper/internal/pipeline"
	"hopper/internal/processor"
	"hopper/internal/services"
	"hopper/internal/workflow"
)

const (
	lockFileName       = "hopper.lock"
	retentionInterval  = 24 * time.Hour
	defaultLedgerLimit = 100
)

// Daemon coordinates the per-source pipelines and enforces single-instance execution.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	pipelines []*pipeline.Pipeline
	byName    map[string]*pipeline.Pipeline
	logPath   string
	notifier  notifications.Service

	lockPath string
	lock     *flock.Flock
	api      *apiServer

	running   atomic.Bool
	lifecycle sync.Mutex
	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
}

// Status represents daemon runtime information.
type Status struct {
	Running          bool              `json:"running"`
	PID              int               `json:"pid"`
	StartedAt        time.Time         `json:"started_at,omitzero"`
	LockFilePath     string            `json:"lock_file_path"`
	LogPath          string            `json:"log_path,omitempty"`
	SerializeSources bool              `json:"serialize_sources"`
	Sources          []pipeline.Status `json:"sources"`
}

// Option customizes daemon construction.
type Option func(*options)

type options struct {
	processor processor.Processor
	uploader  workflow.ArchiveUploader
	notifier  notifications.Service
	logPath   string
}

// WithProcessor overrides the processor built from the [processor] section.
func WithProcessor(p processor.Processor) Option {
	return func(o *options) {
		o.processor = p
	}
}

// WithUploader mirrors archived units through u.
func WithUploader(u workflow.ArchiveUploader) Option {
	return func(o *options) {
		o.uploader = u
	}
}

// WithNotifier overrides the ntfy service built from [notifications].
func WithNotifier(n notifications.Service) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithLogPath records the active log file for status output.
func WithLogPath(path string) Option {
	return func(o *options) {
		o.logPath = path
	}
}

// LockPath returns the daemon lock location for cfg.
func LockPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.StateDir, lockFileName)
}

// IsRunning reports whether another process holds the daemon lock.
func IsRunning(cfg *config.Config) (bool, error) {
	path := LockPath(cfg)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("check daemon lock: %w", err)
	}
	if ok {
		_ = lock.Unlock()
		return false, nil
	}
	return true, nil
}

// New constructs a daemon and opens a pipeline for every configured source.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	proc := o.processor
	if proc == nil && len(cfg.Processor.Command) > 0 {
		cmd, err := processor.NewCommand(cfg.Processor.Command, cfg.ProcessorTimeout(),
			processor.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		proc = cmd
	}

	notifier := o.notifier
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}

	var gate *workflow.Gate
	if cfg.Workflow.SerializeSources {
		gate = workflow.NewGate()
	}

	lockPath := LockPath(cfg)
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		byName:   make(map[string]*pipeline.Pipeline, len(cfg.Sources)),
		logPath:  o.logPath,
		notifier: notifier,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	for _, src := range cfg.Sources {
		p, err := pipeline.Open(cfg, src, pipeline.Deps{
			Processor: proc,
			Gate:      gate,
			Uploader:  o.uploader,
			Notifier:  notifier,
			Logger:    logger,
		})
		if err != nil {
			_ = d.closePipelines()
			return nil, fmt.Errorf("open source %s: %w", src.Name, err)
		}
		d.pipelines = append(d.pipelines, p)
		d.byName[src.Name] = p
	}

	api, err := newAPIServer(cfg, d, logger)
	if err != nil {
		_ = d.closePipelines()
		return nil, err
	}
	d.api = api
	return d, nil
}

// Start acquires the daemon lock and launches every pipeline.
func (d *Daemon) Start(ctx context.Context) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another hopper daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	started := make([]*pipeline.Pipeline, 0, len(d.pipelines))
	for _, p := range d.pipelines {
		if err := p.Start(runCtx); err != nil {
			for _, s := range started {
				s.Stop()
			}
			cancel()
			_ = d.lock.Unlock()
			return fmt.Errorf("start source %s: %w", p.Name(), err)
		}
		started = append(started, p)
	}

	if err := d.api.start(runCtx); err != nil {
		logging.WarnWithContext(d.logger, "api server unavailable", "api_start_failed",
			logging.Error(err),
			logging.String("bind", d.cfg.Paths.APIBind),
			logging.String(logging.FieldErrorHint, "check paths.api_bind or free the port"),
			logging.String(logging.FieldImpact, "status and requeue are only available from the CLI"),
		)
	}

	d.cancel = cancel
	d.mu.Lock()
	d.startedAt = time.Now()
	d.mu.Unlock()
	d.running.Store(true)

	if d.cfg.LedgerRetention() > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runRetention(runCtx)
		}()
	}

	d.logger.Info("hopper daemon started",
		logging.String("lock", d.lockPath),
		logging.Int("sources", len(d.pipelines)),
		logging.Bool("serialize_sources", d.cfg.Workflow.SerializeSources),
		logging.String(logging.FieldEventType, "daemon_start"),
	)
	if err := d.notifier.Publish(runCtx, notifications.EventDaemonStarted, notifications.Payload{"sources": len(d.pipelines)}); err != nil {
		d.logger.Debug("startup notification failed", logging.Error(err))
	}
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.api.stop()
	d.wg.Wait()
	for _, p := range d.pipelines {
		p.Stop()
	}
	if err := d.lock.Unlock(); err != nil {
		logging.WarnWithContext(d.logger, "failed to release daemon lock", "lock_release_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove the lock file if no daemon is running"),
			logging.String(logging.FieldImpact, "next start may report another instance"),
		)
	}
	d.running.Store(false)
	d.logger.Info("hopper daemon stopped", logging.String(logging.FieldEventType, "daemon_stop"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return d.closePipelines()
}

func (d *Daemon) closePipelines() error {
	var errs []error
	for _, p := range d.pipelines {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close source %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogPath returns the path to the daemon log file.
func (d *Daemon) LogPath() string {
	return d.logPath
}

// APIAddr returns the address the status API listens on, or "" when it is off.
func (d *Daemon) APIAddr() string {
	return d.api.Addr()
}

// Pipeline returns the pipeline for source.
func (d *Daemon) Pipeline(source string) (*pipeline.Pipeline, error) {
	p, ok := d.byName[source]
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, "daemon", "lookup", "unknown source "+source, nil)
	}
	return p, nil
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	d.mu.Lock()
	startedAt := d.startedAt
	d.mu.Unlock()

	status := Status{
		Running:          d.running.Load(),
		PID:              os.Getpid(),
		LockFilePath:     d.lockPath,
		LogPath:          d.logPath,
		SerializeSources: d.cfg.Workflow.SerializeSources,
		Sources:          make([]pipeline.Status, 0, len(d.pipelines)),
	}
	if status.Running {
		status.StartedAt = startedAt
	}
	for _, p := range d.pipelines {
		status.Sources = append(status.Sources, p.Status(ctx))
	}
	return status
}

// SourceStatus returns the status of one source.
func (d *Daemon) SourceStatus(ctx context.Context, source string) (pipeline.Status, error) {
	p, err := d.Pipeline(source)
	if err != nil {
		return pipeline.Status{}, err
	}
	return p.Status(ctx), nil
}

// Requeue re-drives units stranded in a source's Processing stage.
func (d *Daemon) Requeue(ctx context.Context, source string, opts workflow.ReclaimOptions) (workflow.ReclaimResult, error) {
	p, err := d.Pipeline(source)
	if err != nil {
		return workflow.ReclaimResult{}, err
	}
	ctx = services.WithSource(ctx, source)
	result, err := p.Requeue(ctx, opts)
	if err != nil {
		return result, err
	}
	d.logger.Info("requeue completed",
		logging.Source(source),
		logging.Int("archived", len(result.Archived)),
		logging.Int("restored", len(result.Restored)),
		logging.Int("errors", len(result.Errors)),
		logging.String(logging.FieldEventType, "requeue_completed"),
	)
	return result, nil
}

// LedgerRecords lists a source's ledger records, newest first.
func (d *Daemon) LedgerRecords(ctx context.Context, source string, filter ledger.ListFilter) ([]ledger.Record, error) {
	p, err := d.Pipeline(source)
	if err != nil {
		return nil, err
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultLedgerLimit
	}
	return p.Ledger().List(ctx, filter)
}

// PruneLedgers applies ledger retention to every source and returns the
// number of records removed per source.
func (d *Daemon) PruneLedgers(ctx context.Context) map[string]int64 {
	retention := d.cfg.LedgerRetention()
	removed := make(map[string]int64, len(d.pipelines))
	for _, p := range d.pipelines {
		n, err := p.PruneLedger(ctx, retention)
		if err != nil {
			logging.WarnWithContext(d.logger, "ledger prune failed", "ledger_prune_failed",
				logging.Source(p.Name()),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check ledger database permissions"),
				logging.String(logging.FieldImpact, "processed records are kept until the next sweep"),
			)
			continue
		}
		removed[p.Name()] = n
		if n > 0 {
			d.logger.Info("ledger pruned",
				logging.Source(p.Name()),
				logging.Int64("removed", n),
				logging.Duration("retention", retention),
				logging.String(logging.FieldEventType, "ledger_pruned"),
			)
		}
	}
	return removed
}

func (d *Daemon) runRetention(ctx context.Context) {
	d.PruneLedgers(ctx)
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.PruneLedgers(ctx)
		}
	}
}
