// Package pipeline assembles the per-source components (ledger, snapshot
// tracker, stage store, scanner, worker, reclaimer) and runs them as a unit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"hopper/internal/config"
	"hopper/internal/ledger"
	"hopper/internal/logging"
	"hopper/internal/notifications"
	"hopper/internal/processor"
	"hopper/internal/retry"
	"hopper/internal/scanner"
	"hopper/internal/services"
	"hopper/internal/snapshot"
	"hopper/internal/staging"
	"hopper/internal/workflow"
)

// Deps are collaborators shared across pipelines.
type Deps struct {
	Processor processor.Processor
	Gate      *workflow.Gate
	Uploader  workflow.ArchiveUploader
	Notifier  notifications.Service
	Logger    *slog.Logger
}

// Pipeline runs one configured source.
type Pipeline struct {
	cfg       *config.Config
	source    config.Source
	mode      scanner.Mode
	logger    *slog.Logger
	ledger    *ledger.Store
	tracker   *snapshot.Tracker
	store     *staging.Store
	admin     *staging.AdminStore
	worker    *workflow.Worker
	scanner   *scanner.Scanner
	reclaimer *workflow.Reclaimer
	notifier  notifications.Service

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
}

// Open prepares the stage layout and ledger for source. A nil processor is
// allowed for tooling that only inspects or requeues.
func Open(cfg *config.Config, source config.Source, deps Deps) (*Pipeline, error) {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	p := &Pipeline{
		cfg:      cfg,
		source:   source,
		mode:     DetectMode(source),
		logger:   logging.NewComponentLogger(logger, "pipeline").With(logging.Source(source.Name)),
		tracker:  snapshot.New(),
		notifier: deps.Notifier,
	}

	policy := retry.Policy{Attempts: cfg.Workflow.RetryAttempts, Delay: cfg.RetryDelay()}
	if p.mode == scanner.ModeAdmin {
		p.admin = staging.NewAdmin(cfg.ScratchDir(source))
		if err := p.admin.EnsureLayout(); err != nil {
			return nil, err
		}
	} else {
		discovered := source.Path
		if p.mode == scanner.ModeFile {
			discovered = filepath.Dir(source.Path)
		}
		p.store = staging.New(discovered, source.StageDir)
		if err := p.store.EnsureLayout(); err != nil {
			return nil, err
		}
	}

	led, err := ledger.Open(source.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger for %s: %w", source.Name, err)
	}
	p.ledger = led

	proc := deps.Processor
	if proc == nil {
		proc = processor.Func(func(context.Context, string) error {
			return services.Wrap(services.ErrConfiguration, "pipeline", "process", "no processor configured", nil)
		})
	}
	var stager workflow.Stager = p.store
	if p.admin != nil {
		stager = p.admin
	}
	workerOpts := []workflow.WorkerOption{
		workflow.WithGate(deps.Gate),
		workflow.WithRetryPolicy(policy),
		workflow.WithLogger(logger),
	}
	if deps.Uploader != nil {
		workerOpts = append(workerOpts, workflow.WithUploader(deps.Uploader))
	}
	if deps.Notifier != nil {
		workerOpts = append(workerOpts, workflow.WithResultHook(p.notifyResult))
	}
	p.worker = workflow.NewWorker(source.Name, stager, led, proc, workerOpts...)

	sc, err := scanner.New(scanner.Config{
		Source:      source.Name,
		Path:        source.Path,
		Mode:        p.mode,
		Extensions:  source.Extensions,
		Interval:    cfg.PollInterval(source),
		Concurrency: cfg.Workflow.ScanConcurrency,
		Policy:      policy,
		Logger:      logger,
	}, scanner.Deps{
		Tracker: p.tracker,
		Store:   p.store,
		Admin:   p.admin,
		Ledger:  led,
		Queue:   p.worker,
	})
	if err != nil {
		_ = led.Close()
		return nil, err
	}
	p.scanner = sc

	if p.store != nil {
		p.reclaimer = workflow.NewReclaimer(workflow.ReclaimerConfig{
			Source:    source.Name,
			Store:     p.store,
			Ledger:    led,
			Policy:    policy,
			Logger:    logger,
			InFlight:  p.worker.InFlight,
			OnRestore: p.tracker.Forget,
		})
	}
	return p, nil
}

func (p *Pipeline) notifyResult(result workflow.Result) {
	var event notifications.Event
	switch result.Outcome {
	case workflow.OutcomeProcessed:
		event = notifications.EventUnitProcessed
	case workflow.OutcomeFailed:
		event = notifications.EventUnitFailed
	default:
		return
	}
	name := filepath.Base(result.Item.OriginalPath)
	if result.Item.OriginalPath == "" {
		name = result.Item.UnitID
	}
	payload := notifications.Payload{"source": p.source.Name, "name": name}
	if result.Err != nil {
		payload["error"] = result.Err
	}
	if err := p.notifier.Publish(context.Background(), event, payload); err != nil {
		logging.WarnWithContext(p.logger, "notification failed", "notification_failed",
			logging.String("event", string(event)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
			logging.String(logging.FieldImpact, "operator was not alerted for this unit"),
		)
	}
}

// DetectMode reports how source.Path is watched. A path that does not exist
// yet is treated as a directory.
func DetectMode(source config.Source) scanner.Mode {
	if source.Admin {
		return scanner.ModeAdmin
	}
	info, err := os.Stat(source.Path)
	if err == nil && info.Mode().IsRegular() {
		return scanner.ModeFile
	}
	return scanner.ModeDirectory
}

// Name returns the source name.
func (p *Pipeline) Name() string { return p.source.Name }

// Source returns the source configuration.
func (p *Pipeline) Source() config.Source { return p.source }

// Mode returns the watch mode.
func (p *Pipeline) Mode() scanner.Mode { return p.mode }

// Ledger exposes the content ledger for tooling.
func (p *Pipeline) Ledger() *ledger.Store { return p.ledger }

// Worker exposes the worker, mainly for tests.
func (p *Pipeline) Worker() *workflow.Worker { return p.worker }

// Start recovers queued work and begins scanning.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("pipeline already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	// Recovery runs before the worker drains so units still pending from a
	// previous Start are matched by UnitID and not queued twice. Admin
	// recovery deletes scratch copies, which pending items still point at.
	var (
		recovered int
		err       error
	)
	if p.mode != scanner.ModeAdmin || len(p.worker.Pending()) == 0 {
		recovered, err = p.scanner.Recover(runCtx)
	}
	if err != nil {
		logging.WarnWithContext(p.logger, "startup recovery incomplete", "startup_recovery_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "units left in Queued wait for the next restart"),
			logging.String(logging.FieldErrorHint, "check stage directory permissions"),
		)
	}
	if err := p.worker.Start(runCtx); err != nil {
		cancel()
		return err
	}

	p.cancel = cancel
	p.running = true
	p.startedAt = time.Now()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = retry.Supervise(runCtx, p.logger, p.cfg.ErrorRetryInterval(), p.scanner.Run)
	}()
	if p.reclaimer != nil && p.cfg.StaleProcessingAge() > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.reclaimer.Run(runCtx, p.cfg.ReclaimInterval(), p.cfg.StaleProcessingAge())
		}()
	}

	p.logger.Info("pipeline started",
		logging.String("path", p.source.Path),
		logging.String("mode", string(p.mode)),
		logging.Int("recovered", recovered),
		logging.Duration("poll_interval", p.cfg.PollInterval(p.source)),
		logging.String(logging.FieldEventType, "pipeline_start"),
	)
	return nil
}

// Stop halts scanning and waits for the unit in flight to finish.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.worker.Stop()
	p.logger.Info("pipeline stopped", logging.String(logging.FieldEventType, "pipeline_stop"))
}

// Close stops the pipeline and releases the ledger.
func (p *Pipeline) Close() error {
	p.Stop()
	if p.ledger == nil {
		return nil
	}
	return p.ledger.Close()
}

// Requeue re-drives units stranded in Processing.
func (p *Pipeline) Requeue(ctx context.Context, opts workflow.ReclaimOptions) (workflow.ReclaimResult, error) {
	if p.reclaimer == nil {
		return workflow.ReclaimResult{}, services.Wrap(services.ErrValidation, "pipeline", "requeue",
			fmt.Sprintf("source %s has no Processing stage", p.source.Name), nil)
	}
	return p.reclaimer.Reclaim(ctx, opts)
}

// PruneLedger removes processed records older than retention.
func (p *Pipeline) PruneLedger(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	return p.ledger.Prune(ctx, time.Now().Add(-retention))
}

// StageEntries lists the files in stage; it is empty for admin sources.
func (p *Pipeline) StageEntries(stage staging.Stage) ([]staging.Entry, error) {
	if p.store == nil {
		return nil, nil
	}
	switch stage {
	case staging.StageQueued:
		return p.store.ListQueued()
	case staging.StageProcessing:
		return p.store.ListProcessing()
	case staging.StageArchive:
		return p.store.ListArchive()
	default:
		return nil, services.Wrap(services.ErrValidation, "pipeline", "list", "unsupported stage "+stage.String(), nil)
	}
}

// Locate finds the stage that holds uniqueName.
func (p *Pipeline) Locate(uniqueName string) (staging.Stage, string, error) {
	if p.store == nil {
		return staging.StageUnknown, "", services.Wrap(services.ErrNotFound, "pipeline", "locate", uniqueName, fs.ErrNotExist)
	}
	return p.store.Locate(uniqueName)
}
