package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"hopper/internal/contentid"
	"hopper/internal/logging"
	"hopper/internal/processor"
	"hopper/internal/retry"
	"hopper/internal/services"
)

// Worker drains the queue of one source.
type Worker struct {
	source    string
	stager    Stager
	ledger    Ledger
	processor processor.Processor
	uploader  ArchiveUploader
	gate      *Gate
	policy    retry.Policy
	logger    *slog.Logger
	onResult  func(Result)
	now       func() time.Time

	mu        sync.Mutex
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	queue     []QueueItem
	draining  bool
	idle      chan struct{}
	current   *QueueItem
	lastItem  *QueueItem
	lastErr   error
	lastErrAt time.Time
	counts    map[Outcome]int64
	wg        sync.WaitGroup
}

// WorkerOption configures optional Worker behavior.
type WorkerOption func(*Worker)

// WithGate shares a gate with other workers so only one unit is in flight
// across all of them.
func WithGate(g *Gate) WorkerOption {
	return func(w *Worker) { w.gate = g }
}

// WithRetryPolicy sets the inner retry used for digests and ledger writes.
func WithRetryPolicy(p retry.Policy) WorkerOption {
	return func(w *Worker) { w.policy = p }
}

// WithUploader mirrors archived units after they are safe.
func WithUploader(u ArchiveUploader) WorkerOption {
	return func(w *Worker) { w.uploader = u }
}

// WithLogger sets the worker's logger.
func WithLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithResultHook registers fn to be called after every item.
func WithResultHook(fn func(Result)) WorkerOption {
	return func(w *Worker) { w.onResult = fn }
}

// WithClock overrides the worker's time source.
func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWorker constructs a worker for source. It does nothing until Start.
func NewWorker(source string, stager Stager, ledger Ledger, proc processor.Processor, opts ...WorkerOption) *Worker {
	idle := make(chan struct{})
	close(idle)
	w := &Worker{
		source:    source,
		stager:    stager,
		ledger:    ledger,
		processor: proc,
		policy:    retry.DefaultPolicy(),
		logger:    logging.NewNop(),
		now:       time.Now,
		idle:      idle,
		counts:    make(map[Outcome]int64, 3),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.NewComponentLogger(w.logger, "worker")
	return w
}

// Start enables draining. Items submitted before Start are drained now.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("worker already running")
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	if len(w.queue) > 0 && !w.draining {
		w.startDrainLocked()
	}
	return nil
}

// Stop cancels the drain and waits for the unit in flight to finish. Items
// still queued stay in memory and are drained if the worker starts again.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
}

// Submit appends item to the queue and starts a drain if none is active. An
// item whose UnitID is already pending or in flight is dropped, so startup
// recovery after a Stop does not queue a unit twice.
func (w *Worker) Submit(item QueueItem) {
	if item.UnitID == "" {
		item.UnitID = filepath.Base(item.Path)
	}
	if item.SubmittedAt.IsZero() {
		item.SubmittedAt = w.now().UTC()
	}

	w.mu.Lock()
	if w.hasUnitLocked(item.UnitID) {
		w.mu.Unlock()
		w.logger.Debug("unit already queued",
			logging.Source(w.source),
			logging.UnitID(item.UnitID),
		)
		return
	}
	w.queue = append(w.queue, item)
	depth := len(w.queue)
	if w.running && !w.draining {
		w.startDrainLocked()
	}
	w.mu.Unlock()

	w.logger.Debug("unit submitted",
		logging.Source(w.source),
		logging.UnitID(item.UnitID),
		logging.Int("queue_depth", depth),
	)
}

func (w *Worker) hasUnitLocked(unitID string) bool {
	if w.current != nil && w.current.UnitID == unitID {
		return true
	}
	for _, queued := range w.queue {
		if queued.UnitID == unitID {
			return true
		}
	}
	return false
}

// WaitIdle blocks until no drain is running or ctx is done.
func (w *Worker) WaitIdle(ctx context.Context) error {
	w.mu.Lock()
	idle := w.idle
	w.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight reports whether name is the file of the unit being processed.
func (w *Worker) InFlight(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current != nil && filepath.Base(w.current.Path) == filepath.Base(name)
}

// Pending returns a copy of the items waiting behind the one in flight.
func (w *Worker) Pending() []QueueItem {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]QueueItem(nil), w.queue...)
}

func (w *Worker) startDrainLocked() {
	w.draining = true
	w.idle = make(chan struct{})
	w.wg.Add(1)
	go w.drain(w.ctx)
}

func (w *Worker) stopDrainingLocked() {
	w.draining = false
	close(w.idle)
}

func (w *Worker) drain(ctx context.Context) {
	defer w.wg.Done()
	for {
		item, ok := w.next(ctx)
		if !ok {
			return
		}
		if err := w.gate.Acquire(ctx); err != nil {
			w.mu.Lock()
			w.queue = append([]QueueItem{item}, w.queue...)
			w.current = nil
			w.stopDrainingLocked()
			w.mu.Unlock()
			return
		}
		result := w.process(context.WithoutCancel(ctx), item)
		w.gate.Release()
		w.finish(result)
	}
}

func (w *Worker) next(ctx context.Context) (QueueItem, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ctx.Err() != nil || len(w.queue) == 0 {
		w.stopDrainingLocked()
		return QueueItem{}, false
	}
	item := w.queue[0]
	w.queue[0] = QueueItem{}
	w.queue = w.queue[1:]
	current := item
	w.current = &current
	return item, true
}

func (w *Worker) process(ctx context.Context, item QueueItem) (result Result) {
	start := w.now()
	ctx = services.WithUnitID(services.WithSource(ctx, w.source), item.UnitID)
	logger := logging.WithContext(ctx, w.logger)
	result = Result{Item: item, FinalPath: item.Path}
	defer func() { result.Duration = w.now().Sub(start) }()

	processingPath, err := w.stager.BeginProcessing(item.Path)
	if err != nil {
		return w.fail(logger, result, err, "begin_processing_failed",
			"unit left in Queued until the next startup",
			"check stage directory permissions")
	}
	result.FinalPath = processingPath
	logger = logger.With(logging.String(logging.FieldStage, "processing"))

	if item.Digest.IsZero() {
		digest, err := retry.DoValue(ctx, w.policy, func(ctx context.Context) (contentid.Digest, error) {
			return contentid.ComputeDigest(ctx, processingPath)
		})
		if err != nil {
			w.discard(logger, processingPath)
			return w.fail(logger, result, err, "digest_failed",
				"unit left in Processing",
				"check the file is readable")
		}
		item.Digest = digest
		result.Item.Digest = digest
	}

	known, err := w.ledger.IsKnownProcessed(ctx, item.Digest)
	if err != nil {
		w.discard(logger, processingPath)
		return w.fail(logger, result, err, "ledger_lookup_failed",
			"unit left in Processing",
			"check the ledger database is writable")
	}
	if known {
		logger.Info("content already processed; archiving without callback",
			logging.Digest(item.Digest.String()),
			logging.String(logging.FieldEventType, "unit_duplicate"),
		)
		result.FinalPath = w.complete(logger, processingPath)
		result.Outcome = OutcomeSkipped
		return result
	}

	logger.Info("processing unit",
		logging.String(logging.FieldEventType, "unit_start"),
		logging.String("original_path", item.OriginalPath),
		logging.Digest(item.Digest.String()),
	)
	unitCtx := processor.WithUnitInfo(ctx, processor.UnitInfo{
		Source:       w.source,
		UnitID:       item.UnitID,
		Digest:       item.Digest.String(),
		OriginalPath: item.OriginalPath,
	})
	if err := w.processor.ProcessUnit(unitCtx, processingPath); err != nil {
		w.discard(logger, processingPath)
		return w.fail(logger, result, err, "callback_failed",
			"unit left in Processing; content remains unprocessed",
			"inspect the processor output, then requeue the unit")
	}

	if err := retry.Do(ctx, w.policy, func(ctx context.Context) error {
		return w.ledger.MarkProcessed(ctx, item.Digest, item.OriginalPath)
	}); err != nil {
		w.discard(logger, processingPath)
		return w.fail(logger, result, err, "mark_processed_failed",
			"processor ran but the content is not recorded; unit left in Processing",
			"check the ledger database is writable")
	}

	final := w.complete(logger, processingPath)
	result.FinalPath = final
	result.Outcome = OutcomeProcessed
	if w.uploader != nil && final != processingPath {
		if err := w.uploader.UploadArchived(ctx, w.source, final, item.Digest); err != nil {
			logging.WarnWithContext(logger, "archive mirror upload failed", "mirror_upload_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "archived unit is not mirrored"),
				logging.String(logging.FieldErrorHint, "check mirror credentials and bucket"),
			)
		}
	}
	logger.Info("unit processed",
		logging.String(logging.FieldEventType, "unit_processed"),
		logging.String(logging.FieldStage, "archive"),
		logging.Digest(item.Digest.String()),
		logging.Duration("duration", w.now().Sub(start)),
	)
	return result
}

// complete archives a processed unit and discards admin copies. An archive
// failure leaves the unit in Processing with its digest already recorded; the
// reclaimer archives it later.
func (w *Worker) complete(logger *slog.Logger, processingPath string) string {
	if d, ok := w.stager.(Discarder); ok {
		if err := d.Discard(processingPath); err != nil {
			logging.WarnWithContext(logger, "failed to discard scratch copy", "scratch_discard_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "scratch copy left on disk until stale cleanup"),
				logging.String(logging.FieldErrorHint, "check state_dir permissions"),
			)
		}
		return processingPath
	}
	archived, err := w.stager.Archive(processingPath)
	if err != nil {
		logging.WarnWithContext(logger, "failed to archive processed unit", "archive_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "unit stays in Processing until reclaimed"),
			logging.String(logging.FieldErrorHint, "check stage directory permissions"),
		)
		return processingPath
	}
	return archived
}

func (w *Worker) discard(logger *slog.Logger, path string) {
	d, ok := w.stager.(Discarder)
	if !ok {
		return
	}
	if err := d.Discard(path); err != nil {
		logger.Debug("scratch discard failed", logging.Error(err))
	}
}

func (w *Worker) fail(logger *slog.Logger, result Result, err error, event, impact, hint string) Result {
	result.Outcome = OutcomeFailed
	result.Err = err
	logging.ErrorWithContext(logger, "unit failed", event,
		logging.Error(err),
		logging.String(logging.FieldImpact, impact),
		logging.String(logging.FieldErrorHint, hint),
		logging.Alert("unit_failure"),
	)
	return result
}

func (w *Worker) finish(result Result) {
	w.mu.Lock()
	item := result.Item
	w.lastItem = &item
	w.current = nil
	w.counts[result.Outcome]++
	if result.Err != nil {
		w.lastErr = fmt.Errorf("%s: %w", result.Item.UnitID, result.Err)
		w.lastErrAt = w.now()
	}
	hook := w.onResult
	w.mu.Unlock()

	if hook != nil {
		hook(result)
	}
}
