package workflow_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hopper/internal/contentid"
	"hopper/internal/ledger"
	"hopper/internal/processor"
	"hopper/internal/retry"
	"hopper/internal/staging"
	"hopper/internal/testsupport"
	"hopper/internal/workflow"
)

type harness struct {
	root   string
	store  *staging.Store
	ledger *ledger.Store
}

func newHarness(t *testing.T, name string) *harness {
	t.Helper()
	base := t.TempDir()
	src := testsupport.DirectorySource(base, name)
	if err := os.MkdirAll(src.Path, 0o755); err != nil {
		t.Fatalf("mkdir root: %v", err)
	}
	store := staging.New(src.Path, src.StageDir)
	if err := store.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	return &harness{
		root:   src.Path,
		store:  store,
		ledger: testsupport.MustOpenLedger(t, src.LedgerPath),
	}
}

// enqueue drops a file into the root and moves it to Queued.
func (h *harness) enqueue(t *testing.T, name, content string) workflow.QueueItem {
	t.Helper()
	original := testsupport.WriteContent(t, filepath.Join(h.root, name), content)
	digest, err := contentid.ComputeDigest(context.Background(), original)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	queued, err := h.store.Enqueue(original)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := h.ledger.RecordSeen(context.Background(), digest, original); err != nil {
		t.Fatalf("RecordSeen: %v", err)
	}
	return workflow.QueueItem{Path: queued, Digest: digest, OriginalPath: original}
}

func startWorker(t *testing.T, w *workflow.Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		w.Stop()
	})
}

func waitIdle(t *testing.T, w *workflow.Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.WaitIdle(ctx); err != nil {
		t.Fatalf("worker did not go idle: %v", err)
	}
}

func fastPolicy() workflow.WorkerOption {
	return workflow.WithRetryPolicy(retry.Policy{Attempts: 3, Delay: time.Millisecond})
}

func TestWorkerProcessesAndArchives(t *testing.T) {
	h := newHarness(t, "drop")
	item := h.enqueue(t, "report.json", `{"a":1}`)

	var seenPath string
	var seenInfo processor.UnitInfo
	proc := processor.Func(func(ctx context.Context, path string) error {
		seenPath = path
		seenInfo, _ = processor.UnitInfoFromContext(ctx)
		if _, err := os.Stat(path); err != nil {
			return err
		}
		return nil
	})
	w := workflow.NewWorker("drop", h.store, h.ledger, proc, fastPolicy())
	startWorker(t, w)
	w.Submit(item)
	waitIdle(t, w)

	if filepath.Dir(seenPath) != h.store.Dir(staging.StageProcessing) {
		t.Fatalf("callback got %q, want a Processing path", seenPath)
	}
	if seenInfo.Digest != item.Digest.String() || seenInfo.OriginalPath != item.OriginalPath || seenInfo.Source != "drop" {
		t.Fatalf("unexpected unit info %+v", seenInfo)
	}
	archived := filepath.Join(h.store.Dir(staging.StageArchive), filepath.Base(item.Path))
	if _, err := os.Stat(archived); err != nil {
		t.Fatalf("expected archived file: %v", err)
	}
	known, err := h.ledger.IsKnownProcessed(context.Background(), item.Digest)
	if err != nil || !known {
		t.Fatalf("expected digest processed, got %v %v", known, err)
	}
	status := w.Status()
	if status.Processed != 1 || status.Failed != 0 || status.Pending != 0 || status.Draining {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.LastItem == nil || status.LastItem.UnitID != filepath.Base(item.Path) {
		t.Fatalf("expected last item recorded, got %+v", status.LastItem)
	}
}

func TestWorkerDrainsInSubmissionOrderOneAtATime(t *testing.T) {
	h := newHarness(t, "drop")
	var (
		mu       sync.Mutex
		order    []string
		inFlight atomic.Int32
		maxSeen  atomic.Int32
	)
	release := make(chan struct{})
	proc := processor.Func(func(_ context.Context, path string) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		<-release
		mu.Lock()
		order = append(order, staging.OriginalName(path))
		mu.Unlock()
		return nil
	})
	w := workflow.NewWorker("drop", h.store, h.ledger, proc, fastPolicy())
	startWorker(t, w)

	names := []string{"a.txt", "b.txt", "c.txt"}
	for _, name := range names {
		w.Submit(h.enqueue(t, name, "content of "+name))
	}
	close(release)
	waitIdle(t, w)

	if maxSeen.Load() != 1 {
		t.Fatalf("expected one unit in flight, saw %d", maxSeen.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("expected 3 callbacks, got %v", order)
	}
	for i, name := range names {
		if order[i] != name {
			t.Fatalf("callback order %v, want %v", order, names)
		}
	}
}

func TestWorkerFailureLeavesUnitInProcessing(t *testing.T) {
	h := newHarness(t, "drop")
	item := h.enqueue(t, "bad.json", "broken")

	var results []workflow.Result
	proc := processor.Func(func(context.Context, string) error { return errors.New("parse failed") })
	w := workflow.NewWorker("drop", h.store, h.ledger, proc, fastPolicy(),
		workflow.WithResultHook(func(r workflow.Result) { results = append(results, r) }))
	startWorker(t, w)
	w.Submit(item)
	waitIdle(t, w)

	processing := filepath.Join(h.store.Dir(staging.StageProcessing), filepath.Base(item.Path))
	if _, err := os.Stat(processing); err != nil {
		t.Fatalf("expected unit left in Processing: %v", err)
	}
	known, err := h.ledger.IsKnownProcessed(context.Background(), item.Digest)
	if err != nil || known {
		t.Fatalf("expected digest unprocessed, got %v %v", known, err)
	}
	if len(results) != 1 || results[0].Outcome != workflow.OutcomeFailed || results[0].FinalPath != processing {
		t.Fatalf("unexpected results %+v", results)
	}
	status := w.Status()
	if status.Failed != 1 || status.LastError == "" {
		t.Fatalf("expected failure recorded, got %+v", status)
	}
}

func TestWorkerSkipsCallbackForProcessedContent(t *testing.T) {
	h := newHarness(t, "drop")
	item := h.enqueue(t, "dup.txt", "same bytes")
	if err := h.ledger.MarkProcessed(context.Background(), item.Digest, "/elsewhere/dup.txt"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	called := false
	proc := processor.Func(func(context.Context, string) error {
		called = true
		return nil
	})
	w := workflow.NewWorker("drop", h.store, h.ledger, proc, fastPolicy())
	startWorker(t, w)
	w.Submit(item)
	waitIdle(t, w)

	if called {
		t.Fatal("callback ran for already processed content")
	}
	if _, err := os.Stat(filepath.Join(h.store.Dir(staging.StageArchive), filepath.Base(item.Path))); err != nil {
		t.Fatalf("expected duplicate archived: %v", err)
	}
	if got := w.Status().Skipped; got != 1 {
		t.Fatalf("expected 1 skipped, got %d", got)
	}
}

func TestWorkerComputesMissingDigest(t *testing.T) {
	h := newHarness(t, "drop")
	item := h.enqueue(t, "recovered.txt", "left in queued")
	want := item.Digest
	item.Digest = ""
	item.OriginalPath = ""

	var results []workflow.Result
	w := workflow.NewWorker("drop", h.store, h.ledger,
		processor.Func(func(context.Context, string) error { return nil }), fastPolicy(),
		workflow.WithResultHook(func(r workflow.Result) { results = append(results, r) }))
	w.Submit(item)
	startWorker(t, w)
	waitIdle(t, w)

	if len(results) != 1 || results[0].Item.Digest != want {
		t.Fatalf("expected computed digest %s, got %+v", want.Short(), results)
	}
	known, err := h.ledger.IsKnownProcessed(context.Background(), want)
	if err != nil || !known {
		t.Fatalf("expected digest processed, got %v %v", known, err)
	}
}

func TestGateSerializesWorkers(t *testing.T) {
	first := newHarness(t, "first")
	second := newHarness(t, "second")
	gate := workflow.NewGate()

	var inFlight, maxSeen atomic.Int32
	proc := processor.Func(func(context.Context, string) error {
		n := inFlight.Add(1)
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	w1 := workflow.NewWorker("first", first.store, first.ledger, proc, fastPolicy(), workflow.WithGate(gate))
	w2 := workflow.NewWorker("second", second.store, second.ledger, proc, fastPolicy(), workflow.WithGate(gate))
	startWorker(t, w1)
	startWorker(t, w2)

	for i, name := range []string{"a.txt", "b.txt"} {
		w1.Submit(first.enqueue(t, name, "first "+name))
		w2.Submit(second.enqueue(t, name, "second "+name+string(rune('0'+i))))
	}
	waitIdle(t, w1)
	waitIdle(t, w2)

	if maxSeen.Load() != 1 {
		t.Fatalf("gate allowed %d units in flight", maxSeen.Load())
	}
	if w1.Status().Processed != 2 || w2.Status().Processed != 2 {
		t.Fatalf("unexpected counts: %+v %+v", w1.Status(), w2.Status())
	}
}

func TestStopLeavesQueuedItemsForRestart(t *testing.T) {
	h := newHarness(t, "drop")
	block := make(chan struct{})
	var calls atomic.Int32
	proc := processor.Func(func(context.Context, string) error {
		if calls.Add(1) == 1 {
			<-block
		}
		return nil
	})
	w := workflow.NewWorker("drop", h.store, h.ledger, proc, fastPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.Submit(h.enqueue(t, "one.txt", "one"))
	w.Submit(h.enqueue(t, "two.txt", "two"))

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	close(block)
	w.Stop()

	if calls.Load() != 1 {
		t.Fatalf("expected in-flight unit to finish and drain to stop, got %d calls", calls.Load())
	}
	pending := w.Pending()
	if len(pending) != 1 || staging.OriginalName(pending[0].Path) != "two.txt" {
		t.Fatalf("expected second item still pending, got %+v", pending)
	}

	// Startup recovery resubmits everything in Queued, including this unit.
	w.Submit(workflow.QueueItem{Path: pending[0].Path})
	if got := w.Pending(); len(got) != 1 {
		t.Fatalf("expected resubmitted unit to be dropped, got %+v", got)
	}

	startWorker(t, w)
	waitIdle(t, w)
	if calls.Load() != 2 {
		t.Fatalf("expected pending item drained after restart, got %d calls", calls.Load())
	}
	if status := w.Status(); status.Failed != 0 || status.Processed != 2 {
		t.Fatalf("expected no failures after restart, got %+v", status)
	}
}

func TestAdminWorkerNeverTouchesOriginal(t *testing.T) {
	base := t.TempDir()
	original := testsupport.WriteContent(t, filepath.Join(base, "fixed", "catalog.dat"), "catalog v1")
	digest, err := contentid.ComputeDigest(context.Background(), original)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	admin := staging.NewAdmin(filepath.Join(base, "scratch"))
	if err := admin.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	scratch, err := admin.EnqueueDigest(original, digest)
	if err != nil {
		t.Fatalf("EnqueueDigest: %v", err)
	}
	led := testsupport.MustOpenLedger(t, filepath.Join(base, "ledger.db"))

	var seen string
	w := workflow.NewWorker("catalog", admin, led, processor.Func(func(_ context.Context, path string) error {
		seen = path
		return nil
	}), fastPolicy())
	startWorker(t, w)
	w.Submit(workflow.QueueItem{Path: scratch, Digest: digest, OriginalPath: original})
	waitIdle(t, w)

	if seen != scratch {
		t.Fatalf("callback got %q, want scratch copy %q", seen, scratch)
	}
	if _, err := os.Stat(original); err != nil {
		t.Fatalf("original must stay in place: %v", err)
	}
	if _, err := os.Stat(scratch); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected scratch copy discarded, got %v", err)
	}
	rec, err := led.Get(context.Background(), digest)
	if err != nil || rec == nil || !rec.Processed || rec.OriginalPath != original {
		t.Fatalf("expected processed record keyed to original, got %+v %v", rec, err)
	}
}

type recordingUploader struct {
	mu    sync.Mutex
	paths []string
}

func (u *recordingUploader) UploadArchived(_ context.Context, source, path string, _ contentid.Digest) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.paths = append(u.paths, source+":"+filepath.Base(path))
	return errors.New("bucket unavailable")
}

func TestUploadFailureDoesNotFailUnit(t *testing.T) {
	h := newHarness(t, "drop")
	item := h.enqueue(t, "m.txt", "mirror me")
	up := &recordingUploader{}
	w := workflow.NewWorker("drop", h.store, h.ledger,
		processor.Func(func(context.Context, string) error { return nil }), fastPolicy(),
		workflow.WithUploader(up))
	startWorker(t, w)
	w.Submit(item)
	waitIdle(t, w)

	if got := w.Status().Processed; got != 1 {
		t.Fatalf("expected unit processed despite upload failure, got %d", got)
	}
	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.paths) != 1 || up.paths[0] != "drop:"+filepath.Base(item.Path) {
		t.Fatalf("unexpected uploads %v", up.paths)
	}
}
