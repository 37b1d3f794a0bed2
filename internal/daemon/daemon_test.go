package daemon_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hopper/internal/config"
	"hopper/internal/daemon"
	"hopper/internal/ledger"
	"hopper/internal/notifications"
	"hopper/internal/processor"
	"hopper/internal/services"
	"hopper/internal/testsupport"
	"hopper/internal/workflow"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newDaemon(t *testing.T, cfg *config.Config, proc processor.Processor) *daemon.Daemon {
	t.Helper()
	d, err := daemon.New(cfg, nil, daemon.WithProcessor(proc))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

type overlapProcessor struct {
	mu      sync.Mutex
	active  int
	maxSeen int
	done    atomic.Int64
}

func (p *overlapProcessor) ProcessUnit(context.Context, string) error {
	p.mu.Lock()
	p.active++
	if p.active > p.maxSeen {
		p.maxSeen = p.active
	}
	p.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	p.done.Add(1)
	return nil
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := newDaemon(t, cfg, processor.Func(func(context.Context, string) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := d.Status(ctx)
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if len(status.Sources) != 1 || status.Sources[0].Name != "drop" {
		t.Fatalf("unexpected sources: %+v", status.Sources)
	}
	if running, err := daemon.IsRunning(cfg); err != nil || !running {
		t.Fatalf("expected lock to be held, got %v %v", running, err)
	}

	// Second start should fail
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	d.Stop()
	status = d.Status(ctx)
	if status.Running {
		t.Fatal("expected daemon to be stopped")
	}
	if running, err := daemon.IsRunning(cfg); err != nil || running {
		t.Fatalf("expected lock released, got %v %v", running, err)
	}
}

func TestSecondInstanceRefused(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""
	first := newDaemon(t, cfg, nil)
	second := newDaemon(t, cfg, nil)

	ctx := context.Background()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := second.Start(ctx); err == nil {
		t.Fatal("expected second instance to be refused")
	}
	first.Stop()
	if err := second.Start(ctx); err != nil {
		t.Fatalf("second Start after release: %v", err)
	}
}

func TestSerializedSourcesNeverOverlap(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSource("vendor"))
	cfg.Workflow.SerializeSources = true
	for _, src := range cfg.Sources {
		for _, name := range []string{"a.dat", "b.dat"} {
			testsupport.WriteContent(t, filepath.Join(src.Path, name), src.Name+"/"+name)
		}
	}

	proc := &overlapProcessor{}
	d := newDaemon(t, cfg, proc)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "four units processed", func() bool { return proc.done.Load() == 4 })
	proc.mu.Lock()
	maxSeen := proc.maxSeen
	proc.mu.Unlock()
	if maxSeen != 1 {
		t.Fatalf("expected serialized processing, saw %d concurrent units", maxSeen)
	}

	records, err := d.LedgerRecords(context.Background(), "vendor", ledger.ListFilter{})
	if err != nil {
		t.Fatalf("LedgerRecords: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 vendor records, got %d", len(records))
	}
	for _, rec := range records {
		if !rec.Processed {
			t.Fatalf("expected processed record, got %+v", rec)
		}
	}
}

func TestRequeueUnknownSource(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := newDaemon(t, cfg, nil)
	_, err := d.Requeue(context.Background(), "missing", workflow.ReclaimOptions{})
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPruneLedgersHonorsRetention(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Ledger.RetentionDays = 0
	d := newDaemon(t, cfg, nil)
	removed := d.PruneLedgers(context.Background())
	if removed["drop"] != 0 {
		t.Fatalf("expected nothing pruned with retention disabled, got %v", removed)
	}
}

func TestStatusAPIServesOverHTTP(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIToken = "secret"
	d := newDaemon(t, cfg, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := d.APIAddr()
	if addr == "" {
		t.Fatal("expected API listener")
	}

	resp, err := http.Get("http://" + addr + "/api/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://"+addr+"/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET status with token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var status daemon.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.Running || len(status.Sources) != 1 {
		t.Fatalf("unexpected status payload: %+v", status)
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (r *recordingNotifier) Publish(_ context.Context, event notifications.Event, _ notifications.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingNotifier) has(event notifications.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

func TestDaemonPublishesThroughInjectedNotifier(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""
	testsupport.WriteContent(t, filepath.Join(cfg.Sources[0].Path, "a.dat"), "a")

	notifier := &recordingNotifier{}
	d, err := daemon.New(cfg, nil,
		daemon.WithProcessor(processor.Func(func(context.Context, string) error { return nil })),
		daemon.WithNotifier(notifier),
	)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !notifier.has(notifications.EventDaemonStarted) {
		t.Fatal("expected daemon started notification")
	}
	waitFor(t, "unit processed notification", func() bool {
		return notifier.has(notifications.EventUnitProcessed)
	})
}
