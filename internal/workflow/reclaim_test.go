package workflow_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hopper/internal/staging"
	"hopper/internal/workflow"
)

// strand moves a queued unit into Processing as a crashed worker would leave it.
func (h *harness) strand(t *testing.T, name, content string) (workflow.QueueItem, string) {
	t.Helper()
	item := h.enqueue(t, name, content)
	processing, err := h.store.BeginProcessing(item.Path)
	if err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}
	return item, processing
}

func TestReclaimArchivesProcessedAndRestoresPending(t *testing.T) {
	h := newHarness(t, "drop")
	ctx := context.Background()
	done, donePath := h.strand(t, "done.txt", "already handled")
	if err := h.ledger.MarkProcessed(ctx, done.Digest, done.OriginalPath); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	_, pendingPath := h.strand(t, "pending.txt", "never finished")

	var restoredHook []string
	r := workflow.NewReclaimer(workflow.ReclaimerConfig{
		Source:    "drop",
		Store:     h.store,
		Ledger:    h.ledger,
		OnRestore: func(path string) { restoredHook = append(restoredHook, path) },
	})
	result, err := r.Reclaim(ctx, workflow.ReclaimOptions{})
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if len(result.Archived) != 1 || result.Archived[0] != filepath.Base(donePath) {
		t.Fatalf("unexpected archived %v", result.Archived)
	}
	if len(result.Restored) != 1 || result.Restored[0] != filepath.Base(pendingPath) {
		t.Fatalf("unexpected restored %v", result.Restored)
	}
	if _, err := os.Stat(filepath.Join(h.store.Dir(staging.StageArchive), filepath.Base(donePath))); err != nil {
		t.Fatalf("expected processed unit archived: %v", err)
	}
	restored := filepath.Join(h.root, "pending.txt")
	if _, err := os.Stat(restored); err != nil {
		t.Fatalf("expected pending unit restored under original name: %v", err)
	}
	if len(restoredHook) != 1 || restoredHook[0] != restored {
		t.Fatalf("unexpected restore hook calls %v", restoredHook)
	}
}

func TestReclaimSkipsInFlightAndRecentUnits(t *testing.T) {
	h := newHarness(t, "drop")
	_, busy := h.strand(t, "busy.txt", "in flight")
	_, recent := h.strand(t, "recent.txt", "just started")

	now := time.Now()
	r := workflow.NewReclaimer(workflow.ReclaimerConfig{
		Source:   "drop",
		Store:    h.store,
		Ledger:   h.ledger,
		InFlight: func(name string) bool { return name == filepath.Base(busy) },
		Now:      func() time.Time { return now },
	})

	result, err := r.Reclaim(context.Background(), workflow.ReclaimOptions{OlderThan: time.Hour})
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if result.Touched() != 0 {
		t.Fatalf("expected nothing reclaimed before threshold, got %+v", result)
	}

	now = now.Add(2 * time.Hour)
	result, err = r.Reclaim(context.Background(), workflow.ReclaimOptions{OlderThan: time.Hour})
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != filepath.Base(busy) {
		t.Fatalf("expected in-flight unit skipped, got %+v", result)
	}
	if len(result.Restored) != 1 || result.Restored[0] != filepath.Base(recent) {
		t.Fatalf("expected aged unit restored, got %+v", result)
	}
}

func TestReclaimByNameReportsMissing(t *testing.T) {
	h := newHarness(t, "drop")
	_, chosen := h.strand(t, "chosen.txt", "pick me")
	_, other := h.strand(t, "other.txt", "leave me")

	r := workflow.NewReclaimer(workflow.ReclaimerConfig{Source: "drop", Store: h.store, Ledger: h.ledger})
	result, err := r.Reclaim(context.Background(), workflow.ReclaimOptions{
		Names: []string{filepath.Base(chosen), "ghost_20260101T000000.000_deadbeef.txt"},
	})
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if len(result.Restored) != 1 || result.Restored[0] != filepath.Base(chosen) {
		t.Fatalf("unexpected restored %v", result.Restored)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected one missing-name error, got %v", result.Errors)
	}
	if _, err := os.Stat(other); err != nil {
		t.Fatalf("unselected unit must stay in Processing: %v", err)
	}
}
