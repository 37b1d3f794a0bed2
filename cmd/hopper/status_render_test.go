package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"

	"hopper/internal/daemon"
	"hopper/internal/ledger"
	"hopper/internal/pipeline"
	"hopper/internal/scanner"
	"hopper/internal/workflow"
)

func TestRenderStatusLineNoColor(t *testing.T) {
	got := renderStatusLine("Daemon", statusError, "not running", false)
	want := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Daemon:", "[ERROR] not running")
	if got != want {
		t.Fatalf("renderStatusLine mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestRenderStatusLineWithColor(t *testing.T) {
	text.EnableColors()
	plain := renderStatusLine("Daemon", statusOK, "running", false)
	green := text.Colors{text.FgGreen}
	got := renderStatusLine("Daemon", statusOK, "running", true)
	if got != green.Sprint(plain) {
		t.Fatalf("expected green line, got %q", got)
	}
	if !strings.Contains(got, "\x1b[") {
		t.Fatalf("expected escape codes, got %q", got)
	}
}

func TestRenderStatusShowsSourcesAndErrors(t *testing.T) {
	status := daemon.Status{
		Running:   true,
		PID:       4242,
		StartedAt: time.Now().Add(-time.Hour),
		Sources: []pipeline.Status{
			{
				Name:   "drop",
				Mode:   scanner.ModeDirectory,
				Stages: map[string]int{"queued": 2, "processing": 1, "archive": 7},
				Worker: workflow.Status{Pending: 2, Processed: 7, Failed: 1, LastError: "processor exited 3"},
				Ledger: &ledger.Stats{Total: 9, Processed: 7, Pending: 2},
			},
			{
				Name:        "config",
				Mode:        scanner.ModeAdmin,
				LedgerError: "database is locked",
			},
		},
	}

	var buf bytes.Buffer
	renderStatus(&buf, status)
	out := buf.String()

	requireContains(t, out, "pid 4242")
	requireContains(t, out, "7 processed, 2 pending")
	requireContains(t, out, "processor exited 3")
	requireContains(t, out, "error: database is locked")
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("expected no colour codes for a buffer, got %q", out)
	}
}

func TestParseStage(t *testing.T) {
	for _, name := range []string{"", "queued", "Processing", "archived"} {
		if _, err := parseStage(name); err != nil {
			t.Fatalf("parseStage(%q): %v", name, err)
		}
	}
	if _, err := parseStage("discovered"); err == nil {
		t.Fatal("expected discovered to be rejected")
	}
}
