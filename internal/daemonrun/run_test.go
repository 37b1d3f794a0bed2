package daemonrun

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hopper/internal/daemon"
	"hopper/internal/processor"
	"hopper/internal/testsupport"
)

func TestRunWritesPIDAndLogPointer(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan *daemon.Daemon, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, cfg, Options{
			LogLevel:  "error",
			Processor: processor.Func(func(context.Context, string) error { return nil }),
			Ready:     func(d *daemon.Daemon) { ready <- d },
		})
	}()

	select {
	case d := <-ready:
		if !d.Status(ctx).Running {
			t.Fatal("expected daemon running")
		}
	case err := <-done:
		t.Fatalf("Run exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for daemon")
	}

	pidPath := filepath.Join(cfg.Paths.StateDir, "hopper.pid")
	if _, err := os.Stat(pidPath); err != nil {
		t.Fatalf("expected pid file: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(cfg.Paths.LogDir, "hopper.log")); err != nil {
		t.Fatalf("expected log pointer: %v", err)
	}
	if matches, _ := filepath.Glob(filepath.Join(cfg.Paths.LogDir, "hopper-*.jsonl")); len(matches) != 1 {
		t.Fatalf("expected one structured log copy, got %v", matches)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, got %v", err)
	}
}

func TestRunRequiresConfig(t *testing.T) {
	if err := Run(context.Background(), nil, Options{}); err == nil {
		t.Fatal("expected error without config")
	}
}
