package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"hopper/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckFileReadable(t *testing.T) {
	dir := t.TempDir()
	f := testsupport.WriteContent(t, filepath.Join(dir, "catalog.dat"), "rows")
	if result := CheckFileReadable("test", f); !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
	if result := CheckFileReadable("test", dir); result.Passed {
		t.Fatal("expected failure for directory")
	}
	if result := CheckFileReadable("test", filepath.Join(dir, "missing")); result.Passed {
		t.Fatal("expected failure for missing file")
	}
}

type bucketStub struct{ err error }

func (b bucketStub) CheckBucket(context.Context) error { return b.err }

func TestCheckMirror(t *testing.T) {
	if result := CheckMirror(context.Background(), "archive", bucketStub{}); !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
	result := CheckMirror(context.Background(), "archive", bucketStub{err: errors.New("access denied")})
	if result.Passed || !strings.Contains(result.Detail, "access denied") {
		t.Fatalf("expected failure with detail, got %+v", result)
	}
	if result := CheckMirror(context.Background(), " ", bucketStub{}); result.Passed {
		t.Fatal("expected failure for missing bucket")
	}
	if result := CheckMirror(context.Background(), "archive", bucketStub{err: context.DeadlineExceeded}); !strings.Contains(result.Detail, "timed out") {
		t.Fatalf("expected timeout summary, got %q", result.Detail)
	}
}

func TestCheckProcessor(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries("ingest-stub"))
	if result := CheckProcessor(cfg); result.Passed {
		t.Fatal("expected failure without processor command")
	}
	cfg.Processor.Command = []string{"ingest-stub", "{path}"}
	if result := CheckProcessor(cfg); !result.Passed {
		t.Fatalf("expected stub processor to resolve, got: %s", result.Detail)
	}
	cfg.Processor.Command = []string{"clearly-not-present-binary"}
	if result := CheckProcessor(cfg); result.Passed {
		t.Fatal("expected failure for missing binary")
	}
}

func TestRunAllCoversSources(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries("ingest-stub"))
	cfg.Processor.Command = []string{"ingest-stub"}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	if err := os.MkdirAll(cfg.Sources[0].StageDir, 0o755); err != nil {
		t.Fatal(err)
	}

	results := RunAll(context.Background(), cfg)
	names := make(map[string]Result, len(results))
	for _, r := range results {
		names[r.Name] = r
	}
	for _, want := range []string{"State directory", "Log directory", "Source drop directory", "Source drop stages", "Processor"} {
		r, ok := names[want]
		if !ok {
			t.Fatalf("missing check %q in %+v", want, results)
		}
		if !r.Passed {
			t.Fatalf("check %q failed: %s", want, r.Detail)
		}
	}
	if _, ok := names["Archive mirror"]; ok {
		t.Fatal("mirror check should be skipped when disabled")
	}
}
