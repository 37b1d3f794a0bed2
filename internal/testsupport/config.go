package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"hopper/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defines one directory source named "drop" watching <base>/drop/incoming,
// with stages and ledger under <base>/drop. Retry delays are shortened so
// failure paths run quickly.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "state", "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Workflow.PollInterval = 1
	cfgVal.Workflow.ErrorRetryInterval = 1
	cfgVal.Workflow.RetryDelayMillis = 1
	cfgVal.Sources = []config.Source{DirectorySource(base, "drop")}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	for _, src := range builder.cfg.Sources {
		if src.Admin {
			continue
		}
		if err := os.MkdirAll(src.Path, 0o755); err != nil {
			t.Fatalf("mkdir source root: %v", err)
		}
	}
	return builder.cfg
}

// DirectorySource builds a normalized directory source rooted under base.
func DirectorySource(base, name string) config.Source {
	stage := filepath.Join(base, name)
	return config.Source{
		Name:       name,
		Path:       filepath.Join(stage, "incoming"),
		StageDir:   stage,
		LedgerPath: filepath.Join(stage, ".hopper-ledger.db"),
	}
}

// WithExtensions sets the extension filter on every directory source.
func WithExtensions(exts ...string) ConfigOption {
	return func(b *configBuilder) {
		for i := range b.cfg.Sources {
			b.cfg.Sources[i].Extensions = exts
		}
	}
}

// WithSource appends a directory source with the given name.
func WithSource(name string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Sources = append(b.cfg.Sources, DirectorySource(b.baseDir, name))
	}
}

// WithAdminSource replaces the sources with a single admin source watching
// <base>/<name>/<file>.
func WithAdminSource(name, file string) ConfigOption {
	return func(b *configBuilder) {
		dir := filepath.Join(b.baseDir, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			b.t.Fatalf("mkdir admin dir: %v", err)
		}
		b.cfg.Sources = []config.Source{{
			Name:       name,
			Path:       filepath.Join(dir, file),
			Admin:      true,
			LedgerPath: filepath.Join(b.cfg.Paths.StateDir, "ledger", name+".db"),
		}}
	}
}

// WithStaleProcessing enables the stale Processing sweep.
func WithStaleProcessing(minutes int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workflow.StaleProcessingMinutes = minutes
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}
