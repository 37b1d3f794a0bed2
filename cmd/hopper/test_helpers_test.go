package main

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hopper/internal/config"
	"hopper/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	baseDir    string
}

func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	cfg.Paths.APIBind = ""
	cfg.Processor.Command = []string{"sh"}
	for _, dir := range []string{cfg.Paths.StateDir, cfg.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	base := t.TempDir()
	configPath := filepath.Join(base, "config.toml")
	writeTestConfig(t, configPath, cfg)

	return &cliTestEnv{cfg: cfg, configPath: configPath, baseDir: base}
}

// withAPI binds the config to a free loopback port and rewrites the file.
func (e *cliTestEnv) withAPI(t *testing.T, token string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	e.cfg.Paths.APIBind = addr
	e.cfg.Paths.APIToken = token
	writeTestConfig(t, e.configPath, e.cfg)
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "[paths]\nstate_dir = %q\nlog_dir = %q\napi_bind = %q\napi_token = %q\n\n",
		cfg.Paths.StateDir, cfg.Paths.LogDir, cfg.Paths.APIBind, cfg.Paths.APIToken)
	fmt.Fprintf(&b, "[workflow]\npoll_interval = 1\nerror_retry_interval = 1\nretry_delay_ms = 1\n\n")
	fmt.Fprintf(&b, "[ledger]\nretention_days = %d\n\n", cfg.Ledger.RetentionDays)
	if len(cfg.Processor.Command) > 0 {
		quoted := make([]string, len(cfg.Processor.Command))
		for i, arg := range cfg.Processor.Command {
			quoted[i] = fmt.Sprintf("%q", arg)
		}
		fmt.Fprintf(&b, "[processor]\ncommand = [%s]\n\n", strings.Join(quoted, ", "))
	}
	for _, src := range cfg.Sources {
		fmt.Fprintf(&b, "[[sources]]\nname = %q\npath = %q\nledger_path = %q\n", src.Name, src.Path, src.LedgerPath)
		if src.Admin {
			b.WriteString("admin = true\n")
		} else {
			fmt.Fprintf(&b, "stage_dir = %q\n", src.StageDir)
		}
		b.WriteString("\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func waitFor(t *testing.T, duration time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", duration)
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
