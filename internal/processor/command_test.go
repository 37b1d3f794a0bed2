package processor_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"hopper/internal/processor"
	"hopper/internal/services"
)

type stubExecutor struct {
	binary string
	args   []string
	env    []string
	output []string
	err    error
	block  bool
}

func (s *stubExecutor) Run(ctx context.Context, binary string, args []string, env []string, onOutput func(string)) error {
	s.binary = binary
	s.args = append([]string(nil), args...)
	s.env = append([]string(nil), env...)
	for _, line := range s.output {
		onOutput(line)
	}
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.err
}

func TestNewCommandRequiresProgram(t *testing.T) {
	for _, argv := range [][]string{nil, {"  "}} {
		if _, err := processor.NewCommand(argv, 0); !errors.Is(err, services.ErrConfiguration) {
			t.Fatalf("argv %q: expected configuration error, got %v", argv, err)
		}
	}
}

func TestArgsSubstitutesOrAppendsPath(t *testing.T) {
	withPlaceholder, err := processor.NewCommand([]string{"ingest", "--file={path}", "-v"}, 0)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	if got := withPlaceholder.Args("/p/a.txt"); !reflect.DeepEqual(got, []string{"--file=/p/a.txt", "-v"}) {
		t.Fatalf("unexpected args %q", got)
	}

	appended, err := processor.NewCommand([]string{"ingest", "-v"}, 0)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	if got := appended.Args("/p/a.txt"); !reflect.DeepEqual(got, []string{"-v", "/p/a.txt"}) {
		t.Fatalf("unexpected args %q", got)
	}
	if appended.Binary() != "ingest" {
		t.Fatalf("unexpected binary %q", appended.Binary())
	}
}

func TestProcessUnitPassesUnitEnvironment(t *testing.T) {
	stub := &stubExecutor{}
	cmd, err := processor.NewCommand([]string{"ingest"}, 0, processor.WithExecutor(stub))
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	ctx := processor.WithUnitInfo(context.Background(), processor.UnitInfo{
		Source:       "vendor-drop",
		UnitID:       "u-1",
		Digest:       "abc",
		OriginalPath: "/drop/a.txt",
	})
	if err := cmd.ProcessUnit(ctx, "/stage/Processing/a.txt"); err != nil {
		t.Fatalf("ProcessUnit: %v", err)
	}
	want := []string{
		"HOPPER_UNIT_PATH=/stage/Processing/a.txt",
		"HOPPER_SOURCE=vendor-drop",
		"HOPPER_DIGEST=abc",
		"HOPPER_UNIT_ID=u-1",
		"HOPPER_ORIGINAL_PATH=/drop/a.txt",
	}
	if !reflect.DeepEqual(stub.env, want) {
		t.Fatalf("unexpected env %q", stub.env)
	}
	if !reflect.DeepEqual(stub.args, []string{"/stage/Processing/a.txt"}) {
		t.Fatalf("unexpected args %q", stub.args)
	}
}

func TestProcessUnitFailureCarriesOutputTail(t *testing.T) {
	stub := &stubExecutor{output: []string{"reading", "bad header"}, err: errors.New("exit status 2")}
	cmd, err := processor.NewCommand([]string{"ingest"}, 0, processor.WithExecutor(stub))
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	err = cmd.ProcessUnit(context.Background(), "/x")
	if !errors.Is(err, services.ErrCallback) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if services.IsTransient(err) {
		t.Fatal("callback failures must not be classified transient")
	}
	if !strings.Contains(err.Error(), "reading | bad header") {
		t.Fatalf("expected output tail in error, got %v", err)
	}
}

func TestProcessUnitTimeout(t *testing.T) {
	stub := &stubExecutor{block: true}
	cmd, err := processor.NewCommand([]string{"ingest"}, 20*time.Millisecond, processor.WithExecutor(stub))
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	err = cmd.ProcessUnit(context.Background(), "/x")
	if !errors.Is(err, services.ErrCallback) || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout callback error, got %v", err)
	}
}

func TestFuncAdapter(t *testing.T) {
	var seen string
	var p processor.Processor = processor.Func(func(_ context.Context, path string) error {
		seen = path
		return nil
	})
	if err := p.ProcessUnit(context.Background(), "/y"); err != nil || seen != "/y" {
		t.Fatalf("Func adapter: %q %v", seen, err)
	}
}

func TestCommandExecutorRunsRealProgram(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	out := filepath.Join(t.TempDir(), "out")
	cmd, err := processor.NewCommand([]string{sh, "-c", `printf '%s' "$HOPPER_UNIT_PATH" > ` + out + `; echo done`}, 5*time.Second)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	// The path is appended after the script and becomes $0, which sh ignores.
	if err := cmd.ProcessUnit(context.Background(), "/unit/path"); err != nil {
		t.Fatalf("ProcessUnit: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "/unit/path" {
		t.Fatalf("unexpected output %q", data)
	}

	failing, err := processor.NewCommand([]string{sh, "-c", "echo boom >&2; exit 3"}, 5*time.Second)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	err = failing.ProcessUnit(context.Background(), "/unit/path")
	if !errors.Is(err, services.ErrCallback) || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected failing command error with stderr, got %v", err)
	}
}
