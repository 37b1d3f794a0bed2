package processor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"hopper/internal/logging"
	"hopper/internal/services"
)

// PathPlaceholder is replaced with the unit path in command arguments.
const PathPlaceholder = "{path}"

const outputTailLines = 20

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, env []string, onOutput func(string)) error
}

// Option configures a Command.
type Option func(*Command)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(c *Command) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// WithLogger sets the logger used for command output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Command) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Command runs an external program for each unit.
type Command struct {
	argv    []string
	timeout time.Duration
	exec    Executor
	logger  *slog.Logger
}

// NewCommand builds a Command from argv. A zero timeout leaves the command
// unbounded.
func NewCommand(argv []string, timeout time.Duration, opts ...Option) (*Command, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "processor", "new", "processor.command must name a program", nil)
	}
	c := &Command{
		argv:    append([]string(nil), argv...),
		timeout: timeout,
		exec:    commandExecutor{},
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.NewComponentLogger(c.logger, "processor")
	return c, nil
}

// Binary returns the program the command runs.
func (c *Command) Binary() string { return c.argv[0] }

// Args returns the argument list for path.
func (c *Command) Args(path string) []string {
	args := make([]string, 0, len(c.argv))
	substituted := false
	for _, arg := range c.argv[1:] {
		if strings.Contains(arg, PathPlaceholder) {
			arg = strings.ReplaceAll(arg, PathPlaceholder, path)
			substituted = true
		}
		args = append(args, arg)
	}
	if !substituted {
		args = append(args, path)
	}
	return args
}

// ProcessUnit runs the command for path. A non-zero exit is reported as a
// callback failure carrying the tail of the command's output.
func (c *Command) ProcessUnit(ctx context.Context, path string) error {
	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	env := []string{"HOPPER_UNIT_PATH=" + path}
	if info, ok := UnitInfoFromContext(ctx); ok {
		env = append(env,
			"HOPPER_SOURCE="+info.Source,
			"HOPPER_DIGEST="+info.Digest,
			"HOPPER_UNIT_ID="+info.UnitID,
			"HOPPER_ORIGINAL_PATH="+info.OriginalPath,
		)
	}

	logger := logging.WithContext(ctx, c.logger)
	tail := newTail(outputTailLines)
	start := time.Now()
	err := c.exec.Run(runCtx, c.argv[0], c.Args(path), env, func(line string) {
		tail.add(line)
		logger.Debug("processor output", logging.String("line", line))
	})
	if err == nil {
		logger.Debug("processor finished", logging.Duration("duration", time.Since(start)))
		return nil
	}

	msg := fmt.Sprintf("%s exited after %s", c.argv[0], time.Since(start).Round(time.Millisecond))
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		msg = fmt.Sprintf("%s timed out after %s", c.argv[0], c.timeout)
	}
	if out := tail.String(); out != "" {
		msg += "; output: " + out
	}
	return services.Wrap(services.ErrCallback, "processor", "run", msg, err)
}

type tailBuffer struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func newTail(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(strings.Join(t.lines, " | "))
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, env []string, onOutput func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	cmd.Env = append(os.Environ(), env...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 10 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	var wg sync.WaitGroup
	scan := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if onOutput != nil {
				onOutput(scanner.Text())
			}
		}
	}
	wg.Add(2)
	go scan(stdout)
	go scan(stderr)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("wait command: %w", err)
	}
	return nil
}
