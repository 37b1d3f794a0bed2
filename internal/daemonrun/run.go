// Package daemonrun owns the hopper daemon process: log files, the PID file,
// preflight, signal handling, and the daemon lifecycle.
package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"hopper/internal/config"
	"hopper/internal/daemon"
	"hopper/internal/logging"
	"hopper/internal/mirror"
	"hopper/internal/preflight"
	"hopper/internal/processor"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// Processor overrides the configured processor command. Tests use it.
	Processor processor.Processor
	// Ready, when set, is called once the daemon is running.
	Ready func(*daemon.Daemon)
}

// Run starts the hopper daemon runtime loop and blocks until ctx is
// cancelled or the process receives SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("hopper-%s.log", runID))
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	// Console runs also keep a JSON copy so the log can be parsed afterwards.
	if !strings.EqualFold(cfg.Logging.Format, "json") {
		eventsPath := strings.TrimSuffix(logPath, ".log") + ".jsonl"
		handler, closer, err := logging.NewFileHandler(eventsPath, "json", level)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warn: structured log disabled: %v\n", err)
		} else {
			defer closer.Close()
			logger = logging.TeeLogger(logger, handler)
		}
	}
	logger = logger.With(logging.String("session_id", uuid.NewString()))

	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update hopper.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "hopper-*.log", Exclude: []string{logPath}},
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "hopper-*.jsonl"},
	)

	pidPath := PIDPath(cfg)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	logPreflight(signalCtx, logger, cfg)

	daemonOpts := []daemon.Option{daemon.WithLogPath(logPath)}
	if opts.Processor != nil {
		daemonOpts = append(daemonOpts, daemon.WithProcessor(opts.Processor))
	}
	m, err := mirror.NewFromConfig(signalCtx, cfg.Mirror, logger)
	if err != nil {
		logging.WarnWithContext(logger, "archive mirror disabled", "mirror_init_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the [mirror] section and AWS credentials"),
			logging.String(logging.FieldImpact, "archived units are kept locally only"),
		)
	} else if m != nil {
		daemonOpts = append(daemonOpts, daemon.WithUploader(m))
	}

	d, err := daemon.New(cfg, logger, daemonOpts...)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check for another running daemon and stage directory access"),
			logging.String(logging.FieldImpact, "no sources are being watched"),
		)
		return err
	}
	if opts.Ready != nil {
		opts.Ready(d)
	}

	<-signalCtx.Done()
	logger.Info("hopper daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

// PIDPath returns the PID file written by a running daemon.
func PIDPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.StateDir, "hopper.pid")
}

func logPreflight(ctx context.Context, logger *slog.Logger, cfg *config.Config) {
	results := preflight.RunAll(ctx, cfg)
	failed := 0
	for _, r := range results {
		if r.Passed {
			continue
		}
		failed++
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
			logging.String(logging.FieldErrorHint, "run hopper config validate for the full report"),
			logging.String(logging.FieldImpact, "affected sources may not ingest until fixed"),
		)
	}
	logger.Info("preflight complete",
		logging.Int("checks", len(results)),
		logging.Int("failed", failed),
		logging.String(logging.FieldEventType, "preflight_complete"),
	)
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "hopper.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
