package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"hopper/internal/config"
	"hopper/internal/deps"
)

// BucketChecker confirms an object store bucket is reachable.
type BucketChecker interface {
	CheckBucket(ctx context.Context) error
}

// CheckMirror verifies the archive mirror bucket is reachable.
// It uses a 10-second timeout and a single attempt (no retries).
func CheckMirror(ctx context.Context, bucket string, checker BucketChecker) Result {
	const name = "Archive mirror"
	if strings.TrimSpace(bucket) == "" {
		return Result{Name: name, Detail: "missing bucket"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := checker.CheckBucket(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeNetworkError(err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("s3://%s reachable", bucket)}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckFileReadable verifies that path is a regular file hopper can read.
func CheckFileReadable(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.Mode().IsRegular() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a regular file)", path)}
	}
	if err := unix.Access(path, unix.R_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: not readable: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read ok)", path)}
}

// CheckProcessor reports whether the configured processor command resolves.
func CheckProcessor(cfg *config.Config) Result {
	const name = "Processor"
	statuses := CheckSystemDeps(cfg)
	if len(statuses) == 0 {
		return Result{Name: name, Detail: "processor.command not configured"}
	}
	if missing := deps.MissingRequired(statuses); len(missing) > 0 {
		return Result{Name: name, Detail: missing[0].Detail}
	}
	return Result{Name: name, Passed: true, Detail: statuses[0].Path}
}

// CheckSystemDeps evaluates the external programs required by cfg. Both the
// daemon and the CLI use this to avoid duplicating the requirements list.
func CheckSystemDeps(cfg *config.Config) []deps.Status {
	if cfg == nil || len(cfg.Processor.Command) == 0 {
		return nil
	}
	return deps.CheckBinaries([]deps.Requirement{{
		Name:        "Processor",
		Command:     cfg.Processor.Command[0],
		Description: "Invoked once for every ingested unit",
	}})
}

// summarizeNetworkError produces a human-readable summary for reachability failures.
func summarizeNetworkError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "check timed out (endpoint unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "check timed out (endpoint unreachable)"
	}
	return err.Error()
}
