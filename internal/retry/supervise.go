package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"hopper/internal/logging"
)

// PanicError carries a value recovered from a supervised loop.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// Supervise runs loop until ctx is cancelled. Whenever loop returns (with an
// error, a panic, or nil while ctx is still live) the failure is logged and
// loop is started again after cooldown. It returns ctx.Err().
func Supervise(ctx context.Context, logger *slog.Logger, cooldown time.Duration, loop func(context.Context) error) error {
	if logger == nil {
		logger = logging.NewNop()
	}
	for restarts := 0; ; restarts++ {
		err := runGuarded(ctx, loop)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err == nil {
			err = fmt.Errorf("loop exited unexpectedly")
		}
		attrs := []logging.Attr{
			logging.Error(err),
			logging.Int("restarts", restarts),
			logging.Duration("cooldown", cooldown),
			logging.String(logging.FieldErrorHint, "the loop restarts automatically; check the error for a persistent cause"),
			logging.String(logging.FieldImpact, "ingestion paused until the loop restarts"),
		}
		var p *PanicError
		if errors.As(err, &p) {
			attrs = append(attrs, logging.String("stack", string(p.Stack)))
		}
		logging.ErrorWithContext(logger, "watch loop failed; restarting after cooldown", "supervisor_restart", attrs...)
		if err := Sleep(ctx, cooldown); err != nil {
			return err
		}
	}
}

func runGuarded(ctx context.Context, loop func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return loop(ctx)
}
