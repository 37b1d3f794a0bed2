// Package retry holds the two recovery layers of the pipeline: a short,
// bounded retry around individual I/O operations and a supervision loop that
// restarts a failed watch loop after a cooldown.
package retry

import (
	"context"
	"fmt"
	"time"

	"hopper/internal/services"
)

// Policy bounds an inner retry.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultPolicy is three attempts with a fixed 200ms delay.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Delay: 200 * time.Millisecond}
}

func (p Policy) normalized() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

// Do runs op until it succeeds, returns a non-transient error, or the policy
// is exhausted. Only errors classified by services.IsTransient are retried.
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	p = p.normalized()
	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if !services.IsTransient(err) {
			return zero, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if attempt == p.Attempts {
			break
		}
		if err := Sleep(ctx, p.Delay); err != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("gave up after %d attempts: %w", p.Attempts, lastErr)
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
