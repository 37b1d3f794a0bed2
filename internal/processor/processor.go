// Package processor defines the callback each unit of work is handed to and
// the command-backed implementation used by the daemon.
package processor

import (
	"context"
)

// Processor consumes one unit. The path is stage-local: a file in Processing
// for directory sources or a scratch copy for admin sources. Returning nil
// marks the unit's content processed; any error leaves it in Processing.
type Processor interface {
	ProcessUnit(ctx context.Context, path string) error
}

// Func adapts a plain function to Processor.
type Func func(ctx context.Context, path string) error

// ProcessUnit calls f.
func (f Func) ProcessUnit(ctx context.Context, path string) error {
	return f(ctx, path)
}

// UnitInfo describes the unit being processed.
type UnitInfo struct {
	Source       string
	UnitID       string
	Digest       string
	OriginalPath string
}

type unitInfoKey struct{}

// WithUnitInfo attaches info to ctx for processors that need more than the path.
func WithUnitInfo(ctx context.Context, info UnitInfo) context.Context {
	return context.WithValue(ctx, unitInfoKey{}, info)
}

// UnitInfoFromContext returns the UnitInfo attached by the worker, if any.
func UnitInfoFromContext(ctx context.Context) (UnitInfo, bool) {
	info, ok := ctx.Value(unitInfoKey{}).(UnitInfo)
	return info, ok
}
