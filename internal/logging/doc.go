// Package logging assembles structured slog loggers and formatting helpers used
// across hopper.
//
// It owns the console/JSON handlers, centralizes level and output plumbing,
// and exposes context-aware helpers so pipeline code tags log lines with the
// source, unit, and request that produced them. The package also provides a
// no-op logger for tests and wiring code that cannot fail.
//
// Warnings go through WarnWithContext so every one carries an event type, the
// impact on ingestion, and a hint for the operator.
package logging
