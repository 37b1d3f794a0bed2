// Package services defines shared utilities consumed by the ingestion
// pipeline components.
//
// Key responsibilities:
//   - Context helpers that stamp source names, unit identifiers, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper that let callers classify
//     failures (transient I/O, relocation, callback) without string matching.
//
// Use these helpers when wiring new pipeline logic so operational behaviour
// (error handling, observability, retries) stays uniform across sources.
package services
