// Package ledger persists the durable record of every content digest a source
// has seen and whether its unit finished processing.
//
// Each source owns one SQLite database (modernc.org/sqlite, no cgo). The schema
// is managed by golang-migrate with migrations embedded in the binary, so an
// older ledger is brought forward on open. Writes retry briefly on
// SQLITE_BUSY because the CLI may read the same file while the daemon writes.
//
// A record is keyed only by digest. The original path is informational: it
// tells operators where the content first appeared and lets admin-mode
// sources attribute processing to the file that was never moved.
package ledger
