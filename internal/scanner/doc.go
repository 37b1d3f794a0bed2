// Package scanner discovers new content for one source.
//
// Each Scan lists the watched root (or checks the one watched file), tests
// every candidate for a writer's advisory lock, skips files whose size and
// mtime are unchanged since the last look, hashes the rest, and consults the
// ledger. New content is moved into Queued (or copied to scratch for admin
// sources), recorded as seen, and submitted to the worker, oldest first.
// Run repeats Scan on the poll interval and returns on the first scan error
// so the caller's supervisor can cool down and restart it.
package scanner
