// Package daemon coordinates the long-running hopper process.
//
// It opens one pipeline per configured source, shares the serialization gate
// and archive mirror between them, and runs them under a single flock-based
// lock so two daemons never drain the same stage directories. The daemon also
// owns ledger retention and the HTTP status API.
//
// Keep orchestration logic here: scanning, staging, and unit processing live
// in their own packages while the daemon focuses on startup, shutdown, and
// high level coordination.
package daemon
