// Command hopper runs the ingestion daemon and the tooling around it.
//
// "hopper run" starts the daemon in the foreground. The remaining commands
// inspect or repair state: they talk to a running daemon through its HTTP API
// when one holds the lock and otherwise operate on the stage directories and
// ledgers directly.
package main
