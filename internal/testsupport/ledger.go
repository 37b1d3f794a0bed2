package testsupport

import (
	"testing"

	"hopper/internal/ledger"
)

// MustOpenLedger opens a ledger.Store for tests and registers cleanup.
func MustOpenLedger(t testing.TB, path string, opts ...ledger.Option) *ledger.Store {
	t.Helper()

	store, err := ledger.Open(path, opts...)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
