// Package storagetest opens throwaway stores for tests.
package storagetest

import (
	"context"
	"testing"

	"github.com/c360studio/semflow/storage"
)

// New opens a migrated in-memory SQLite store that is closed when the test ends.
func New(t testing.TB) *storage.Store {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(ctx, storage.Config{Driver: storage.DriverSQLite, DSN: ":memory:"}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	return store
}
