package sqlite_test

import (
	"path/filepath"
	"testing"

	"github.com/ericfisherdev/forge-collector/internal/store/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sqlite.NewDB(dbPath)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := sqlite.RunMigrations(db.Writer); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}

	return db
}
