package database

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"
)

// OpenTestDB creates a migrated file-backed SQLite database unique per test.
// A file (rather than shared-cache memory) keeps concurrent-writer tests on the
// normal busy-wait locking path.
func OpenTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "warden_test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}
