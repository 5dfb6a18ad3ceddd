package database

import (
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Wikid82/warden/internal/models"
)

// sqlitePragmas make every transaction take the write lock up front so an
// insert followed by window counts is atomic across connections and processes.
const sqlitePragmas = "_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"

// Open bootstraps a SQLite database using the provided filesystem path.
func Open(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(DSN(dbPath)), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	return db, nil
}

// DSN appends the engine's required pragmas to a SQLite path or URI.
func DSN(dbPath string) string {
	if strings.Contains(dbPath, "_txlock=") {
		return dbPath
	}
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + sqlitePragmas
}

// Migrate creates or updates every table the engine owns.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.RequestEvent{},
		&models.IdentityRecord{},
		&models.Alert{},
		&models.AlertRule{},
		&models.NotificationProvider{},
		&models.SecurityDecision{},
		&models.SecurityAudit{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
