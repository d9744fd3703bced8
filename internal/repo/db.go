// Package repo implements the console's durable local store, backed by GORM
// on SQLite. Every session on a host opens the same database file; it holds
// the last-known snapshot of each tracked collection, the cross-session sync
// sentinel, and idempotency records for HTTP mutations.
package repo

import (
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/ops-console-sync/internal/domain"
)

// Options tunes OpenSQLite.
type Options struct {
	// Tracing installs the GORM OpenTelemetry plugin.
	Tracing bool
	// Silent disables GORM's own query logger.
	Silent bool
}

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
func OpenSQLite(path string, opts Options) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	gcfg := &gorm.Config{}
	if opts.Silent {
		gcfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(sqlite.Open(path), gcfg)
	if err != nil {
		return nil, err
	}

	// PRAGMAs. WAL lets several console processes read while one writes.
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	// Pool
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if opts.Tracing {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return nil, err
		}
	}

	return db, nil
}

// AutoMigrate creates or updates the store schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.StoreEntry{},
		&domain.Idempotency{},
	)
}
