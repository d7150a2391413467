package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/fchat-tools/profilecache/internal/config"
	"github.com/fchat-tools/profilecache/internal/plugin/store/gormstore"
	registrymigrate "github.com/fchat-tools/profilecache/internal/registry/migrate"
	registrystore "github.com/fchat-tools/profilecache/internal/registry/store"
	"github.com/mattn/go-sqlite3"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "sqlite",
		Loader: func(ctx context.Context) (registrystore.RecordStore, error) {
			cfg := config.FromContext(ctx)
			db, err := Open(cfg.ResolvedStoreURL())
			if err != nil {
				return nil, err
			}
			if cfg.StoreMigrateAtStart {
				if err := gormstore.Migrate(ctx, db); err != nil {
					closeDB(db)
					return nil, fmt.Errorf("sqlite store: %w", err)
				}
			}
			return gormstore.New(db, gormstore.WithTransientClassifier(IsBusy)), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &sqliteMigrator{}})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

// Open opens (creating if needed) the sqlite database at path.
func Open(path string) (*gorm.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("sqlite store: create dir: %w", err)
		}
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite store: underlying db: %w", err)
	}
	// The worker is the only user; one connection keeps transactions serialized.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// IsBusy reports whether err is a sqlite lock-contention error worth retrying.
func IsBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

type sqliteMigrator struct{}

func (m *sqliteMigrator) Name() string { return "sqlite-schema" }
func (m *sqliteMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.StoreType != "sqlite" {
		return nil
	}
	log.Info("Running migration", "name", m.Name(), "path", cfg.ResolvedStoreURL())
	db, err := Open(cfg.ResolvedStoreURL())
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	defer closeDB(db)
	return gormstore.Migrate(ctx, db)
}
