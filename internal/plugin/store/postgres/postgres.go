package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/fchat-tools/profilecache/internal/config"
	"github.com/fchat-tools/profilecache/internal/plugin/store/gormstore"
	registrymigrate "github.com/fchat-tools/profilecache/internal/registry/migrate"
	registrystore "github.com/fchat-tools/profilecache/internal/registry/store"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.RecordStore, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.StoreURL == "" {
				return nil, fmt.Errorf("postgres store: PROFILECACHE_STORE_URL is required")
			}
			db, err := Open(cfg.StoreURL)
			if err != nil {
				return nil, err
			}
			if cfg.StoreMigrateAtStart {
				if err := gormstore.Migrate(ctx, db); err != nil {
					closeDB(db)
					return nil, fmt.Errorf("postgres store: %w", err)
				}
			}
			return gormstore.New(db, gormstore.WithTransientClassifier(IsRetryable)), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &postgresMigrator{}})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

// Open connects to postgres with the given DSN.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// IsRetryable reports serialization failures, deadlocks and lock timeouts,
// which can succeed when the transaction is replayed.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}

type postgresMigrator struct{}

func (m *postgresMigrator) Name() string { return "postgres-schema" }
func (m *postgresMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.StoreType != "postgres" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := Open(cfg.StoreURL)
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	defer closeDB(db)

	if err := gormstore.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	log.Info("Postgres schema migration complete")
	return nil
}
