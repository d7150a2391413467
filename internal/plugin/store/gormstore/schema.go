package gormstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"
)

// CurrentVersion is the schema version written by this build.
const CurrentVersion = 4

const versionKey = "schema_version"

type profileRow struct {
	Identity      string `gorm:"primaryKey;column:identity"`
	Name          string `gorm:"not null"`
	Payload       []byte
	FirstSeen     int64 `gorm:"not null"`
	LastFetched   int64 `gorm:"not null;index:idx_profiles_last_fetched"`
	Derived       []byte
	SecondaryMeta []byte
}

func (profileRow) TableName() string { return "profiles" }

type overrideRow struct {
	Identity    string `gorm:"primaryKey;column:identity"`
	AvatarURL   *string
	Gender      *string
	LastFetched int64 `gorm:"not null;index:idx_overrides_last_fetched"`
}

func (overrideRow) TableName() string { return "overrides" }

type metaRow struct {
	Key   string `gorm:"primaryKey;column:meta_key"`
	Value int64  `gorm:"not null"`
}

func (metaRow) TableName() string { return "schema_meta" }

// migrationStep upgrades the schema to version. A step with wipe set has no
// data-preserving path: the named table is cleared.
type migrationStep struct {
	version int
	name    string
	wipe    string
	up      func(tx *gorm.DB) error
}

var migrationSteps = []migrationStep{
	{
		version: 2,
		name:    "create overrides table",
		up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&overrideRow{})
		},
	},
	{
		version: 3,
		name:    "index profiles by last fetched",
		up: func(tx *gorm.DB) error {
			if tx.Migrator().HasIndex(&profileRow{}, "idx_profiles_last_fetched") {
				return nil
			}
			return tx.Migrator().CreateIndex(&profileRow{}, "idx_profiles_last_fetched")
		},
	},
	{
		version: 4,
		name:    "store derived attributes with profiles",
		wipe:    "profiles",
		up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&profileRow{}, &overrideRow{})
		},
	},
}

// Migrate brings the schema to CurrentVersion inside one transaction.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&metaRow{}); err != nil {
			return fmt.Errorf("create schema_meta: %w", err)
		}
		version, err := readVersion(tx)
		if err != nil {
			return err
		}

		switch {
		case version == CurrentVersion:
			return nil
		case version == 0:
			log.Info("Record store: creating schema", "version", CurrentVersion)
			if err := tx.AutoMigrate(&profileRow{}, &overrideRow{}); err != nil {
				return fmt.Errorf("create tables: %w", err)
			}
		case version > CurrentVersion:
			// Written by a newer build; nothing here can read it safely.
			log.Warn("Record store: schema is newer than this build, clearing data",
				"onDisk", version, "current", CurrentVersion)
			if err := tx.Migrator().DropTable(&profileRow{}, &overrideRow{}); err != nil {
				return fmt.Errorf("drop tables: %w", err)
			}
			if err := tx.AutoMigrate(&profileRow{}, &overrideRow{}); err != nil {
				return fmt.Errorf("create tables: %w", err)
			}
		default:
			for _, step := range migrationSteps {
				if step.version <= version {
					continue
				}
				log.Info("Record store: migrating", "to", step.version, "step", step.name)
				if err := step.up(tx); err != nil {
					return fmt.Errorf("migration %d (%s): %w", step.version, step.name, err)
				}
				if step.wipe != "" {
					log.Warn("Record store: no data-preserving migration, clearing table",
						"table", step.wipe, "from", version, "to", step.version)
					if err := tx.Exec("DELETE FROM " + step.wipe).Error; err != nil {
						return fmt.Errorf("clear %s: %w", step.wipe, err)
					}
				}
			}
		}
		return writeVersion(tx, CurrentVersion)
	})
}

func readVersion(tx *gorm.DB) (int, error) {
	var row metaRow
	err := tx.Where("meta_key = ?", versionKey).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(row.Value), nil
}

func writeVersion(tx *gorm.DB, version int) error {
	if err := tx.Save(&metaRow{Key: versionKey, Value: int64(version)}).Error; err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

// SchemaVersion reports the version recorded in the database.
func SchemaVersion(ctx context.Context, db *gorm.DB) (int, error) {
	tx := db.WithContext(ctx)
	if !tx.Migrator().HasTable(&metaRow{}) {
		return 0, nil
	}
	return readVersion(tx)
}
