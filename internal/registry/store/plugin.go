package store

import (
	"context"
	"fmt"

	"github.com/fchat-tools/profilecache/internal/model"
)

// RecordStore is the durable, versioned profile store. Implementations are
// owned by the storage worker and are never called from more than one
// goroutine at a time.
type RecordStore interface {
	// GetProfile returns the stored profile, or found=false.
	GetProfile(ctx context.Context, identity string) (*model.ProfileRecord, bool, error)
	// StoreProfile merges record with any existing row and returns the stored result.
	StoreProfile(ctx context.Context, record *model.ProfileRecord) (*model.ProfileRecord, error)
	// StoreSecondaryMeta attaches supplementary data to an existing profile.
	StoreSecondaryMeta(ctx context.Context, identity string, meta model.SecondaryMeta) error
	// RecentProfiles returns up to limit profiles, most recently fetched first.
	RecentProfiles(ctx context.Context, limit int) ([]*model.ProfileRecord, error)
	// CountProfiles returns the number of stored profiles.
	CountProfiles(ctx context.Context) (int64, error)

	GetOverrides(ctx context.Context, identity string) (*model.OverrideRecord, bool, error)
	// StoreOverrides applies patch and reports whether anything was written.
	StoreOverrides(ctx context.Context, identity string, patch model.OverridePatch) (bool, error)
	GetOverridesBatch(ctx context.Context, identities []string) (map[string]*model.OverrideRecord, error)

	// FlushProfiles deletes profiles last fetched more than maxAgeDays ago.
	FlushProfiles(ctx context.Context, maxAgeDays int) (int, error)
	// FlushOverrides deletes overrides last fetched more than maxAgeDays ago.
	FlushOverrides(ctx context.Context, maxAgeDays int) (int, error)

	Close() error
}

// Loader creates a store from config.
type Loader func(ctx context.Context) (RecordStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
