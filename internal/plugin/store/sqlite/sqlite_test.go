package sqlite_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/fchat-tools/profilecache/internal/config"
	"github.com/fchat-tools/profilecache/internal/model"
	"github.com/fchat-tools/profilecache/internal/plugin/store/gormstore"
	"github.com/fchat-tools/profilecache/internal/plugin/store/sqlite"
	registrymigrate "github.com/fchat-tools/profilecache/internal/registry/migrate"
	registrystore "github.com/fchat-tools/profilecache/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) (*gormstore.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "profiles.db"))
	require.NoError(t, err)
	require.NoError(t, gormstore.Migrate(ctx, db))
	store := gormstore.New(db,
		gormstore.WithClock(func() time.Time { return testNow }),
		gormstore.WithTransientClassifier(sqlite.IsBusy),
	)
	t.Cleanup(func() { _ = store.Close() })
	return store, ctx
}

func profile(identity string, lastFetched time.Time) *model.ProfileRecord {
	return &model.ProfileRecord{
		Identity:    identity,
		Name:        identity,
		Payload:     model.Payload(`{"name":"` + identity + `"}`),
		LastFetched: lastFetched.Unix(),
		Derived:     model.DerivedAttributes{Gender: "female", Species: "fox"},
	}
}

func TestLoaderFromRegistry(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.StoreURL = filepath.Join(t.TempDir(), "nested", "profiles.db")
	ctx := config.WithContext(context.Background(), &cfg)

	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	defer store.Close()

	n, err := store.CountProfiles(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMigratorRegistered(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.StoreURL = filepath.Join(t.TempDir(), "profiles.db")
	ctx := config.WithContext(context.Background(), &cfg)
	require.NoError(t, registrymigrate.RunAll(ctx))

	db, err := sqlite.Open(cfg.StoreURL)
	require.NoError(t, err)
	defer gormstore.New(db).Close()
	version, err := gormstore.SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, gormstore.CurrentVersion, version)
}

func TestStoreAndGetProfile(t *testing.T) {
	store, ctx := openTestStore(t)

	_, found, err := store.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, found)

	saved, err := store.StoreProfile(ctx, profile("alice", testNow))
	require.NoError(t, err)
	assert.Equal(t, testNow.Unix(), saved.FirstSeen)

	got, found, err := store.GetProfile(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "fox", got.Derived.Species)
	assert.JSONEq(t, `{"name":"alice"}`, string(got.Payload))
	assert.Nil(t, got.SecondaryMeta)
}

func TestStoreProfile_MergePreservesFirstSeenAndSecondaryMeta(t *testing.T) {
	store, ctx := openTestStore(t)

	first := testNow.Add(-48 * time.Hour)
	_, err := store.StoreProfile(ctx, profile("alice", first))
	require.NoError(t, err)
	require.NoError(t, store.StoreSecondaryMeta(ctx, "alice", model.SecondaryMeta{
		Images:    json.RawMessage(`[{"id":1}]`),
		FetchedAt: first.Unix(),
	}))

	updated := profile("alice", testNow)
	updated.Derived.Gender = "male"
	saved, err := store.StoreProfile(ctx, updated)
	require.NoError(t, err)

	assert.Equal(t, first.Unix(), saved.FirstSeen)
	assert.Equal(t, testNow.Unix(), saved.LastFetched)
	assert.Equal(t, "male", saved.Derived.Gender)
	require.NotNil(t, saved.SecondaryMeta)
	assert.JSONEq(t, `[{"id":1}]`, string(saved.SecondaryMeta.Images))

	n, err := store.CountProfiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStoreSecondaryMeta_MissingProfile(t *testing.T) {
	store, ctx := openTestStore(t)
	err := store.StoreSecondaryMeta(ctx, "ghost", model.SecondaryMeta{})
	var nf *registrystore.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestFlushProfiles_RemovesOnlyExpired(t *testing.T) {
	store, ctx := openTestStore(t)

	_, err := store.StoreProfile(ctx, profile("old", testNow.Add(-31*24*time.Hour)))
	require.NoError(t, err)
	_, err = store.StoreProfile(ctx, profile("boundary", testNow.Add(-30*24*time.Hour)))
	require.NoError(t, err)
	_, err = store.StoreProfile(ctx, profile("fresh", testNow.Add(-29*24*time.Hour)))
	require.NoError(t, err)

	deleted, err := store.FlushProfiles(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, found, err := store.GetProfile(ctx, "old")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = store.GetProfile(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, found)

	recent, err := store.RecentProfiles(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	for _, r := range recent {
		assert.Greater(t, r.LastFetched, registrystore.Cutoff(testNow, 30))
	}
}

func TestRecentProfiles_Ordering(t *testing.T) {
	store, ctx := openTestStore(t)
	for i, id := range []string{"a", "b", "c"} {
		_, err := store.StoreProfile(ctx, profile(id, testNow.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	recent, err := store.RecentProfiles(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].Identity)
	assert.Equal(t, "b", recent[1].Identity)
}

func TestOverrides(t *testing.T) {
	store, ctx := openTestStore(t)
	url := "https://static.example/a.png"

	changed, err := store.StoreOverrides(ctx, "alice", model.OverridePatch{AvatarURL: &url})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.StoreOverrides(ctx, "alice", model.OverridePatch{AvatarURL: &url})
	require.NoError(t, err)
	assert.False(t, changed, "identical patch must not write")

	gender := "female"
	changed, err = store.StoreOverrides(ctx, "alice", model.OverridePatch{Gender: &gender})
	require.NoError(t, err)
	assert.True(t, changed)

	got, found, err := store.GetOverrides(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, url, *got.AvatarURL)
	assert.Equal(t, gender, *got.Gender)
	assert.Equal(t, testNow.Unix(), got.LastFetched)

	batch, err := store.GetOverridesBatch(ctx, []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Len(t, batch, 1)
	assert.Contains(t, batch, "alice")

	deleted, err := store.FlushOverrides(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestMigrate_LegacyVersionClearsProfiles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sqlite.Open(path)
	require.NoError(t, err)

	require.NoError(t, db.Exec(`CREATE TABLE profiles (
		identity TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		payload BLOB,
		first_seen INTEGER NOT NULL,
		last_fetched INTEGER NOT NULL
	)`).Error)
	require.NoError(t, db.Exec(`CREATE TABLE schema_meta (meta_key TEXT PRIMARY KEY, value INTEGER NOT NULL)`).Error)
	require.NoError(t, db.Exec(`INSERT INTO schema_meta (meta_key, value) VALUES ('schema_version', 1)`).Error)
	require.NoError(t, db.Exec(`INSERT INTO profiles VALUES ('alice', 'Alice', '{}', 1, 2)`).Error)

	require.NoError(t, gormstore.Migrate(ctx, db))

	version, err := gormstore.SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, gormstore.CurrentVersion, version)
	assert.True(t, db.Migrator().HasTable("overrides"))
	assert.True(t, db.Migrator().HasIndex("profiles", "idx_profiles_last_fetched"))

	var count int64
	require.NoError(t, db.Table("profiles").Count(&count).Error)
	assert.Zero(t, count, "incompatible profiles are discarded")

	store := gormstore.New(db)
	defer store.Close()
	_, err = store.StoreProfile(ctx, profile("alice", testNow))
	require.NoError(t, err)
}

func TestMigrate_NewerVersionResetsTables(t *testing.T) {
	store, ctx := openTestStore(t)
	_, err := store.StoreProfile(ctx, profile("alice", testNow))
	require.NoError(t, err)

	db := store.DB()
	require.NoError(t, db.Exec(`UPDATE schema_meta SET value = ? WHERE meta_key = 'schema_version'`, gormstore.CurrentVersion+5).Error)
	require.NoError(t, gormstore.Migrate(ctx, db))

	n, err := store.CountProfiles(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	version, err := gormstore.SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, gormstore.CurrentVersion, version)
}

func TestMigrate_Idempotent(t *testing.T) {
	store, ctx := openTestStore(t)
	_, err := store.StoreProfile(ctx, profile("alice", testNow))
	require.NoError(t, err)
	require.NoError(t, gormstore.Migrate(ctx, store.DB()))

	_, found, err := store.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestIsBusy(t *testing.T) {
	assert.False(t, sqlite.IsBusy(nil))
	assert.False(t, sqlite.IsBusy(gorm.ErrRecordNotFound))
}
