package flush

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fchat-tools/profilecache/internal/config"
	"github.com/fchat-tools/profilecache/internal/model"
	"github.com/fchat-tools/profilecache/internal/plugin/store/gormstore"
	"github.com/fchat-tools/profilecache/internal/plugin/store/sqlite"
)

func seed(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(path)
	require.NoError(t, err)
	require.NoError(t, gormstore.Migrate(ctx, db))
	store := gormstore.New(db)
	defer store.Close()

	now := time.Now()
	for id, age := range map[string]time.Duration{
		"stale": 40 * 24 * time.Hour,
		"fresh": time.Hour,
	} {
		_, err := store.StoreProfile(ctx, &model.ProfileRecord{
			Identity:    id,
			Name:        id,
			Payload:     model.Payload(`{"name":"` + id + `"}`),
			LastFetched: now.Add(-age).Unix(),
		})
		require.NoError(t, err)
	}
}

func TestRun_ExpiresOldProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.db")
	seed(t, path)

	cfg := config.DefaultConfig()
	cfg.StoreURL = path
	res, err := Run(config.WithContext(context.Background(), &cfg))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ProfilesFlushed)
	assert.Zero(t, res.OverridesFlushed)
	assert.Equal(t, int64(1), res.Remaining)
}

func TestCommand_UnknownStore(t *testing.T) {
	err := Command().Run(context.Background(), []string{"flush", "--store-kind", "cassandra"})
	require.Error(t, err)
}

func TestRun_RequiresConfig(t *testing.T) {
	_, err := Run(context.Background())
	require.Error(t, err)
}
