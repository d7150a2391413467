package profilecache_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fchat-tools/profilecache/internal/model"
	"github.com/fchat-tools/profilecache/internal/plugin/store/gormstore"
	"github.com/fchat-tools/profilecache/internal/plugin/store/sqlite"
	"github.com/fchat-tools/profilecache/internal/profilecache"
	"github.com/fchat-tools/profilecache/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newCache(t *testing.T) (*profilecache.Cache, *worker.Worker, *clock) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "profiles.db"))
	require.NoError(t, err)
	require.NoError(t, gormstore.Migrate(context.Background(), db))
	w := worker.Start(gormstore.New(db))
	t.Cleanup(func() { _ = w.Close() })

	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c, err := profilecache.New(w, profilecache.Options{
		MemorySize: 100,
		Now:        clk.Now,
		Analyze: func(model.Payload) model.DerivedAttributes {
			return model.DerivedAttributes{Species: "fox"}
		},
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, w, clk
}

func TestGetSyncCaseInsensitive(t *testing.T) {
	c, _, _ := newCache(t)

	_, ok := c.GetSync("Alice")
	assert.False(t, ok)

	rec, err := c.Register(context.Background(), model.Payload(`{"name":"Alice"}`))
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Identity)
	assert.Equal(t, "Alice", rec.Name)
	assert.Equal(t, "fox", rec.Derived.Species)

	got, ok := c.GetSync("alice")
	require.True(t, ok)
	assert.Same(t, rec, got)
	got, ok = c.GetSync("  ALICE ")
	require.True(t, ok)
	assert.Equal(t, rec.Identity, got.Identity)
}

func TestRegisterIsIdempotent(t *testing.T) {
	c, _, clk := newCache(t)
	ctx := context.Background()
	payload := model.Payload(`{"name":"Alice"}`)

	first, err := c.Register(ctx, payload)
	require.NoError(t, err)
	clk.Advance(time.Hour)
	second, err := c.Register(ctx, payload)
	require.NoError(t, err)

	assert.Equal(t, first.FirstSeen, second.FirstSeen)
	assert.Equal(t, first.LastFetched+3600, second.LastFetched)
	assert.Equal(t, 1, c.Len())
}

func TestRegisterRejectsMalformedIdentity(t *testing.T) {
	c, _, _ := newCache(t)
	_, err := c.Register(context.Background(), model.Payload(`{"name":"   "}`))
	require.ErrorIs(t, err, model.ErrInvalidIdentity)

	_, _, err = c.Get(context.Background(), "")
	require.ErrorIs(t, err, model.ErrInvalidIdentity)
	assert.Zero(t, c.Len())
}

func TestRegisterNotifiesSubscribers(t *testing.T) {
	c, _, _ := newCache(t)
	var got []string
	unsubscribe := c.Subscribe(func(rec *model.ProfileRecord) { got = append(got, rec.Identity) })

	_, err := c.Register(context.Background(), model.Payload(`{"name":"Alice"}`))
	require.NoError(t, err)
	unsubscribe()
	_, err = c.Register(context.Background(), model.Payload(`{"name":"Bob"}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"alice"}, got)
}

func TestGetFallsThroughToStore(t *testing.T) {
	c, w, _ := newCache(t)
	ctx := context.Background()

	_, err := w.StoreProfile(ctx, &model.ProfileRecord{
		Identity: "carol", Name: "Carol", Payload: model.Payload(`{"name":"Carol"}`), LastFetched: 10,
	})
	require.NoError(t, err)

	_, ok := c.GetSync("carol")
	require.False(t, ok)

	rec, found, err := c.Get(ctx, "Carol")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(10), rec.FirstSeen)

	_, ok = c.GetSync("carol")
	assert.True(t, ok, "store hit populates memory")

	_, found, err = c.Get(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRegisterKeepsStoredFirstSeenAfterRestart(t *testing.T) {
	c, w, clk := newCache(t)
	ctx := context.Background()

	_, err := w.StoreProfile(ctx, &model.ProfileRecord{
		Identity: "alice", Name: "Alice", Payload: model.Payload(`{"name":"Alice"}`), LastFetched: 42,
	})
	require.NoError(t, err)

	rec, err := c.Register(ctx, model.Payload(`{"name":"Alice"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.FirstSeen)
	assert.Equal(t, clk.Now().Unix(), rec.LastFetched)
}

type failingBackend struct{ profilecache.Backend }

func (failingBackend) GetProfile(context.Context, string) (*model.ProfileRecord, bool, error) {
	return nil, false, errors.New("worker exploded")
}

func (failingBackend) StoreProfile(context.Context, *model.ProfileRecord) (*model.ProfileRecord, error) {
	return nil, errors.New("worker exploded")
}

func TestStoreFailureIsAMiss(t *testing.T) {
	c, err := profilecache.New(failingBackend{}, profilecache.Options{})
	require.NoError(t, err)
	defer c.Close()

	_, found, err := c.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, found)

	rec, err := c.Register(context.Background(), model.Payload(`{"name":"Alice"}`))
	require.NoError(t, err)
	got, ok := c.GetSync("alice")
	require.True(t, ok)
	assert.Same(t, rec, got)
}

type slowBackend struct {
	profilecache.Backend
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *slowBackend) GetProfile(ctx context.Context, identity string) (*model.ProfileRecord, bool, error) {
	b.calls.Add(1)
	close(b.entered)
	<-b.release
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return &model.ProfileRecord{Identity: identity, Name: "Zoe"}, true, nil
}

func TestGetSharedReadSurvivesOneCallerCancelling(t *testing.T) {
	b := &slowBackend{entered: make(chan struct{}), release: make(chan struct{})}
	c, err := profilecache.New(b, profilecache.Options{})
	require.NoError(t, err)
	defer c.Close()

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, _, err := c.Get(ctxA, "zoe")
		errA <- err
	}()
	<-b.entered

	type result struct {
		rec   *model.ProfileRecord
		found bool
		err   error
	}
	resB := make(chan result, 1)
	go func() {
		rec, found, err := c.Get(context.Background(), "Zoe")
		resB <- result{rec, found, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)

	close(b.release)
	got := <-resB
	require.NoError(t, got.err)
	require.True(t, got.found)
	assert.Equal(t, "zoe", got.rec.Identity)
	assert.Equal(t, int32(1), b.calls.Load())

	_, ok := c.GetSync("zoe")
	assert.True(t, ok, "shared read populated memory")
}

func TestSecondaryMetaAndWarmup(t *testing.T) {
	c, w, _ := newCache(t)
	ctx := context.Background()

	require.Error(t, c.StoreSecondaryMeta(ctx, "ghost", model.SecondaryMeta{}))

	_, err := c.Register(ctx, model.Payload(`{"name":"Alice"}`))
	require.NoError(t, err)
	require.NoError(t, c.StoreSecondaryMeta(ctx, "Alice", model.SecondaryMeta{Friends: []byte(`["bob"]`)}))

	got, ok := c.GetSync("alice")
	require.True(t, ok)
	require.NotNil(t, got.SecondaryMeta)
	assert.NotZero(t, got.SecondaryMeta.FetchedAt)

	fresh, err := profilecache.New(w, profilecache.Options{})
	require.NoError(t, err)
	defer fresh.Close()
	n, err := fresh.Warmup(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	warm, ok := fresh.GetSync("alice")
	require.True(t, ok)
	assert.NotNil(t, warm.SecondaryMeta)
}

func TestOverrides(t *testing.T) {
	c, _, _ := newCache(t)
	ctx := context.Background()
	url := "https://static.example/a.png"

	changed, err := c.SetOverrides(ctx, "Alice", model.OverridePatch{AvatarURL: &url})
	require.NoError(t, err)
	assert.True(t, changed)

	rec, found, err := c.GetOverrides(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, url, *rec.AvatarURL)

	gender := "female"
	changed, err = c.SetOverrides(ctx, "alice", model.OverridePatch{Gender: &gender})
	require.NoError(t, err)
	assert.True(t, changed)

	rec, _, err = c.GetOverrides(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, gender, *rec.Gender, "memo is invalidated on change")

	batch, err := c.GetOverridesBatch(ctx, []string{"ALICE", "bob", ""})
	require.NoError(t, err)
	assert.Len(t, batch, 1)
	assert.Contains(t, batch, "alice")
}
