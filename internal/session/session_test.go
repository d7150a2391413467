package session_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fchat-tools/profilecache/internal/config"
	"github.com/fchat-tools/profilecache/internal/model"
	"github.com/fchat-tools/profilecache/internal/plugin/store/gormstore"
	"github.com/fchat-tools/profilecache/internal/plugin/store/sqlite"
	registryfetch "github.com/fchat-tools/profilecache/internal/registry/fetch"
	"github.com/fchat-tools/profilecache/internal/service"
	"github.com/fchat-tools/profilecache/internal/session"
	"github.com/fchat-tools/profilecache/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scores map[string]float64

func (s scores) InterestScore(id string) float64 { return s[id] }

func echoFetcher(calls *atomic.Int32) registryfetch.Fetcher {
	return registryfetch.Func(func(_ context.Context, identity string) (model.Payload, error) {
		calls.Add(1)
		return model.Payload(`{"name":"` + identity + `","infotags":{"9":"Otter"}}`), nil
	})
}

func newSession(t *testing.T, opts session.Options) (*session.Session, *gormstore.Store) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SchedulerInterval = 5 * time.Millisecond
	ctx := config.WithContext(context.Background(), &cfg)

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "profiles.db"))
	require.NoError(t, err)
	require.NoError(t, gormstore.Migrate(ctx, db))
	store := gormstore.New(db)
	opts.Store = store

	s, err := session.New(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, store
}

func TestLookupQueuesAndAwaitResolves(t *testing.T) {
	var calls atomic.Int32
	s, _ := newSession(t, session.Options{Fetcher: echoFetcher(&calls)})
	ctx := context.Background()

	_, found, err := s.Lookup(ctx, "Alice")
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, s.Queue().Contains("alice"))

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	awaited := make(chan *model.ProfileRecord, 1)
	go func() {
		rec, err := s.Await(ctx, "ALICE")
		assert.NoError(t, err)
		awaited <- rec
	}()
	// Let Await register before the scheduler runs.
	time.Sleep(20 * time.Millisecond)

	_, err = s.StartSession(ctx, 30, false)
	require.NoError(t, err)

	rec := <-awaited
	require.NotNil(t, rec)
	assert.Equal(t, "alice", rec.Identity)
	assert.Equal(t, "Otter", rec.Derived.Species)

	got, found, err := s.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, rec.Identity, got.Identity)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueueForFetchingRespectsCacheUnlessSkipped(t *testing.T) {
	var calls atomic.Int32
	s, _ := newSession(t, session.Options{Fetcher: echoFetcher(&calls)})
	ctx := context.Background()

	_, err := s.Register(ctx, model.Payload(`{"name":"Bob"}`))
	require.NoError(t, err)

	require.NoError(t, s.QueueForFetching(ctx, "bob", false, ""))
	assert.Zero(t, s.Queue().Len(), "fresh memory hit is a no-op")

	require.NoError(t, s.QueueForFetching(ctx, "bob", true, ""))
	assert.Equal(t, 1, s.Queue().Len())

	require.ErrorIs(t, s.QueueForFetching(ctx, "  ", true, ""), model.ErrInvalidIdentity)
}

func TestScorerOrdersQueue(t *testing.T) {
	var calls atomic.Int32
	s, _ := newSession(t, session.Options{
		Fetcher: echoFetcher(&calls),
		Scorer:  scores{"a": 10, "b": 50, "c": 30},
	})
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, s.QueueForFetching(ctx, id, true, ""))
	}
	snap := s.Queue().Snapshot(0)
	require.Len(t, snap, 3)
	assert.Equal(t, "b", snap[0].Key)
	assert.Equal(t, "a", snap[2].Key)
}

func TestRetainContext(t *testing.T) {
	var calls atomic.Int32
	s, _ := newSession(t, session.Options{Fetcher: echoFetcher(&calls)})
	ctx := context.Background()
	require.NoError(t, s.QueueForFetching(ctx, "a", true, "chan-1"))
	require.NoError(t, s.QueueForFetching(ctx, "b", true, "chan-2"))

	assert.Equal(t, 1, s.RetainContext("chan-2"))
	assert.False(t, s.Queue().Contains("a"))
	assert.True(t, s.Queue().Contains("b"))
}

func TestSubscribeCarriesMatch(t *testing.T) {
	var calls atomic.Int32
	s, _ := newSession(t, session.Options{
		Fetcher: echoFetcher(&calls),
		Matcher: session.StaticMatcher{Score: 0.5, Filtered: true},
	})
	var mu sync.Mutex
	var updates []session.Update
	s.Subscribe(func(u session.Update) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, u)
	})

	_, err := s.Register(context.Background(), model.Payload(`{"name":"Carol"}`))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 1)
	assert.Equal(t, "carol", updates[0].Record.Identity)
	assert.True(t, updates[0].Match.Filtered)
	assert.Equal(t, 0.5, updates[0].Match.Score)
}

func TestStartSessionSweeps(t *testing.T) {
	var calls atomic.Int32
	resyncs := 0
	s, store := newSession(t, session.Options{
		Fetcher:  echoFetcher(&calls),
		Resyncer: service.ResyncFunc(func(context.Context) error { resyncs++; return nil }),
	})
	ctx := context.Background()

	now := time.Now()
	_, err := store.StoreProfile(ctx, &model.ProfileRecord{Identity: "old", Name: "old", Payload: model.Payload(`{}`), LastFetched: now.Add(-60 * 24 * time.Hour).Unix()})
	require.NoError(t, err)
	_, err = store.StoreProfile(ctx, &model.ProfileRecord{Identity: "new", Name: "new", Payload: model.Payload(`{}`), LastFetched: now.Add(-time.Hour).Unix()})
	require.NoError(t, err)

	res, err := s.StartSession(ctx, 30, false)
	require.NoError(t, err)
	assert.False(t, res.Resynced)
	assert.Equal(t, 1, res.ProfilesFlushed)
	assert.Zero(t, resyncs)

	n, err := s.CountProfiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.StartSession(ctx, 30, false)
	require.ErrorIs(t, err, session.ErrAlreadyStarted)
}

func TestStartSessionResyncsWhenForcedOrEmpty(t *testing.T) {
	var calls atomic.Int32
	resyncs := 0
	s, _ := newSession(t, session.Options{
		Fetcher:  echoFetcher(&calls),
		Resyncer: service.ResyncFunc(func(context.Context) error { resyncs++; return nil }),
	})
	res, err := s.StartSession(context.Background(), 30, false)
	require.NoError(t, err)
	assert.True(t, res.Resynced)
	assert.Equal(t, 1, resyncs)
}

func TestCloseRejectsAwait(t *testing.T) {
	blocked := registryfetch.Func(func(ctx context.Context, _ string) (model.Payload, error) {
		return nil, errors.New("unreachable")
	})
	s, _ := newSession(t, session.Options{Fetcher: blocked})

	errs := make(chan error, 1)
	go func() {
		_, err := s.Await(context.Background(), "dave")
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, <-errs, worker.ErrClosed)

	_, err := s.Await(context.Background(), "dave")
	assert.ErrorIs(t, err, worker.ErrClosed)
	_, err = s.StartSession(context.Background(), 30, false)
	assert.ErrorIs(t, err, worker.ErrClosed)
	require.NoError(t, s.Close())
}

func TestAwaitHonorsContext(t *testing.T) {
	var calls atomic.Int32
	s, _ := newSession(t, session.Options{Fetcher: echoFetcher(&calls)})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Await(ctx, "eve")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueForFetchingTreatsAnyCachedRecordAsHit(t *testing.T) {
	var calls atomic.Int32
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var elapsed atomic.Int64
	s, store := newSession(t, session.Options{
		Fetcher: echoFetcher(&calls),
		Now:     func() time.Time { return base.Add(time.Duration(elapsed.Load())) },
	})
	ctx := context.Background()

	_, err := s.Register(ctx, model.Payload(`{"name":"Bob"}`))
	require.NoError(t, err)
	elapsed.Store(int64(3 * time.Minute))
	require.NoError(t, s.QueueForFetching(ctx, "bob", false, ""))
	assert.False(t, s.Queue().Contains("bob"), "an older memory hit is still a hit")

	_, err = store.StoreProfile(ctx, &model.ProfileRecord{
		Identity:    "carol",
		Name:        "Carol",
		Payload:     model.Payload(`{"name":"Carol"}`),
		LastFetched: base.Unix(),
	})
	require.NoError(t, err)
	require.NoError(t, s.QueueForFetching(ctx, "Carol", false, ""))
	assert.False(t, s.Queue().Contains("carol"), "a store-only record is a hit")
	_, inMemory := s.Cache().GetSync("carol")
	assert.True(t, inMemory)

	require.NoError(t, s.QueueForFetching(ctx, "dave", false, ""))
	assert.True(t, s.Queue().Contains("dave"))
	assert.Zero(t, calls.Load())
}

func TestFetchNowSharesInFlightFetch(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	fetcher := registryfetch.Func(func(_ context.Context, identity string) (model.Payload, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return model.Payload(`{"name":"` + identity + `"}`), nil
	})
	s, _ := newSession(t, session.Options{Fetcher: fetcher})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make(chan *model.ProfileRecord, 2)
	errs := make(chan error, 2)
	fetch := func() {
		rec, err := s.FetchNow(ctx, "Nina")
		results <- rec
		errs <- err
	}
	go fetch()
	<-started
	go fetch()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s.QueueForFetching(ctx, "nina", true, ""))
	require.True(t, s.Scheduler().Tick(ctx))

	close(release)
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
		rec := <-results
		require.NotNil(t, rec)
		assert.Equal(t, "nina", rec.Identity)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, s.Queue().Contains("nina"))
}

func TestRegisteredRecordIsInsideCooldown(t *testing.T) {
	var calls atomic.Int32
	s, _ := newSession(t, session.Options{Fetcher: echoFetcher(&calls)})
	ctx := context.Background()

	_, err := s.Register(ctx, model.Payload(`{"name":"Olga"}`))
	require.NoError(t, err)
	require.NoError(t, s.QueueForFetching(ctx, "olga", true, ""))
	require.True(t, s.Scheduler().Tick(ctx))
	assert.Zero(t, calls.Load())
	assert.False(t, s.Queue().Contains("olga"))
}
