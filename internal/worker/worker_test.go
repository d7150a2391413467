package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fchat-tools/profilecache/internal/model"
	registrystore "github.com/fchat-tools/profilecache/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu       sync.Mutex
	profiles map[string]*model.ProfileRecord
	block    chan struct{}
	closed   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{profiles: map[string]*model.ProfileRecord{}}
}

func (f *fakeStore) GetProfile(ctx context.Context, identity string) (*model.ProfileRecord, bool, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.profiles[identity]; ok {
		return rec, true, nil
	}
	if identity == "synth" || len(identity) > 4 && identity[:4] == "char" {
		return &model.ProfileRecord{Identity: identity, Name: identity}, true, nil
	}
	return nil, false, nil
}

func (f *fakeStore) StoreProfile(_ context.Context, record *model.ProfileRecord) (*model.ProfileRecord, error) {
	if record.Identity == "" {
		return nil, &registrystore.ValidationError{Field: "identity", Message: "required"}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	merged := record.Clone()
	merged.Merge(f.profiles[record.Identity])
	f.profiles[record.Identity] = merged
	return merged, nil
}

func (f *fakeStore) StoreSecondaryMeta(_ context.Context, identity string, meta model.SecondaryMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.profiles[identity]
	if !ok {
		return &registrystore.NotFoundError{Resource: "profile", ID: identity}
	}
	rec.SecondaryMeta = &meta
	return nil
}

func (f *fakeStore) RecentProfiles(context.Context, int) ([]*model.ProfileRecord, error) {
	return nil, nil
}

func (f *fakeStore) CountProfiles(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.profiles)), nil
}

func (f *fakeStore) GetOverrides(context.Context, string) (*model.OverrideRecord, bool, error) {
	return nil, false, nil
}

func (f *fakeStore) StoreOverrides(context.Context, string, model.OverridePatch) (bool, error) {
	return true, nil
}

func (f *fakeStore) GetOverridesBatch(context.Context, []string) (map[string]*model.OverrideRecord, error) {
	return map[string]*model.OverrideRecord{}, nil
}

func (f *fakeStore) FlushProfiles(context.Context, int) (int, error) {
	return 0, fmt.Errorf("disk on fire")
}

func (f *fakeStore) FlushOverrides(context.Context, int) (int, error) { return 3, nil }

func (f *fakeStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestRoundTrip(t *testing.T) {
	store := newFakeStore()
	w := Start(store)
	defer w.Close()
	ctx := context.Background()

	_, found, err := w.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, found)

	saved, err := w.StoreProfile(ctx, &model.ProfileRecord{
		Identity:    "alice",
		Name:        "Alice",
		Payload:     model.Payload(`{"name":"Alice"}`),
		LastFetched: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), saved.FirstSeen)

	got, found, err := w.GetProfile(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"name":"Alice"}`, string(got.Payload))

	n, err := w.CountProfiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	flushed, err := w.FlushOverrides(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 3, flushed)
	assert.Zero(t, w.Pending())
}

func TestTypedErrorsCrossTheBoundary(t *testing.T) {
	w := Start(newFakeStore())
	defer w.Close()
	ctx := context.Background()

	var nf *registrystore.NotFoundError
	err := w.StoreSecondaryMeta(ctx, "ghost", model.SecondaryMeta{})
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "ghost", nf.ID)

	var ve *registrystore.ValidationError
	_, err = w.StoreProfile(ctx, &model.ProfileRecord{})
	require.ErrorAs(t, err, &ve)

	var re *RemoteError
	_, err = w.FlushProfiles(ctx, 30)
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Message, "disk on fire")
}

func TestUnknownCommand(t *testing.T) {
	w := Start(newFakeStore())
	defer w.Close()
	err := w.Request(context.Background(), "drop-everything", nil, nil)
	require.ErrorIs(t, err, ErrUnknownCommand)
}

func TestSerializationFailureRejectsWithoutSending(t *testing.T) {
	w := Start(newFakeStore())
	defer w.Close()

	err := w.Request(context.Background(), CmdGetProfile, map[string]any{"bad": make(chan int)}, nil)
	require.Error(t, err)
	assert.Zero(t, w.Pending())

	w.mu.Lock()
	assert.Zero(t, w.nextID, "no correlation id is consumed")
	w.mu.Unlock()
}

func TestCorrelationUnderConcurrency(t *testing.T) {
	w := Start(newFakeStore())
	defer w.Close()

	const n = 200
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("char%03d", i)
			rec, found, err := w.GetProfile(context.Background(), id)
			if err != nil {
				errs <- err
				return
			}
			if !found || rec.Identity != id {
				errs <- fmt.Errorf("request %s resolved with %v", id, rec)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Zero(t, w.Pending())
}

func TestUnknownResponseIDIsDropped(t *testing.T) {
	w := Start(newFakeStore())
	defer w.Close()

	w.responses <- Response{ID: 424242}

	_, found, err := w.GetProfile(context.Background(), "synth")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Zero(t, w.Pending())
}

func TestContextCancellationRemovesWaiter(t *testing.T) {
	store := newFakeStore()
	store.block = make(chan struct{})
	w := Start(store)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := w.GetProfile(ctx, "alice")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, w.Pending())

	// The late response finds no waiter and is dropped.
	close(store.block)
	require.Eventually(t, func() bool {
		_, _, err := w.GetProfile(context.Background(), "alice")
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerTimeout(t *testing.T) {
	store := newFakeStore()
	store.block = make(chan struct{})
	w := Start(store, WithTimeout(20*time.Millisecond))
	defer func() {
		close(store.block)
		w.Close()
	}()

	_, _, err := w.GetProfile(context.Background(), "alice")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseRejectsPending(t *testing.T) {
	store := newFakeStore()
	store.block = make(chan struct{})
	w := Start(store)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, _, err := w.GetProfile(context.Background(), "alice")
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return w.Pending() == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Close())
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, <-errs, ErrClosed)
	}
	assert.True(t, store.closed)

	_, _, err := w.GetProfile(context.Background(), "alice")
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, w.Close())
}
