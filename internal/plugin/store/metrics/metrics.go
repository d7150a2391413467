package metrics

import (
	"context"
	"time"

	"github.com/fchat-tools/profilecache/internal/metrics"
	"github.com/fchat-tools/profilecache/internal/model"
	"github.com/fchat-tools/profilecache/internal/registry/store"
)

// Wrap returns a RecordStore that records StoreLatency for every operation.
func Wrap(inner store.RecordStore) store.RecordStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.RecordStore
}

func observe(op string, start time.Time) {
	metrics.ObserveStore(op, start)
}

func (m *metricsStore) GetProfile(ctx context.Context, identity string) (*model.ProfileRecord, bool, error) {
	defer observe("get_profile", time.Now())
	return m.inner.GetProfile(ctx, identity)
}

func (m *metricsStore) StoreProfile(ctx context.Context, record *model.ProfileRecord) (*model.ProfileRecord, error) {
	defer observe("store_profile", time.Now())
	return m.inner.StoreProfile(ctx, record)
}

func (m *metricsStore) StoreSecondaryMeta(ctx context.Context, identity string, meta model.SecondaryMeta) error {
	defer observe("store_secondary_meta", time.Now())
	return m.inner.StoreSecondaryMeta(ctx, identity, meta)
}

func (m *metricsStore) RecentProfiles(ctx context.Context, limit int) ([]*model.ProfileRecord, error) {
	defer observe("recent_profiles", time.Now())
	return m.inner.RecentProfiles(ctx, limit)
}

func (m *metricsStore) CountProfiles(ctx context.Context) (int64, error) {
	defer observe("count_profiles", time.Now())
	return m.inner.CountProfiles(ctx)
}

func (m *metricsStore) GetOverrides(ctx context.Context, identity string) (*model.OverrideRecord, bool, error) {
	defer observe("get_overrides", time.Now())
	return m.inner.GetOverrides(ctx, identity)
}

func (m *metricsStore) StoreOverrides(ctx context.Context, identity string, patch model.OverridePatch) (bool, error) {
	defer observe("store_overrides", time.Now())
	return m.inner.StoreOverrides(ctx, identity, patch)
}

func (m *metricsStore) GetOverridesBatch(ctx context.Context, identities []string) (map[string]*model.OverrideRecord, error) {
	defer observe("get_overrides_batch", time.Now())
	return m.inner.GetOverridesBatch(ctx, identities)
}

func (m *metricsStore) FlushProfiles(ctx context.Context, maxAgeDays int) (int, error) {
	defer observe("flush_profiles", time.Now())
	n, err := m.inner.FlushProfiles(ctx, maxAgeDays)
	metrics.Flushed("profiles", n)
	return n, err
}

func (m *metricsStore) FlushOverrides(ctx context.Context, maxAgeDays int) (int, error) {
	defer observe("flush_overrides", time.Now())
	n, err := m.inner.FlushOverrides(ctx, maxAgeDays)
	metrics.Flushed("overrides", n)
	return n, err
}

func (m *metricsStore) Close() error {
	return m.inner.Close()
}

var _ store.RecordStore = (*metricsStore)(nil)
