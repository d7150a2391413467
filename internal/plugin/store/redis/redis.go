// Package redis stores profile and override records in Redis. Records are
// JSON strings; each table keeps a sorted set scored by last-fetched time that
// serves as the expiry index.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fchat-tools/profilecache/internal/config"
	"github.com/fchat-tools/profilecache/internal/model"
	registrymigrate "github.com/fchat-tools/profilecache/internal/registry/migrate"
	registrystore "github.com/fchat-tools/profilecache/internal/registry/store"
	goredis "github.com/redis/go-redis/v9"
)

// SchemaVersion is the key layout version written by this build.
const SchemaVersion = 1

const (
	keyPrefix          = "profilecache:"
	versionKey         = keyPrefix + "schema_version"
	profilesByFetched  = keyPrefix + "profiles:by-last-fetched"
	overridesByFetched = keyPrefix + "overrides:by-last-fetched"
	maxWatchRetries    = 5
)

func profileKey(id string) string  { return keyPrefix + "profile:" + id }
func overrideKey(id string) string { return keyPrefix + "override:" + id }

func init() {
	registrystore.Register(registrystore.Plugin{
		Name:   "redis",
		Loader: load,
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &redisMigrator{}})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func redisURL(cfg *config.Config) string {
	if cfg.RedisURL != "" {
		return cfg.RedisURL
	}
	return cfg.StoreURL
}

func load(ctx context.Context) (registrystore.RecordStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || redisURL(cfg) == "" {
		return nil, fmt.Errorf("redis store: PROFILECACHE_REDIS_URL is required")
	}
	s, err := LoadFromURL(ctx, redisURL(cfg))
	if err != nil {
		return nil, err
	}
	if cfg.StoreMigrateAtStart {
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

// LoadFromURL connects to a Redis-compatible server.
func LoadFromURL(ctx context.Context, url string, opts ...Option) (*Store, error) {
	o, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis store: invalid URL: %w", err)
	}
	client := goredis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis store: ping failed: %w", err)
	}
	s := &Store{client: client, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used for overrides and flush cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store implements registrystore.RecordStore.
type Store struct {
	client *goredis.Client
	now    func() time.Time

	beforeFlushCommit func()
}

// Client exposes the underlying client for tests.
func (s *Store) Client() *goredis.Client { return s.client }

// Migrate checks the recorded key layout version. There is no data-preserving
// path between layouts, so any mismatch clears all records.
func (s *Store) Migrate(ctx context.Context) error {
	v, err := s.client.Get(ctx, versionKey).Int()
	switch {
	case errors.Is(err, goredis.Nil):
		v = 0
	case err != nil:
		return fmt.Errorf("redis store: read schema version: %w", err)
	}
	if v == SchemaVersion {
		return nil
	}
	if v != 0 {
		log.Warn("Record store: no data-preserving migration, clearing records",
			"backend", "redis", "from", v, "to", SchemaVersion)
		if err := s.clear(ctx); err != nil {
			return err
		}
	}
	if err := s.client.Set(ctx, versionKey, SchemaVersion, 0).Err(); err != nil {
		return fmt.Errorf("redis store: write schema version: %w", err)
	}
	return nil
}

func (s *Store) clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis store: scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// --- Profiles ---

func (s *Store) GetProfile(ctx context.Context, identity string) (*model.ProfileRecord, bool, error) {
	rec, err := getJSON[model.ProfileRecord](ctx, s.client, profileKey(identity))
	if err != nil {
		return nil, false, fmt.Errorf("get profile %q: %w", identity, err)
	}
	return rec, rec != nil, nil
}

func (s *Store) StoreProfile(ctx context.Context, record *model.ProfileRecord) (*model.ProfileRecord, error) {
	if record == nil || record.Identity == "" {
		return nil, &registrystore.ValidationError{Field: "identity", Message: "required"}
	}
	key := profileKey(record.Identity)
	var merged *model.ProfileRecord
	err := s.watch(ctx, func(tx *goredis.Tx) error {
		existing, err := getJSON[model.ProfileRecord](ctx, tx, key)
		if err != nil {
			return err
		}
		merged = record.Clone()
		merged.Merge(existing)
		data, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			p.ZAdd(ctx, profilesByFetched, goredis.Z{Score: float64(merged.LastFetched), Member: merged.Identity})
			return nil
		})
		return err
	}, key)
	if err != nil {
		return nil, fmt.Errorf("store profile %q: %w", record.Identity, err)
	}
	return merged, nil
}

func (s *Store) StoreSecondaryMeta(ctx context.Context, identity string, meta model.SecondaryMeta) error {
	key := profileKey(identity)
	var missing bool
	err := s.watch(ctx, func(tx *goredis.Tx) error {
		rec, err := getJSON[model.ProfileRecord](ctx, tx, key)
		if err != nil {
			return err
		}
		if rec == nil {
			missing = true
			return nil
		}
		rec.SecondaryMeta = &meta
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("store secondary meta %q: %w", identity, err)
	}
	if missing {
		return &registrystore.NotFoundError{Resource: "profile", ID: identity}
	}
	return nil
}

func (s *Store) RecentProfiles(ctx context.Context, limit int) ([]*model.ProfileRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, profilesByFetched, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("recent profiles: %w", err)
	}
	out := make([]*model.ProfileRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := getJSON[model.ProfileRecord](ctx, s.client, profileKey(id))
		if err != nil {
			log.Warn("Record store: skipping undecodable profile", "identity", id, "err", err)
			continue
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) CountProfiles(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, profilesByFetched).Result()
	if err != nil {
		return 0, fmt.Errorf("count profiles: %w", err)
	}
	return n, nil
}

func (s *Store) FlushProfiles(ctx context.Context, maxAgeDays int) (int, error) {
	return s.flush(ctx, profilesByFetched, profileKey, maxAgeDays)
}

func (s *Store) FlushOverrides(ctx context.Context, maxAgeDays int) (int, error) {
	return s.flush(ctx, overridesByFetched, overrideKey, maxAgeDays)
}

// flush deletes every member of index scored at or below the cutoff. The
// index is watched, so a record re-registered mid-flush aborts the attempt
// and the scan is redone.
func (s *Store) flush(ctx context.Context, index string, keyOf func(string) string, maxAgeDays int) (int, error) {
	cutoff := registrystore.Cutoff(s.now(), maxAgeDays)
	deleted := 0
	err := s.watch(ctx, func(tx *goredis.Tx) error {
		deleted = 0
		ids, err := tx.ZRangeByScore(ctx, index, &goredis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(cutoff, 10),
		}).Result()
		if err != nil {
			return fmt.Errorf("scan index: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		if s.beforeFlushCommit != nil {
			s.beforeFlushCommit()
		}
		dels := make([]*goredis.IntCmd, 0, len(ids))
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			for _, id := range ids {
				dels = append(dels, p.Del(ctx, keyOf(id)))
				p.ZRem(ctx, index, id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, cmd := range dels {
			deleted += int(cmd.Val())
		}
		return nil
	}, index)
	if err != nil {
		return 0, fmt.Errorf("flush: %w", err)
	}
	return deleted, nil
}

// --- Overrides ---

func (s *Store) GetOverrides(ctx context.Context, identity string) (*model.OverrideRecord, bool, error) {
	rec, err := getJSON[model.OverrideRecord](ctx, s.client, overrideKey(identity))
	if err != nil {
		return nil, false, fmt.Errorf("get overrides %q: %w", identity, err)
	}
	return rec, rec != nil, nil
}

func (s *Store) StoreOverrides(ctx context.Context, identity string, patch model.OverridePatch) (bool, error) {
	key := overrideKey(identity)
	changed := false
	err := s.watch(ctx, func(tx *goredis.Tx) error {
		changed = false
		rec, err := getJSON[model.OverrideRecord](ctx, tx, key)
		if err != nil {
			return err
		}
		exists := rec != nil
		if !exists {
			rec = &model.OverrideRecord{Identity: identity}
		}
		if !rec.Apply(patch) && exists {
			return nil
		}
		rec.LastFetched = s.now().Unix()
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		changed = true
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			p.ZAdd(ctx, overridesByFetched, goredis.Z{Score: float64(rec.LastFetched), Member: identity})
			return nil
		})
		return err
	}, key)
	if err != nil {
		return false, fmt.Errorf("store overrides %q: %w", identity, err)
	}
	return changed, nil
}

func (s *Store) GetOverridesBatch(ctx context.Context, identities []string) (map[string]*model.OverrideRecord, error) {
	out := make(map[string]*model.OverrideRecord, len(identities))
	if len(identities) == 0 {
		return out, nil
	}
	keys := make([]string, len(identities))
	for i, id := range identities {
		keys[i] = overrideKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get overrides batch: %w", err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec model.OverrideRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("decode overrides %q: %w", identities[i], err)
		}
		out[identities[i]] = &rec
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// watch runs fn in an optimistic WATCH transaction, retrying when another
// writer touched the watched keys.
func (s *Store) watch(ctx context.Context, fn func(*goredis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < maxWatchRetries; i++ {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	return err
}

type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func getJSON[T any](ctx context.Context, c getter, key string) (*T, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, nil
}

type redisMigrator struct{}

func (m *redisMigrator) Name() string { return "redis-schema" }
func (m *redisMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.StoreType != "redis" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	s, err := LoadFromURL(ctx, redisURL(cfg))
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	defer s.Close()
	return s.Migrate(ctx)
}

var _ registrystore.RecordStore = (*Store)(nil)
