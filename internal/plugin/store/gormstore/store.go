// Package gormstore implements the record store on top of GORM. The sqlite and
// postgres plugins share it and differ only in dialector and error
// classification.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fchat-tools/profilecache/internal/model"
	registrystore "github.com/fchat-tools/profilecache/internal/registry/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used for override timestamps and flush
// cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithTransientClassifier sets the predicate deciding whether a failed
// transaction is retried once (lock contention, serialization failures).
func WithTransientClassifier(fn func(error) bool) Option {
	return func(s *Store) { s.transient = fn }
}

// Store implements registrystore.RecordStore.
type Store struct {
	db        *gorm.DB
	now       func() time.Time
	transient func(error) bool
}

// New wraps an open database. The schema must already be migrated.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:        db,
		now:       time.Now,
		transient: func(error) bool { return false },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying handle for tests and migrations.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := s.db.WithContext(ctx).Transaction(fn)
	if err != nil && s.transient(err) {
		log.Debug("Record store: retrying transient failure", "err", err)
		err = s.db.WithContext(ctx).Transaction(fn)
	}
	return err
}

// --- Profiles ---

func (s *Store) GetProfile(ctx context.Context, identity string) (*model.ProfileRecord, bool, error) {
	var row profileRow
	err := s.db.WithContext(ctx).Where("identity = ?", identity).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get profile %q: %w", identity, err)
	}
	rec, err := row.toRecord()
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *Store) StoreProfile(ctx context.Context, record *model.ProfileRecord) (*model.ProfileRecord, error) {
	if record == nil || record.Identity == "" {
		return nil, &registrystore.ValidationError{Field: "identity", Message: "required"}
	}
	merged := record.Clone()
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		var existing profileRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("identity = ?", merged.Identity).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			merged.Merge(nil)
		case err != nil:
			return err
		default:
			prev, err := existing.toRecord()
			if err != nil {
				return err
			}
			merged.Merge(prev)
		}
		row, err := fromRecord(merged)
		if err != nil {
			return err
		}
		return tx.Save(row).Error
	})
	if err != nil {
		return nil, fmt.Errorf("store profile %q: %w", record.Identity, err)
	}
	return merged, nil
}

func (s *Store) StoreSecondaryMeta(ctx context.Context, identity string, meta model.SecondaryMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode secondary meta: %w", err)
	}
	res := s.db.WithContext(ctx).Model(&profileRow{}).
		Where("identity = ?", identity).
		Update("secondary_meta", data)
	if res.Error != nil {
		return fmt.Errorf("store secondary meta %q: %w", identity, res.Error)
	}
	if res.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "profile", ID: identity}
	}
	return nil
}

func (s *Store) RecentProfiles(ctx context.Context, limit int) ([]*model.ProfileRecord, error) {
	var rows []profileRow
	q := s.db.WithContext(ctx).Order("last_fetched DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("recent profiles: %w", err)
	}
	out := make([]*model.ProfileRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			log.Warn("Record store: skipping undecodable profile", "identity", rows[i].Identity, "err", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) CountProfiles(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&profileRow{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count profiles: %w", err)
	}
	return n, nil
}

// FlushProfiles scans the last-fetched index for expired keys and deletes
// them one at a time inside a single transaction.
func (s *Store) FlushProfiles(ctx context.Context, maxAgeDays int) (int, error) {
	return s.flush(ctx, &profileRow{}, maxAgeDays)
}

func (s *Store) FlushOverrides(ctx context.Context, maxAgeDays int) (int, error) {
	return s.flush(ctx, &overrideRow{}, maxAgeDays)
}

func (s *Store) flush(ctx context.Context, table any, maxAgeDays int) (int, error) {
	cutoff := registrystore.Cutoff(s.now(), maxAgeDays)
	deleted := 0
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		deleted = 0
		var ids []string
		if err := tx.Model(table).Where("last_fetched <= ?", cutoff).Pluck("identity", &ids).Error; err != nil {
			return err
		}
		for _, id := range ids {
			res := tx.Where("identity = ?", id).Delete(table)
			if res.Error != nil {
				return res.Error
			}
			deleted += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("flush: %w", err)
	}
	return deleted, nil
}

// --- Overrides ---

func (s *Store) GetOverrides(ctx context.Context, identity string) (*model.OverrideRecord, bool, error) {
	var row overrideRow
	err := s.db.WithContext(ctx).Where("identity = ?", identity).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get overrides %q: %w", identity, err)
	}
	return row.toRecord(), true, nil
}

func (s *Store) StoreOverrides(ctx context.Context, identity string, patch model.OverridePatch) (bool, error) {
	changed := false
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		changed = false
		var row overrideRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("identity = ?", identity).Take(&row).Error
		rec := &model.OverrideRecord{Identity: identity}
		exists := true
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			exists = false
		case err != nil:
			return err
		default:
			rec = row.toRecord()
		}
		if !rec.Apply(patch) && exists {
			return nil
		}
		rec.LastFetched = s.now().Unix()
		changed = true
		return tx.Save(overrideFromRecord(rec)).Error
	})
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
	var rows []overrideRow
	if err := s.db.WithContext(ctx).Where("identity IN ?", identities).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get overrides batch: %w", err)
	}
	for i := range rows {
		out[rows[i].Identity] = rows[i].toRecord()
	}
	return out, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- row conversion ---

func (r *profileRow) toRecord() (*model.ProfileRecord, error) {
	rec := &model.ProfileRecord{
		Identity:    r.Identity,
		Name:        r.Name,
		Payload:     model.Payload(r.Payload),
		FirstSeen:   r.FirstSeen,
		LastFetched: r.LastFetched,
	}
	if len(r.Derived) > 0 {
		if err := json.Unmarshal(r.Derived, &rec.Derived); err != nil {
			return nil, fmt.Errorf("decode derived attributes for %q: %w", r.Identity, err)
		}
	}
	if len(r.SecondaryMeta) > 0 {
		var meta model.SecondaryMeta
		if err := json.Unmarshal(r.SecondaryMeta, &meta); err != nil {
			return nil, fmt.Errorf("decode secondary meta for %q: %w", r.Identity, err)
		}
		rec.SecondaryMeta = &meta
	}
	return rec, nil
}

func fromRecord(rec *model.ProfileRecord) (*profileRow, error) {
	derived, err := json.Marshal(rec.Derived)
	if err != nil {
		return nil, fmt.Errorf("encode derived attributes: %w", err)
	}
	row := &profileRow{
		Identity:    rec.Identity,
		Name:        rec.Name,
		Payload:     []byte(rec.Payload),
		FirstSeen:   rec.FirstSeen,
		LastFetched: rec.LastFetched,
		Derived:     derived,
	}
	if rec.SecondaryMeta != nil {
		if row.SecondaryMeta, err = json.Marshal(rec.SecondaryMeta); err != nil {
			return nil, fmt.Errorf("encode secondary meta: %w", err)
		}
	}
	return row, nil
}

func (r *overrideRow) toRecord() *model.OverrideRecord {
	return &model.OverrideRecord{
		Identity:    r.Identity,
		AvatarURL:   r.AvatarURL,
		Gender:      r.Gender,
		LastFetched: r.LastFetched,
	}
}

func overrideFromRecord(rec *model.OverrideRecord) *overrideRow {
	return &overrideRow{
		Identity:    rec.Identity,
		AvatarURL:   rec.AvatarURL,
		Gender:      rec.Gender,
		LastFetched: rec.LastFetched,
	}
}

var _ registrystore.RecordStore = (*Store)(nil)
