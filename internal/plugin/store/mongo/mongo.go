package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/fchat-tools/profilecache/internal/config"
	"github.com/fchat-tools/profilecache/internal/model"
	registrymigrate "github.com/fchat-tools/profilecache/internal/registry/migrate"
	registrystore "github.com/fchat-tools/profilecache/internal/registry/store"
)

const (
	// DatabaseName is the database holding all collections.
	DatabaseName = "profilecache"
	// SchemaVersion is the document layout version recorded in schema_meta.
	SchemaVersion = 1

	profilesCollection  = "profiles"
	overridesCollection = "overrides"
	metaCollection      = "schema_meta"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name:   "mongo",
		Loader: load,
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &mongoMigrator{}})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func load(ctx context.Context) (registrystore.RecordStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.StoreURL == "" {
		return nil, fmt.Errorf("mongo store: PROFILECACHE_STORE_URL is required")
	}
	s, err := Connect(ctx, cfg.StoreURL)
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

// Connect dials uri and pings the server.
func Connect(ctx context.Context, uri string, opts ...Option) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	s := &Store{client: client, db: client.Database(DatabaseName), now: time.Now}
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

// Store implements registrystore.RecordStore on MongoDB. Multi-document
// transactions are not used, so a standalone server is enough; the storage
// worker serializes all access from one process.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time
}

type profileDoc struct {
	Identity      string                  `bson:"_id"`
	Name          string                  `bson:"name"`
	Payload       string                  `bson:"payload"`
	FirstSeen     int64                   `bson:"first_seen"`
	LastFetched   int64                   `bson:"last_fetched"`
	Derived       model.DerivedAttributes `bson:"derived"`
	SecondaryMeta *model.SecondaryMeta    `bson:"secondary_meta,omitempty"`
}

func (d *profileDoc) toRecord() *model.ProfileRecord {
	return &model.ProfileRecord{
		Identity:      d.Identity,
		Name:          d.Name,
		Payload:       model.Payload(d.Payload),
		FirstSeen:     d.FirstSeen,
		LastFetched:   d.LastFetched,
		Derived:       d.Derived,
		SecondaryMeta: d.SecondaryMeta,
	}
}

func profileFromRecord(rec *model.ProfileRecord) *profileDoc {
	return &profileDoc{
		Identity:      rec.Identity,
		Name:          rec.Name,
		Payload:       string(rec.Payload),
		FirstSeen:     rec.FirstSeen,
		LastFetched:   rec.LastFetched,
		Derived:       rec.Derived,
		SecondaryMeta: rec.SecondaryMeta,
	}
}

type overrideDoc struct {
	Identity    string  `bson:"_id"`
	AvatarURL   *string `bson:"avatar_url,omitempty"`
	Gender      *string `bson:"gender,omitempty"`
	LastFetched int64   `bson:"last_fetched"`
}

func (d *overrideDoc) toRecord() *model.OverrideRecord {
	return &model.OverrideRecord{
		Identity:    d.Identity,
		AvatarURL:   d.AvatarURL,
		Gender:      d.Gender,
		LastFetched: d.LastFetched,
	}
}

type metaDoc struct {
	ID      string `bson:"_id"`
	Version int    `bson:"version"`
}

// Database exposes the underlying database for tests.
func (s *Store) Database() *mongo.Database { return s.db }

func (s *Store) profiles() *mongo.Collection  { return s.db.Collection(profilesCollection) }
func (s *Store) overrides() *mongo.Collection { return s.db.Collection(overridesCollection) }

// Migrate records SchemaVersion and creates the last_fetched indexes. A
// different recorded version drops both collections first.
func (s *Store) Migrate(ctx context.Context) error {
	var meta metaDoc
	err := s.db.Collection(metaCollection).FindOne(ctx, bson.M{"_id": "schema"}).Decode(&meta)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
	case err != nil:
		return fmt.Errorf("mongo store: read schema version: %w", err)
	}
	if meta.Version == SchemaVersion {
		return nil
	}
	if meta.Version != 0 {
		log.Warn("Record store: no data-preserving migration, clearing records",
			"backend", "mongo", "from", meta.Version, "to", SchemaVersion)
		for _, name := range []string{profilesCollection, overridesCollection} {
			if err := s.db.Collection(name).Drop(ctx); err != nil {
				return fmt.Errorf("mongo store: drop %s: %w", name, err)
			}
		}
	}
	index := mongo.IndexModel{Keys: bson.D{{Key: "last_fetched", Value: 1}}}
	for _, col := range []*mongo.Collection{s.profiles(), s.overrides()} {
		if _, err := col.Indexes().CreateOne(ctx, index); err != nil {
			return fmt.Errorf("mongo store: create index on %s: %w", col.Name(), err)
		}
	}
	_, err = s.db.Collection(metaCollection).ReplaceOne(ctx,
		bson.M{"_id": "schema"},
		metaDoc{ID: "schema", Version: SchemaVersion},
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo store: write schema version: %w", err)
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, identity string) (*model.ProfileRecord, bool, error) {
	var doc profileDoc
	err := s.profiles().FindOne(ctx, bson.M{"_id": identity}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get profile %q: %w", identity, err)
	}
	return doc.toRecord(), true, nil
}

func (s *Store) StoreProfile(ctx context.Context, record *model.ProfileRecord) (*model.ProfileRecord, error) {
	if record == nil || record.Identity == "" {
		return nil, &registrystore.ValidationError{Field: "identity", Message: "required"}
	}
	existing, _, err := s.GetProfile(ctx, record.Identity)
	if err != nil {
		return nil, err
	}
	merged := record.Clone()
	merged.Merge(existing)
	_, err = s.profiles().ReplaceOne(ctx,
		bson.M{"_id": merged.Identity},
		profileFromRecord(merged),
		options.Replace().SetUpsert(true))
	if err != nil {
		return nil, fmt.Errorf("store profile %q: %w", record.Identity, err)
	}
	return merged, nil
}

func (s *Store) StoreSecondaryMeta(ctx context.Context, identity string, meta model.SecondaryMeta) error {
	res, err := s.profiles().UpdateOne(ctx,
		bson.M{"_id": identity},
		bson.M{"$set": bson.M{"secondary_meta": meta}})
	if err != nil {
		return fmt.Errorf("store secondary meta %q: %w", identity, err)
	}
	if res.MatchedCount == 0 {
		return &registrystore.NotFoundError{Resource: "profile", ID: identity}
	}
	return nil
}

func (s *Store) RecentProfiles(ctx context.Context, limit int) ([]*model.ProfileRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_fetched", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.profiles().Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("recent profiles: %w", err)
	}
	var docs []profileDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("recent profiles: %w", err)
	}
	out := make([]*model.ProfileRecord, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toRecord())
	}
	return out, nil
}

func (s *Store) CountProfiles(ctx context.Context) (int64, error) {
	n, err := s.profiles().CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("count profiles: %w", err)
	}
	return n, nil
}

func (s *Store) FlushProfiles(ctx context.Context, maxAgeDays int) (int, error) {
	return s.flush(ctx, s.profiles(), maxAgeDays)
}

func (s *Store) FlushOverrides(ctx context.Context, maxAgeDays int) (int, error) {
	return s.flush(ctx, s.overrides(), maxAgeDays)
}

func (s *Store) flush(ctx context.Context, col *mongo.Collection, maxAgeDays int) (int, error) {
	cutoff := registrystore.Cutoff(s.now(), maxAgeDays)
	res, err := col.DeleteMany(ctx, bson.M{"last_fetched": bson.M{"$lte": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("flush %s: %w", col.Name(), err)
	}
	return int(res.DeletedCount), nil
}

func (s *Store) GetOverrides(ctx context.Context, identity string) (*model.OverrideRecord, bool, error) {
	var doc overrideDoc
	err := s.overrides().FindOne(ctx, bson.M{"_id": identity}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get overrides %q: %w", identity, err)
	}
	return doc.toRecord(), true, nil
}

func (s *Store) StoreOverrides(ctx context.Context, identity string, patch model.OverridePatch) (bool, error) {
	rec, exists, err := s.GetOverrides(ctx, identity)
	if err != nil {
		return false, err
	}
	if !exists {
		rec = &model.OverrideRecord{Identity: identity}
	}
	if !rec.Apply(patch) && exists {
		return false, nil
	}
	rec.LastFetched = s.now().Unix()
	doc := overrideDoc{
		Identity:    rec.Identity,
		AvatarURL:   rec.AvatarURL,
		Gender:      rec.Gender,
		LastFetched: rec.LastFetched,
	}
	if _, err := s.overrides().ReplaceOne(ctx, bson.M{"_id": identity}, doc, options.Replace().SetUpsert(true)); err != nil {
		return false, fmt.Errorf("store overrides %q: %w", identity, err)
	}
	return true, nil
}

func (s *Store) GetOverridesBatch(ctx context.Context, identities []string) (map[string]*model.OverrideRecord, error) {
	out := make(map[string]*model.OverrideRecord, len(identities))
	if len(identities) == 0 {
		return out, nil
	}
	cur, err := s.overrides().Find(ctx, bson.M{"_id": bson.M{"$in": identities}})
	if err != nil {
		return nil, fmt.Errorf("get overrides batch: %w", err)
	}
	var docs []overrideDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("get overrides batch: %w", err)
	}
	for i := range docs {
		out[docs[i].Identity] = docs[i].toRecord()
	}
	return out, nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }
func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.StoreType != "mongo" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	s, err := Connect(ctx, cfg.StoreURL)
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	defer s.Close()
	return s.Migrate(ctx)
}

var _ registrystore.RecordStore = (*Store)(nil)
