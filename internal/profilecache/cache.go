// Package profilecache is the in-memory tier in front of the storage worker.
package profilecache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/fchat-tools/profilecache/internal/metrics"
	"github.com/fchat-tools/profilecache/internal/model"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Backend is the persistent layer as seen by the cache. The storage worker
// implements it.
type Backend interface {
	GetProfile(ctx context.Context, identity string) (*model.ProfileRecord, bool, error)
	StoreProfile(ctx context.Context, record *model.ProfileRecord) (*model.ProfileRecord, error)
	StoreSecondaryMeta(ctx context.Context, identity string, meta model.SecondaryMeta) error
	RecentProfiles(ctx context.Context, limit int) ([]*model.ProfileRecord, error)
	GetOverrides(ctx context.Context, identity string) (*model.OverrideRecord, bool, error)
	StoreOverrides(ctx context.Context, identity string, patch model.OverridePatch) (bool, error)
	GetOverridesBatch(ctx context.Context, identities []string) (map[string]*model.OverrideRecord, error)
}

// AnalyzeFunc derives classification attributes from a payload.
type AnalyzeFunc func(model.Payload) model.DerivedAttributes

// Listener receives every record passed through Register.
type Listener func(*model.ProfileRecord)

// Options configures a Cache.
type Options struct {
	MemorySize   int
	OverrideSize int64
	Analyze      AnalyzeFunc
	Now          func() time.Time
}

// Cache holds profile records by normalized identity.
type Cache struct {
	backend   Backend
	memory    *lru.Cache[string, *model.ProfileRecord]
	overrides *ristretto.Cache[string, *model.OverrideRecord]
	group     singleflight.Group
	analyze   AnalyzeFunc
	now       func() time.Time

	mu        sync.RWMutex
	listeners map[int]Listener
	nextSub   int
}

// New builds a cache over backend.
func New(backend Backend, opts Options) (*Cache, error) {
	if opts.MemorySize <= 0 {
		opts.MemorySize = 50000
	}
	if opts.OverrideSize <= 0 {
		opts.OverrideSize = 10000
	}
	if opts.Analyze == nil {
		opts.Analyze = func(model.Payload) model.DerivedAttributes { return model.DerivedAttributes{} }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	memory, err := lru.New[string, *model.ProfileRecord](opts.MemorySize)
	if err != nil {
		return nil, fmt.Errorf("profile cache: %w", err)
	}
	overrides, err := ristretto.NewCache(&ristretto.Config[string, *model.OverrideRecord]{
		NumCounters: opts.OverrideSize * 10,
		MaxCost:     opts.OverrideSize,
		BufferItems: 64,

		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("override cache: %w", err)
	}
	return &Cache{
		backend:   backend,
		memory:    memory,
		overrides: overrides,
		analyze:   opts.Analyze,
		now:       opts.Now,
		listeners: map[int]Listener{},
	}, nil
}

// GetSync returns the in-memory record without any I/O.
func (c *Cache) GetSync(identity string) (*model.ProfileRecord, bool) {
	id, err := model.NormalizeIdentity(identity)
	if err != nil {
		return nil, false
	}
	rec, ok := c.memory.Get(id)
	if ok {
		metrics.CacheHit("memory")
	} else {
		metrics.CacheMiss("memory")
	}
	return rec, ok
}

// Get consults memory, then the backend, populating memory on a backend hit.
// A backend failure is reported as a miss. Concurrent callers share one
// backend read; each returns ctx.Err() if its own ctx ends first.
func (c *Cache) Get(ctx context.Context, identity string) (*model.ProfileRecord, bool, error) {
	id, err := model.NormalizeIdentity(identity)
	if err != nil {
		return nil, false, err
	}
	if rec, ok := c.memory.Get(id); ok {
		metrics.CacheHit("memory")
		return rec, true, nil
	}
	metrics.CacheMiss("memory")

	// The flight is shared, so it must not inherit one caller's cancellation.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id, func() (any, error) {
		rec, found, err := c.backend.GetProfile(shared, id)
		if err != nil {
			log.Warn("Profile cache: store lookup failed, treating as miss", "identity", id, "err", err)
			metrics.CacheMiss("store")
			return (*model.ProfileRecord)(nil), nil
		}
		if !found {
			metrics.CacheMiss("store")
			return (*model.ProfileRecord)(nil), nil
		}
		metrics.CacheHit("store")
		// A concurrent Register may have landed while the store was read.
		if cur, ok := c.memory.Get(id); ok {
			return cur, nil
		}
		c.memory.Add(id, rec)
		return rec, nil
	})
	select {
	case res := <-ch:
		rec := res.Val.(*model.ProfileRecord)
		return rec, rec != nil, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Register upserts a freshly fetched payload. The record keeps the FirstSeen
// and SecondaryMeta of any earlier version and listeners are notified.
func (c *Cache) Register(ctx context.Context, payload model.Payload) (*model.ProfileRecord, error) {
	name, err := model.PayloadName(payload)
	if err != nil {
		return nil, err
	}
	id, err := model.NormalizeIdentity(name)
	if err != nil {
		return nil, err
	}

	rec := &model.ProfileRecord{
		Identity:    id,
		Name:        name,
		Payload:     payload,
		LastFetched: c.now().Unix(),
		Derived:     c.analyze(payload),
	}
	if existing, ok := c.memory.Peek(id); ok {
		rec.Merge(existing)
	} else {
		rec.Merge(nil)
	}

	stored, err := c.backend.StoreProfile(ctx, rec)
	if err != nil {
		log.Warn("Profile cache: persisting profile failed", "identity", id, "err", err)
	} else {
		rec = stored
	}
	c.memory.Add(id, rec)
	c.notify(rec)
	return rec, nil
}

// StoreSecondaryMeta attaches supplementary data without touching the payload.
func (c *Cache) StoreSecondaryMeta(ctx context.Context, identity string, meta model.SecondaryMeta) error {
	id, err := model.NormalizeIdentity(identity)
	if err != nil {
		return err
	}
	if meta.FetchedAt == 0 {
		meta.FetchedAt = c.now().Unix()
	}
	if err := c.backend.StoreSecondaryMeta(ctx, id, meta); err != nil {
		return err
	}
	if cur, ok := c.memory.Peek(id); ok {
		next := cur.Clone()
		next.SecondaryMeta = &meta
		c.memory.Add(id, next)
	}
	return nil
}

// Warmup loads up to limit of the most recently fetched profiles into memory.
func (c *Cache) Warmup(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	recs, err := c.backend.RecentProfiles(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("warmup: %w", err)
	}
	for _, rec := range recs {
		c.memory.ContainsOrAdd(rec.Identity, rec)
	}
	return len(recs), nil
}

// Len reports the number of records held in memory.
func (c *Cache) Len() int { return c.memory.Len() }

// Subscribe registers fn for "record updated" notifications and returns a
// function that removes it.
func (c *Cache) Subscribe(fn Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Cache) notify(rec *model.ProfileRecord) {
	c.mu.RLock()
	fns := make([]Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(rec)
	}
}

// Close releases the override memo.
func (c *Cache) Close() {
	c.overrides.Close()
}
