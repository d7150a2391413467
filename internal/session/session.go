// Package session owns the profile cache components for one connection. A
// Session is built on connect and closed on disconnect.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fchat-tools/profilecache/internal/analyze"
	"github.com/fchat-tools/profilecache/internal/config"
	"github.com/fchat-tools/profilecache/internal/model"
	storemetrics "github.com/fchat-tools/profilecache/internal/plugin/store/metrics"
	"github.com/fchat-tools/profilecache/internal/profilecache"
	"github.com/fchat-tools/profilecache/internal/queue"
	registryfetch "github.com/fchat-tools/profilecache/internal/registry/fetch"
	registrystore "github.com/fchat-tools/profilecache/internal/registry/store"
	"github.com/fchat-tools/profilecache/internal/service"
	"github.com/fchat-tools/profilecache/internal/worker"
	"github.com/google/uuid"
)

// ErrAlreadyStarted is returned by a second StartSession call.
var ErrAlreadyStarted = errors.New("session already started")

// Scorer ranks identities for the acquisition queue. Higher is fetched first.
type Scorer interface {
	InterestScore(identity string) float64
}

// Matcher computes the score and filter flags sent with record updates.
type Matcher interface {
	Match(record *model.ProfileRecord) model.Match
}

// StaticScorer gives every identity the same score.
type StaticScorer float64

func (s StaticScorer) InterestScore(string) float64 { return float64(s) }

// StaticMatcher returns the same match for every record.
type StaticMatcher model.Match

func (m StaticMatcher) Match(*model.ProfileRecord) model.Match { return model.Match(m) }

// Update is a "record updated" notification.
type Update struct {
	Record *model.ProfileRecord
	Match  model.Match
}

// Options supplies collaborators. Nil fields are resolved from config and the
// plugin registries.
type Options struct {
	Store    registrystore.RecordStore
	Fetcher  registryfetch.Fetcher
	Analyze  profilecache.AnalyzeFunc
	Scorer   Scorer
	Matcher  Matcher
	Resyncer service.Resyncer
	// LastSync overrides the bookkeeping used to decide between incremental
	// expiry and a full resynchronization.
	LastSync func() (time.Time, bool)
	Now      func() time.Time
}

// Session wires the worker, cache, queue, scheduler and sweeper together.
type Session struct {
	ID uuid.UUID

	cfg       *config.Config
	worker    *worker.Worker
	cache     *profilecache.Cache
	queue     *queue.Queue
	scheduler *service.Scheduler
	sweeper   *service.Sweeper
	scorer    Scorer
	matcher   Matcher
	now       func() time.Time
	unsub     func()

	mu         sync.Mutex
	waiters    map[string][]chan *model.ProfileRecord
	listeners  map[int]func(Update)
	nextSub    int
	lastUpdate time.Time
	cancel     context.CancelFunc
	done       chan struct{}
	closed     bool
}

// New opens the record store and builds a session. The config is read from ctx.
func New(ctx context.Context, opts Options) (*Session, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		def := config.DefaultConfig()
		cfg = &def
		ctx = config.WithContext(ctx, cfg)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Scorer == nil {
		opts.Scorer = StaticScorer(0)
	}
	if opts.Matcher == nil {
		opts.Matcher = StaticMatcher{}
	}

	if opts.Analyze == nil {
		a, err := analyze.LoadFile(cfg.AnalyzerFile)
		if err != nil {
			return nil, err
		}
		opts.Analyze = a.Analyze
	}
	if opts.Fetcher == nil {
		loader, err := registryfetch.Select(cfg.FetchType)
		if err != nil {
			return nil, err
		}
		if opts.Fetcher, err = loader(ctx); err != nil {
			return nil, fmt.Errorf("session: fetcher: %w", err)
		}
	}
	if opts.Store == nil {
		loader, err := registrystore.Select(cfg.StoreType)
		if err != nil {
			return nil, err
		}
		if opts.Store, err = loader(ctx); err != nil {
			return nil, fmt.Errorf("session: store: %w", err)
		}
	}

	w := worker.Start(storemetrics.Wrap(opts.Store), worker.WithTimeout(cfg.StorageRequestTimeout))
	cache, err := profilecache.New(w, profilecache.Options{
		MemorySize:   cfg.MemoryCacheSize,
		OverrideSize: cfg.OverrideCacheSize,
		Analyze:      opts.Analyze,
		Now:          opts.Now,
	})
	if err != nil {
		_ = w.Close()
		return nil, err
	}

	q := queue.New(cfg.QueueInsertSteps)
	s := &Session{
		ID:      uuid.New(),
		cfg:     cfg,
		worker:  w,
		cache:   cache,
		queue:   q,
		scorer:  opts.Scorer,
		matcher: opts.Matcher,
		now:     opts.Now,
		waiters: map[string][]chan *model.ProfileRecord{},

		listeners: map[int]func(Update){},
	}
	s.scheduler = service.NewScheduler(q, opts.Fetcher, cache, service.SchedulerOptions{
		Interval:   cfg.SchedulerInterval,
		Cooldown:   cfg.FetchCooldown,
		MaxRetries: cfg.MaxRetries,
		Now:        opts.Now,
	})
	lastSync := opts.LastSync
	if lastSync == nil {
		lastSync = s.lastSync
	}
	resync := opts.Resyncer
	if resync == nil {
		resync = service.ResyncFunc(func(context.Context) error {
			log.Info("Session: no resynchronization source configured", "session", s.ID)
			return nil
		})
	}
	s.sweeper = service.NewSweeper(w, resync, lastSync)
	s.unsub = cache.Subscribe(s.onRecord)

	log.Info("Session: opened", "session", s.ID, "store", cfg.StoreType, "fetcher", cfg.FetchType)
	return s, nil
}

// Cache exposes the in-memory cache.
func (s *Session) Cache() *profilecache.Cache { return s.cache }

// Queue exposes the acquisition queue.
func (s *Session) Queue() *queue.Queue { return s.queue }

// Scheduler exposes the acquisition scheduler.
func (s *Session) Scheduler() *service.Scheduler { return s.scheduler }

// QueueForFetching schedules identity for a remote fetch. Unless
// skipCacheCheck is set, any cached record, in memory or in the store, makes
// this a no-op.
func (s *Session) QueueForFetching(ctx context.Context, identity string, skipCacheCheck bool, contextTag string) error {
	id, err := model.NormalizeIdentity(identity)
	if err != nil {
		return err
	}
	if !skipCacheCheck {
		_, found, err := s.cache.Get(ctx, id)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
	}
	if _, err := s.queue.Enqueue(identity, s.scorer.InterestScore(id), contextTag); err != nil {
		return err
	}
	return nil
}

// Lookup returns the cached record, consulting the store on a memory miss.
// A complete miss schedules a fetch and reports found=false.
func (s *Session) Lookup(ctx context.Context, identity string) (*model.ProfileRecord, bool, error) {
	rec, found, err := s.cache.Get(ctx, identity)
	if err != nil || found {
		return rec, found, err
	}
	return nil, false, s.QueueForFetching(ctx, identity, true, "")
}

// FetchNow fetches identity without waiting for its turn in the queue. When
// a fetch for it is already in flight, the result of that fetch is returned
// instead of starting another one.
func (s *Session) FetchNow(ctx context.Context, identity string) (*model.ProfileRecord, error) {
	id, err := model.NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	ch, err := s.addWaiter(id)
	if err != nil {
		return nil, err
	}
	defer s.dropWaiter(id, ch)

	rec, err := s.scheduler.FetchNow(ctx, identity)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, service.ErrRecentlyFetched):
		rec, found, gerr := s.cache.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if found {
			return rec, nil
		}
	case !errors.Is(err, service.ErrInFlight):
		return nil, err
	}
	return s.wait(ctx, ch)
}

// Await blocks until identity is next registered.
func (s *Session) Await(ctx context.Context, identity string) (*model.ProfileRecord, error) {
	id, err := model.NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	ch, err := s.addWaiter(id)
	if err != nil {
		return nil, err
	}
	rec, err := s.wait(ctx, ch)
	if err != nil {
		s.dropWaiter(id, ch)
	}
	return rec, err
}

func (s *Session) addWaiter(id string) (chan *model.ProfileRecord, error) {
	ch := make(chan *model.ProfileRecord, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, worker.ErrClosed
	}
	s.waiters[id] = append(s.waiters[id], ch)
	return ch, nil
}

func (s *Session) wait(ctx context.Context, ch chan *model.ProfileRecord) (*model.ProfileRecord, error) {
	select {
	case rec, ok := <-ch:
		if !ok {
			return nil, worker.ErrClosed
		}
		return rec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) dropWaiter(id string, ch chan *model.ProfileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.waiters, id)
	} else {
		s.waiters[id] = list
	}
}

// RetainContext handles a "context changed" event.
func (s *Session) RetainContext(tag string) int {
	n := s.queue.RetainContext(tag)
	if n > 0 {
		log.Debug("Session: dropped stale queue entries", "session", s.ID, "tag", tag, "dropped", n)
	}
	return n
}

// Subscribe registers fn for record updates and returns its cancel function.
func (s *Session) Subscribe(fn func(Update)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Session) onRecord(rec *model.ProfileRecord) {
	update := Update{Record: rec, Match: s.matcher.Match(rec)}

	s.scheduler.MarkFetched(rec.Identity, time.Unix(rec.LastFetched, 0))

	s.mu.Lock()
	if t := time.Unix(rec.LastFetched, 0); t.After(s.lastUpdate) {
		s.lastUpdate = t
	}
	waiters := s.waiters[rec.Identity]
	delete(s.waiters, rec.Identity)
	fns := make([]func(Update), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- rec
	}
	for _, fn := range fns {
		fn(update)
	}
}

func (s *Session) lastSync() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate, !s.lastUpdate.IsZero()
}

// StartSession expires old records (or resynchronizes) and starts the
// scheduler loop. Sweep failures are logged and do not prevent the start.
func (s *Session) StartSession(ctx context.Context, maxAgeDays int, force bool) (service.SweepResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return service.SweepResult{}, worker.ErrClosed
	}
	if s.cancel != nil {
		s.mu.Unlock()
		return service.SweepResult{}, ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	if s.cfg.WarmupLimit > 0 {
		n, err := s.cache.Warmup(ctx, s.cfg.WarmupLimit)
		if err != nil {
			log.Warn("Session: warmup failed", "session", s.ID, "err", err)
		}
		s.seedLastUpdate()
		log.Info("Session: warmed up", "session", s.ID, "profiles", n)
	} else {
		s.seedLastUpdate()
	}

	res, err := s.sweeper.Run(ctx, maxAgeDays, s.cfg.OverrideMaxAgeDays, force)
	if err != nil {
		log.Warn("Session: expiry sweep failed", "session", s.ID, "err", err)
	}

	go func() {
		defer close(s.done)
		s.scheduler.Start(runCtx)
	}()
	return res, nil
}

// seedLastUpdate takes the newest stored record as the last known update
// when nothing newer has been seen in this session.
func (s *Session) seedLastUpdate() {
	recent, err := s.worker.RecentProfiles(context.Background(), 1)
	if err != nil || len(recent) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := time.Unix(recent[0].LastFetched, 0); t.After(s.lastUpdate) {
		s.lastUpdate = t
	}
}

// Register stores a payload obtained outside the scheduler.
func (s *Session) Register(ctx context.Context, payload model.Payload) (*model.ProfileRecord, error) {
	return s.cache.Register(ctx, payload)
}

// FlushProfiles deletes profiles older than maxAgeDays.
func (s *Session) FlushProfiles(ctx context.Context, maxAgeDays int) (int, error) {
	return s.worker.FlushProfiles(ctx, maxAgeDays)
}

// FlushOverrides deletes overrides older than maxAgeDays.
func (s *Session) FlushOverrides(ctx context.Context, maxAgeDays int) (int, error) {
	return s.worker.FlushOverrides(ctx, maxAgeDays)
}

// CountProfiles returns the number of stored profiles.
func (s *Session) CountProfiles(ctx context.Context) (int64, error) {
	return s.worker.CountProfiles(ctx)
}

// Close stops the scheduler, rejects pending storage requests and awaiting
// callers, and closes the store.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	waiters := s.waiters
	s.waiters = map[string][]chan *model.ProfileRecord{}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for _, list := range waiters {
		for _, ch := range list {
			close(ch)
		}
	}
	s.unsub()
	err := s.worker.Close()
	s.cache.Close()
	log.Info("Session: closed", "session", s.ID)
	return err
}
