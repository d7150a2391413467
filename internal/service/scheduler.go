package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fchat-tools/profilecache/internal/metrics"
	"github.com/fchat-tools/profilecache/internal/model"
	"github.com/fchat-tools/profilecache/internal/queue"
	registryfetch "github.com/fchat-tools/profilecache/internal/registry/fetch"
)

var (
	// ErrInFlight is returned by FetchNow when the identity is already being
	// fetched.
	ErrInFlight = errors.New("fetch already in flight")
	// ErrRecentlyFetched is returned by FetchNow inside the cool-down.
	ErrRecentlyFetched = errors.New("fetched within cool-down")
)

// Registrar stores a freshly fetched payload in the cache layers.
type Registrar interface {
	Register(ctx context.Context, payload model.Payload) (*model.ProfileRecord, error)
}

// SchedulerOptions tunes the acquisition loop.
type SchedulerOptions struct {
	Interval   time.Duration
	Cooldown   time.Duration
	MaxRetries int
	Now        func() time.Time
}

// Scheduler drains the acquisition queue one fetch at a time on a fixed
// interval. A new tick is not armed until the previous fetch is processed.
type Scheduler struct {
	queue      *queue.Queue
	fetcher    registryfetch.Fetcher
	registrar  Registrar
	interval   time.Duration
	cooldown   time.Duration
	maxRetries int
	now        func() time.Time

	mu          sync.Mutex
	ongoing     map[string]struct{}
	lastFetched map[string]time.Time
}

// NewScheduler creates a scheduler. Zero options take the defaults: 250ms
// interval, 2 minute cool-down, 10 attempts.
func NewScheduler(q *queue.Queue, fetcher registryfetch.Fetcher, registrar Registrar, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 250 * time.Millisecond
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 2 * time.Minute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		queue:       q,
		fetcher:     fetcher,
		registrar:   registrar,
		interval:    opts.Interval,
		cooldown:    opts.Cooldown,
		maxRetries:  opts.MaxRetries,
		now:         opts.Now,
		ongoing:     map[string]struct{}{},
		lastFetched: map[string]time.Time{},
	}
}

// Start runs the loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.Tick(ctx)
			timer.Reset(s.interval)
		}
	}
}

// Tick processes at most one queue entry and reports whether one was taken.
func (s *Scheduler) Tick(ctx context.Context) bool {
	s.prune()
	entry, ok := s.queue.DequeueNext()
	if !ok {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			s.finish(entry.Key)
			log.Error("Scheduler: fetch panicked", "identity", entry.Identity, "panic", r)
		}
	}()

	if err := s.begin(entry.Key); err != nil {
		metrics.Fetch("skipped")
		log.Debug("Scheduler: skipping", "identity", entry.Identity, "reason", err)
		return true
	}

	_, err := s.fetch(ctx, entry.Key, entry.Identity)
	if err != nil {
		s.fail(entry, err)
	}
	return true
}

// FetchNow fetches identity immediately, outside the queue. It shares the
// ongoing set and cool-down with the loop, so an identity is never fetched
// twice at once.
func (s *Scheduler) FetchNow(ctx context.Context, identity string) (*model.ProfileRecord, error) {
	key, err := model.NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	if err := s.begin(key); err != nil {
		return nil, err
	}
	rec, err := s.fetch(ctx, key, identity)
	if err != nil {
		metrics.Fetch("failure")
		log.Warn("Scheduler: direct fetch failed", "identity", identity, "err", err)
		return nil, err
	}
	return rec, nil
}

// fetch runs one remote fetch for a key already marked ongoing.
func (s *Scheduler) fetch(ctx context.Context, key, identity string) (*model.ProfileRecord, error) {
	payload, err := s.fetcher.FetchProfile(ctx, identity)
	var rec *model.ProfileRecord
	if err == nil {
		rec, err = s.registrar.Register(ctx, payload)
	}
	s.finish(key)
	if err != nil {
		return nil, err
	}

	s.queue.Remove(key)
	s.MarkFetched(key, s.now())
	metrics.Fetch("success")
	log.Debug("Scheduler: fetched", "identity", identity)
	return rec, nil
}

// begin marks key ongoing unless it is already in flight or was fetched
// within the cool-down.
func (s *Scheduler) begin(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.ongoing[key]; busy {
		return ErrInFlight
	}
	if s.recentlyFetchedLocked(key) {
		return ErrRecentlyFetched
	}
	s.ongoing[key] = struct{}{}
	return nil
}

// MarkFetched records that identity was fetched at the given time. Records
// registered outside the loop are reported here so the cool-down covers them.
func (s *Scheduler) MarkFetched(identity string, at time.Time) {
	key, err := model.NormalizeIdentity(identity)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.lastFetched[key]; !ok || at.After(prev) {
		s.lastFetched[key] = at
	}
}

// prune forgets fetch times that have left the cool-down.
func (s *Scheduler) prune() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, at := range s.lastFetched {
		if now.Sub(at) >= s.cooldown {
			delete(s.lastFetched, key)
		}
	}
}

func (s *Scheduler) finish(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ongoing, key)
}

func (s *Scheduler) fail(entry *queue.Entry, err error) {
	metrics.Fetch("failure")
	entry.RetryCount++
	if entry.RetryCount >= s.maxRetries {
		metrics.RetryDropped()
		log.Error("Scheduler: giving up", "identity", entry.Identity, "attempts", entry.RetryCount, "err", err)
		return
	}
	if active := s.queue.Context(); entry.ContextTag != "" && active != "" && entry.ContextTag != active {
		log.Debug("Scheduler: context moved on, not requeueing", "identity", entry.Identity, "tag", entry.ContextTag)
		return
	}
	s.queue.Push(entry)
	log.Warn("Scheduler: fetch failed, requeued", "identity", entry.Identity, "attempt", entry.RetryCount, "err", err)
}

// RecentlyFetched reports whether identity was fetched within the cool-down.
func (s *Scheduler) RecentlyFetched(identity string) bool {
	key, err := model.NormalizeIdentity(identity)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentlyFetchedLocked(key)
}

func (s *Scheduler) recentlyFetchedLocked(key string) bool {
	at, ok := s.lastFetched[key]
	return ok && s.now().Sub(at) < s.cooldown
}

// Ongoing reports whether identity has a fetch in flight.
func (s *Scheduler) Ongoing(identity string) bool {
	key, err := model.NormalizeIdentity(identity)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ongoing[key]
	return ok
}

// InFlight returns the number of fetches currently in flight.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ongoing)
}
