package service

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
)

// Flusher deletes expired records.
type Flusher interface {
	FlushProfiles(ctx context.Context, maxAgeDays int) (int, error)
	FlushOverrides(ctx context.Context, maxAgeDays int) (int, error)
}

// Resyncer performs a full remote resynchronization.
type Resyncer interface {
	Resync(ctx context.Context) error
}

// ResyncFunc adapts a function to Resyncer.
type ResyncFunc func(ctx context.Context) error

func (f ResyncFunc) Resync(ctx context.Context) error { return f(ctx) }

// SweepResult summarizes one sweeper run.
type SweepResult struct {
	Resynced         bool
	ProfilesFlushed  int
	OverridesFlushed int
}

// Sweeper expires old records when a session starts.
type Sweeper struct {
	store    Flusher
	resync   Resyncer
	lastSync func() (time.Time, bool)
	now      func() time.Time
}

// NewSweeper creates a sweeper. lastSync reports the last known update
// timestamp; a missing or future value forces a resynchronization.
func NewSweeper(store Flusher, resync Resyncer, lastSync func() (time.Time, bool)) *Sweeper {
	if lastSync == nil {
		lastSync = func() (time.Time, bool) { return time.Time{}, false }
	}
	return &Sweeper{store: store, resync: resync, lastSync: lastSync, now: time.Now}
}

// Run either triggers a resynchronization (forced, or no usable bookkeeping)
// or flushes profiles and overrides older than their horizons.
func (s *Sweeper) Run(ctx context.Context, profileMaxAgeDays, overrideMaxAgeDays int, force bool) (SweepResult, error) {
	var res SweepResult
	last, ok := s.lastSync()
	if force || !ok || last.IsZero() || last.After(s.now()) {
		log.Info("Sweeper: full resynchronization", "forced", force, "lastSync", last)
		res.Resynced = true
		if s.resync == nil {
			return res, nil
		}
		if err := s.resync.Resync(ctx); err != nil {
			return res, fmt.Errorf("resync: %w", err)
		}
		return res, nil
	}

	n, err := s.store.FlushProfiles(ctx, profileMaxAgeDays)
	if err != nil {
		return res, fmt.Errorf("flush profiles: %w", err)
	}
	res.ProfilesFlushed = n

	if overrideMaxAgeDays > 0 {
		n, err = s.store.FlushOverrides(ctx, overrideMaxAgeDays)
		if err != nil {
			return res, fmt.Errorf("flush overrides: %w", err)
		}
		res.OverridesFlushed = n
	}
	log.Info("Sweeper: expired records removed", "profiles", res.ProfilesFlushed, "overrides", res.OverridesFlushed)
	return res, nil
}
