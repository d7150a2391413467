// Package bdd holds godog step definitions for the feature files under
// features/.
package bdd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cucumber/godog"

	"github.com/fchat-tools/profilecache/internal/config"
	"github.com/fchat-tools/profilecache/internal/model"
	"github.com/fchat-tools/profilecache/internal/plugin/store/gormstore"
	"github.com/fchat-tools/profilecache/internal/plugin/store/sqlite"
	registryfetch "github.com/fchat-tools/profilecache/internal/registry/fetch"
	"github.com/fchat-tools/profilecache/internal/session"
)

// InitializeScenario registers all steps. godog calls it once per scenario,
// so every scenario gets a fresh session and store.
func InitializeScenario(ctx *godog.ScenarioContext) {
	s := &scenario{
		scores:   map[string]float64{},
		failing:  map[string]bool{},
		attempts: map[string]int{},
	}
	ctx.After(func(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
		s.close()
		return ctx, err
	})

	ctx.Step(`^a session with interest scores:$`, s.aSessionWithInterestScores)
	ctx.Step(`^fetching "([^"]*)" fails$`, s.fetchingFails)
	ctx.Step(`^"([^"]*)" is queued$`, s.isQueued)
	ctx.Step(`^"([^"]*)" is queued with context "([^"]*)"$`, s.isQueuedWithContext)
	ctx.Step(`^the scheduler runs (\d+) ticks?$`, s.theSchedulerRunsTicks)
	ctx.Step(`^the context changes to "([^"]*)"$`, s.theContextChangesTo)
	ctx.Step(`^the fetch order should be "([^"]*)"$`, s.theFetchOrderShouldBe)
	ctx.Step(`^"([^"]*)" should have been attempted (\d+) times$`, s.shouldHaveBeenAttempted)
	ctx.Step(`^the queue should be empty$`, s.theQueueShouldBeEmpty)
	ctx.Step(`^the queue should contain "([^"]*)"$`, s.theQueueShouldContain)
	ctx.Step(`^the queue should not contain "([^"]*)"$`, s.theQueueShouldNotContain)

	ctx.Step(`^a profile named "([^"]*)" is registered$`, s.aProfileNamedIsRegistered)
	ctx.Step(`^looking up "([^"]*)" should find "([^"]*)"$`, s.lookingUpShouldFind)
	ctx.Step(`^"([^"]*)" is looked up$`, s.isLookedUp)
	ctx.Step(`^a stored profile "([^"]*)" last fetched (\d+) days ago$`, s.aStoredProfileLastFetchedDaysAgo)
	ctx.Step(`^profiles older than (\d+) days are flushed$`, s.profilesOlderThanDaysAreFlushed)
	ctx.Step(`^(\d+) profiles? should have been flushed$`, s.profilesShouldHaveBeenFlushed)
	ctx.Step(`^(\d+) profiles? should remain stored$`, s.profilesShouldRemainStored)
}

type scenario struct {
	dir     string
	store   *gormstore.Store
	session *session.Session

	mu       sync.Mutex
	scores   map[string]float64
	failing  map[string]bool
	attempts map[string]int
	order    []string
	flushed  int
}

func (s *scenario) InterestScore(identity string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scores[identity]
}

func (s *scenario) fetch(_ context.Context, identity string) (model.Payload, error) {
	id, err := model.NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[id]++
	s.order = append(s.order, id)
	if s.failing[id] {
		return nil, errors.New("remote source unavailable")
	}
	return model.Payload(fmt.Sprintf(`{"name":%q}`, identity)), nil
}

func (s *scenario) close() {
	if s.session != nil {
		_ = s.session.Close()
	}
	if s.dir != "" {
		_ = os.RemoveAll(s.dir)
	}
}

func (s *scenario) aSessionWithInterestScores(table *godog.Table) error {
	for i, row := range table.Rows {
		if i == 0 {
			continue
		}
		score, err := strconv.ParseFloat(row.Cells[1].Value, 64)
		if err != nil {
			return err
		}
		s.scores[row.Cells[0].Value] = score
	}

	dir, err := os.MkdirTemp("", "profilecache-bdd-")
	if err != nil {
		return err
	}
	s.dir = dir
	cfg := config.DefaultConfig()
	ctx := config.WithContext(context.Background(), &cfg)

	db, err := sqlite.Open(filepath.Join(dir, "profiles.db"))
	if err != nil {
		return err
	}
	if err := gormstore.Migrate(ctx, db); err != nil {
		return err
	}
	s.store = gormstore.New(db)
	s.session, err = session.New(ctx, session.Options{
		Store:   s.store,
		Fetcher: registryfetch.Func(s.fetch),
		Scorer:  s,
	})
	return err
}

func (s *scenario) fetchingFails(identity string) error {
	id, err := model.NormalizeIdentity(identity)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[id] = true
	return nil
}

func (s *scenario) isQueued(identity string) error {
	return s.session.QueueForFetching(context.Background(), identity, true, "")
}

func (s *scenario) isQueuedWithContext(identity, tag string) error {
	return s.session.QueueForFetching(context.Background(), identity, true, tag)
}

func (s *scenario) theSchedulerRunsTicks(n int) error {
	for i := 0; i < n; i++ {
		s.session.Scheduler().Tick(context.Background())
	}
	return nil
}

func (s *scenario) theContextChangesTo(tag string) error {
	s.session.RetainContext(tag)
	return nil
}

func (s *scenario) theFetchOrderShouldBe(want string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if got := strings.Join(s.order, ","); got != want {
		return fmt.Errorf("expected fetch order %q, got %q", want, got)
	}
	return nil
}

func (s *scenario) shouldHaveBeenAttempted(identity string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if got := s.attempts[identity]; got != n {
		return fmt.Errorf("expected %d attempts for %s, got %d", n, identity, got)
	}
	return nil
}

func (s *scenario) theQueueShouldBeEmpty() error {
	if n := s.session.Queue().Len(); n != 0 {
		return fmt.Errorf("expected an empty queue, found %d entries", n)
	}
	return nil
}

func (s *scenario) theQueueShouldContain(identity string) error {
	if !s.session.Queue().Contains(identity) {
		return fmt.Errorf("expected %s to be queued", identity)
	}
	return nil
}

func (s *scenario) theQueueShouldNotContain(identity string) error {
	if s.session.Queue().Contains(identity) {
		return fmt.Errorf("expected %s not to be queued", identity)
	}
	return nil
}

func (s *scenario) aProfileNamedIsRegistered(name string) error {
	_, err := s.session.Register(context.Background(), model.Payload(fmt.Sprintf(`{"name":%q}`, name)))
	return err
}

func (s *scenario) lookingUpShouldFind(identity, name string) error {
	rec, found, err := s.session.Lookup(context.Background(), identity)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("expected %s to be cached", identity)
	}
	if rec.Name != name {
		return fmt.Errorf("expected name %q, got %q", name, rec.Name)
	}
	return nil
}

func (s *scenario) isLookedUp(identity string) error {
	_, _, err := s.session.Lookup(context.Background(), identity)
	return err
}

func (s *scenario) aStoredProfileLastFetchedDaysAgo(identity string, days int) error {
	_, err := s.store.StoreProfile(context.Background(), &model.ProfileRecord{
		Identity:    identity,
		Name:        identity,
		Payload:     model.Payload(fmt.Sprintf(`{"name":%q}`, identity)),
		LastFetched: time.Now().Add(-time.Duration(days) * 24 * time.Hour).Unix(),
	})
	return err
}

func (s *scenario) profilesOlderThanDaysAreFlushed(days int) error {
	n, err := s.session.FlushProfiles(context.Background(), days)
	s.flushed = n
	return err
}

func (s *scenario) profilesShouldHaveBeenFlushed(n int) error {
	if s.flushed != n {
		return fmt.Errorf("expected %d flushed profiles, got %d", n, s.flushed)
	}
	return nil
}

func (s *scenario) profilesShouldRemainStored(n int) error {
	count, err := s.session.CountProfiles(context.Background())
	if err != nil {
		return err
	}
	if count != int64(n) {
		return fmt.Errorf("expected %d stored profiles, got %d", n, count)
	}
	return nil
}
