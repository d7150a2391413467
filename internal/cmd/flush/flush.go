package flush

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/fchat-tools/profilecache/internal/config"
	storemetrics "github.com/fchat-tools/profilecache/internal/plugin/store/metrics"
	registrystore "github.com/fchat-tools/profilecache/internal/registry/store"
	"github.com/fchat-tools/profilecache/internal/worker"

	_ "github.com/fchat-tools/profilecache/internal/plugin/store/mongo"
	_ "github.com/fchat-tools/profilecache/internal/plugin/store/postgres"
	_ "github.com/fchat-tools/profilecache/internal/plugin/store/redis"
	_ "github.com/fchat-tools/profilecache/internal/plugin/store/sqlite"
)

// Result reports what a flush removed.
type Result struct {
	ProfilesFlushed  int
	OverridesFlushed int
	Remaining        int64
}

// Command returns the flush sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "flush",
		Usage: "Delete stored profiles and overrides older than the configured age, then exit",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "store-kind",
				Sources:     cli.EnvVars("PROFILECACHE_STORE_KIND"),
				Destination: &cfg.StoreType,
				Value:       cfg.StoreType,
				Usage:       "Record store (sqlite|postgres|mongo|redis)",
			},
			&cli.StringFlag{
				Name:        "store-url",
				Sources:     cli.EnvVars("PROFILECACHE_STORE_URL"),
				Destination: &cfg.StoreURL,
				Value:       cfg.StoreURL,
				Usage:       "sqlite file path, postgres DSN or mongodb URI",
			},
			&cli.StringFlag{
				Name:        "redis-url",
				Sources:     cli.EnvVars("PROFILECACHE_REDIS_URL"),
				Destination: &cfg.RedisURL,
				Usage:       "Redis URL when --store-kind=redis",
			},
			&cli.IntFlag{
				Name:        "profile-max-age-days",
				Sources:     cli.EnvVars("PROFILECACHE_PROFILE_MAX_AGE_DAYS"),
				Destination: &cfg.ProfileMaxAgeDays,
				Value:       cfg.ProfileMaxAgeDays,
				Usage:       "Delete stored profiles not fetched for this many days",
			},
			&cli.IntFlag{
				Name:        "override-max-age-days",
				Sources:     cli.EnvVars("PROFILECACHE_OVERRIDE_MAX_AGE_DAYS"),
				Destination: &cfg.OverrideMaxAgeDays,
				Value:       cfg.OverrideMaxAgeDays,
				Usage:       "Delete overrides not updated for this many days",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			res, err := Run(config.WithContext(ctx, &cfg))
			if err != nil {
				return err
			}
			log.Info("Flush completed",
				"profilesFlushed", res.ProfilesFlushed,
				"overridesFlushed", res.OverridesFlushed,
				"remaining", res.Remaining,
			)
			return nil
		},
	}
}

// Run opens the configured store behind a storage worker and expires old
// records.
func Run(ctx context.Context) (Result, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return Result{}, fmt.Errorf("flush: no configuration in context")
	}
	loader, err := registrystore.Select(cfg.StoreType)
	if err != nil {
		return Result{}, err
	}
	store, err := loader(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("flush: store: %w", err)
	}
	w := worker.Start(storemetrics.Wrap(store), worker.WithTimeout(cfg.StorageRequestTimeout))
	defer func() {
		if err := w.Close(); err != nil {
			log.Warn("Flush: closing store failed", "err", err)
		}
	}()

	var res Result
	if res.ProfilesFlushed, err = w.FlushProfiles(ctx, cfg.ProfileMaxAgeDays); err != nil {
		return res, err
	}
	if res.OverridesFlushed, err = w.FlushOverrides(ctx, cfg.OverrideMaxAgeDays); err != nil {
		return res, err
	}
	if res.Remaining, err = w.CountProfiles(ctx); err != nil {
		return res, err
	}
	return res, nil
}
