package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/fchat-tools/profilecache/internal/config"
	registrymigrate "github.com/fchat-tools/profilecache/internal/registry/migrate"

	// Import plugins to trigger init() registration of their migrators.
	// Store plugins register their own migrators alongside their primary interface.
	_ "github.com/fchat-tools/profilecache/internal/plugin/store/mongo"
	_ "github.com/fchat-tools/profilecache/internal/plugin/store/postgres"
	_ "github.com/fchat-tools/profilecache/internal/plugin/store/redis"
	_ "github.com/fchat-tools/profilecache/internal/plugin/store/sqlite"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run record store migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "store-kind",
				Sources: cli.EnvVars("PROFILECACHE_STORE_KIND"),
				Usage:   "Record store (sqlite|postgres|mongo|redis)",
				Value:   "sqlite",
			},
			&cli.StringFlag{
				Name:    "store-url",
				Sources: cli.EnvVars("PROFILECACHE_STORE_URL"),
				Usage:   "sqlite file path, postgres DSN or mongodb URI",
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Sources: cli.EnvVars("PROFILECACHE_REDIS_URL"),
				Usage:   "Redis URL when --store-kind=redis",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.StoreType = cmd.String("store-kind")
			if v := cmd.String("store-url"); v != "" {
				cfg.StoreURL = v
			}
			cfg.RedisURL = cmd.String("redis-url")
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...", "store", cfg.StoreType)
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
