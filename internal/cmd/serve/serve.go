package serve

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/fchat-tools/profilecache/internal/config"

	// Import all plugins to trigger init() registration
	_ "github.com/fchat-tools/profilecache/internal/plugin/fetch/httpapi"
	_ "github.com/fchat-tools/profilecache/internal/plugin/fetch/none"
	_ "github.com/fchat-tools/profilecache/internal/plugin/route/system"
	_ "github.com/fchat-tools/profilecache/internal/plugin/store/mongo"
	_ "github.com/fchat-tools/profilecache/internal/plugin/store/postgres"
	_ "github.com/fchat-tools/profilecache/internal/plugin/store/redis"
	_ "github.com/fchat-tools/profilecache/internal/plugin/store/sqlite"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var force bool
	return &cli.Command{
		Name:  "serve",
		Usage: "Start a cache session, the fetch scheduler and the management API",
		Flags: append(Flags(&cfg), &cli.BoolFlag{
			Name:        "force-resync",
			Category:    "Expiry:",
			Sources:     cli.EnvVars("PROFILECACHE_FORCE_RESYNC"),
			Destination: &force,
			Usage:       "Resynchronize from the remote source instead of expiring old records",
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := config.ApplyLogLevel(cfg.LogLevel); err != nil {
				return err
			}
			return run(config.WithContext(ctx, &cfg), cfg, force)
		},
	}
}

// Flags returns the flags shared by every command that opens a session.
func Flags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{

		// ── Store ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "store-kind",
			Category:    "Store:",
			Sources:     cli.EnvVars("PROFILECACHE_STORE_KIND"),
			Destination: &cfg.StoreType,
			Value:       cfg.StoreType,
			Usage:       "Record store (sqlite|postgres|mongo|redis)",
		},
		&cli.StringFlag{
			Name:        "store-url",
			Category:    "Store:",
			Sources:     cli.EnvVars("PROFILECACHE_STORE_URL"),
			Destination: &cfg.StoreURL,
			Value:       cfg.StoreURL,
			Usage:       "sqlite file path, postgres DSN or mongodb URI",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Store:",
			Sources:     cli.EnvVars("PROFILECACHE_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis URL when --store-kind=redis",
		},
		&cli.BoolFlag{
			Name:        "store-migrate-at-start",
			Category:    "Store:",
			Sources:     cli.EnvVars("PROFILECACHE_STORE_MIGRATE_AT_START"),
			Destination: &cfg.StoreMigrateAtStart,
			Value:       cfg.StoreMigrateAtStart,
			Usage:       "Run record store migrations at startup",
		},
		&cli.DurationFlag{
			Name:        "storage-request-timeout",
			Category:    "Store:",
			Sources:     cli.EnvVars("PROFILECACHE_STORAGE_REQUEST_TIMEOUT"),
			Destination: &cfg.StorageRequestTimeout,
			Usage:       "Timeout for a single storage worker request (0 = wait forever)",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "memory-cache-size",
			Category:    "Cache:",
			Sources:     cli.EnvVars("PROFILECACHE_MEMORY_CACHE_SIZE"),
			Destination: &cfg.MemoryCacheSize,
			Value:       cfg.MemoryCacheSize,
			Usage:       "Maximum number of profiles kept in memory",
		},
		&cli.Int64Flag{
			Name:        "override-cache-size",
			Category:    "Cache:",
			Sources:     cli.EnvVars("PROFILECACHE_OVERRIDE_CACHE_SIZE"),
			Destination: &cfg.OverrideCacheSize,
			Value:       cfg.OverrideCacheSize,
			Usage:       "Maximum number of memoized override records",
		},
		&cli.IntFlag{
			Name:        "warmup-limit",
			Category:    "Cache:",
			Sources:     cli.EnvVars("PROFILECACHE_WARMUP_LIMIT"),
			Destination: &cfg.WarmupLimit,
			Value:       cfg.WarmupLimit,
			Usage:       "Load the N most recently fetched profiles into memory at start",
		},
		&cli.StringFlag{
			Name:        "analyzer-file",
			Category:    "Cache:",
			Sources:     cli.EnvVars("PROFILECACHE_ANALYZER_FILE"),
			Destination: &cfg.AnalyzerFile,
			Usage:       "JSON file of jq expressions for derived attributes",
		},

		// ── Scheduler ─────────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "scheduler-interval",
			Category:    "Scheduler:",
			Sources:     cli.EnvVars("PROFILECACHE_SCHEDULER_INTERVAL"),
			Destination: &cfg.SchedulerInterval,
			Value:       cfg.SchedulerInterval,
			Usage:       "Delay between scheduler ticks",
		},
		&cli.DurationFlag{
			Name:        "fetch-cooldown",
			Category:    "Scheduler:",
			Sources:     cli.EnvVars("PROFILECACHE_FETCH_COOLDOWN"),
			Destination: &cfg.FetchCooldown,
			Value:       cfg.FetchCooldown,
			Usage:       "Minimum time between two fetches of the same profile",
		},
		&cli.IntFlag{
			Name:        "max-retries",
			Category:    "Scheduler:",
			Sources:     cli.EnvVars("PROFILECACHE_MAX_RETRIES"),
			Destination: &cfg.MaxRetries,
			Value:       cfg.MaxRetries,
			Usage:       "Attempts before a failing fetch is dropped",
		},
		&cli.IntFlag{
			Name:        "queue-insert-steps",
			Category:    "Scheduler:",
			Sources:     cli.EnvVars("PROFILECACHE_QUEUE_INSERT_STEPS"),
			Destination: &cfg.QueueInsertSteps,
			Value:       cfg.QueueInsertSteps,
			Usage:       "Bisection steps spent placing a queue entry",
		},

		// ── Fetch ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "fetch-kind",
			Category:    "Fetch:",
			Sources:     cli.EnvVars("PROFILECACHE_FETCH_KIND"),
			Destination: &cfg.FetchType,
			Value:       cfg.FetchType,
			Usage:       "Remote profile source (http|none)",
		},
		&cli.StringFlag{
			Name:        "fetch-url",
			Category:    "Fetch:",
			Sources:     cli.EnvVars("PROFILECACHE_FETCH_URL"),
			Destination: &cfg.FetchURL,
			Value:       cfg.FetchURL,
			Usage:       "Character data endpoint",
		},
		&cli.StringFlag{
			Name:        "fetch-account",
			Category:    "Fetch:",
			Sources:     cli.EnvVars("PROFILECACHE_FETCH_ACCOUNT"),
			Destination: &cfg.FetchAccount,
			Usage:       "Account name sent with each fetch",
		},
		&cli.StringFlag{
			Name:        "fetch-ticket",
			Category:    "Fetch:",
			Sources:     cli.EnvVars("PROFILECACHE_FETCH_TICKET"),
			Destination: &cfg.FetchTicket,
			Usage:       "API ticket sent with each fetch",
		},
		&cli.StringFlag{
			Name:        "fetch-ticket-vault-path",
			Category:    "Fetch:",
			Sources:     cli.EnvVars("PROFILECACHE_FETCH_TICKET_VAULT_PATH"),
			Destination: &cfg.FetchTicketVaultPath,
			Usage:       "Vault KV v2 secret holding the API ticket (uses VAULT_ADDR and VAULT_TOKEN)",
		},
		&cli.StringFlag{
			Name:        "fetch-ticket-vault-mount",
			Category:    "Fetch:",
			Sources:     cli.EnvVars("PROFILECACHE_FETCH_TICKET_VAULT_MOUNT"),
			Destination: &cfg.FetchTicketVaultMount,
			Value:       cfg.FetchTicketVaultMount,
			Usage:       "Vault KV v2 mount for --fetch-ticket-vault-path",
		},
		&cli.FloatFlag{
			Name:        "fetch-rate",
			Category:    "Fetch:",
			Sources:     cli.EnvVars("PROFILECACHE_FETCH_RATE"),
			Destination: &cfg.FetchRate,
			Value:       cfg.FetchRate,
			Usage:       "Fetches per second (0 = unlimited)",
		},
		&cli.IntFlag{
			Name:        "fetch-burst",
			Category:    "Fetch:",
			Sources:     cli.EnvVars("PROFILECACHE_FETCH_BURST"),
			Destination: &cfg.FetchBurst,
			Value:       cfg.FetchBurst,
			Usage:       "Fetch rate limiter burst",
		},
		&cli.DurationFlag{
			Name:        "fetch-timeout",
			Category:    "Fetch:",
			Sources:     cli.EnvVars("PROFILECACHE_FETCH_TIMEOUT"),
			Destination: &cfg.FetchTimeout,
			Value:       cfg.FetchTimeout,
			Usage:       "HTTP timeout for a single fetch",
		},

		// ── Expiry ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "profile-max-age-days",
			Category:    "Expiry:",
			Sources:     cli.EnvVars("PROFILECACHE_PROFILE_MAX_AGE_DAYS"),
			Destination: &cfg.ProfileMaxAgeDays,
			Value:       cfg.ProfileMaxAgeDays,
			Usage:       "Delete stored profiles not fetched for this many days",
		},
		&cli.IntFlag{
			Name:        "override-max-age-days",
			Category:    "Expiry:",
			Sources:     cli.EnvVars("PROFILECACHE_OVERRIDE_MAX_AGE_DAYS"),
			Destination: &cfg.OverrideMaxAgeDays,
			Value:       cfg.OverrideMaxAgeDays,
			Usage:       "Delete overrides not updated for this many days",
		},

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("PROFILECACHE_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "Management API port (0 = OS-assigned)",
		},
		&cli.DurationFlag{
			Name:        "read-header-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("PROFILECACHE_READ_HEADER_TIMEOUT"),
			Destination: &cfg.Listener.ReadHeaderTimeout,
			Value:       cfg.Listener.ReadHeaderTimeout,
			Usage:       "HTTP read header timeout",
		},
		&cli.Int64Flag{
			Name:        "max-body-size",
			Category:    "Server:",
			Sources:     cli.EnvVars("PROFILECACHE_MAX_BODY_SIZE"),
			Destination: &cfg.MaxBodySize,
			Value:       cfg.MaxBodySize,
			Usage:       "Maximum request body size in bytes",
		},
		&cli.BoolFlag{
			Name:        "access-log-probes",
			Category:    "Server:",
			Sources:     cli.EnvVars("PROFILECACHE_ACCESS_LOG_PROBES"),
			Destination: &cfg.AccessLogProbes,
			Usage:       "Also log /health, /ready and /metrics requests",
		},
		&cli.IntFlag{
			Name:        "drain-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("PROFILECACHE_DRAIN_TIMEOUT"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("PROFILECACHE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       cfg.MetricsLabels,
			Usage:       "Constant labels added to all metrics (key=value,...)",
		},
		&cli.StringFlag{
			Name:        "log-level",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("PROFILECACHE_LOG_LEVEL"),
			Destination: &cfg.LogLevel,
			Value:       cfg.LogLevel,
			Usage:       "Log level (debug|info|warn|error)",
		},
	}
}

func run(ctx context.Context, cfg config.Config, force bool) error {
	srv, err := StartServer(ctx, &cfg, force)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}
