package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ListenerConfig holds the network settings for the management API listener.
type ListenerConfig struct {
	Port              int
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the profile cache.
type Config struct {
	// Record store backend: "sqlite", "postgres", "mongo" or "redis".
	StoreType string

	// StoreURL is the sqlite file path or the postgres DSN.
	StoreURL string

	// RedisURL is used when StoreType is "redis".
	RedisURL string

	// Run record store migrations when a session opens the store.
	StoreMigrateAtStart bool

	// StorageRequestTimeout bounds a single worker round trip. Zero waits forever.
	StorageRequestTimeout time.Duration

	// Memory tier sizes.
	MemoryCacheSize   int
	OverrideCacheSize int64

	// WarmupLimit loads the N most recently fetched profiles into memory on start.
	WarmupLimit int

	// Scheduler
	SchedulerInterval time.Duration
	FetchCooldown     time.Duration
	MaxRetries        int
	QueueInsertSteps  int

	// Remote fetcher: "http" or "none".
	FetchType    string
	FetchURL     string
	FetchAccount string
	FetchTicket  string
	FetchRate    float64 // requests per second
	FetchBurst   int
	FetchTimeout time.Duration

	// When FetchTicketVaultPath is set the API ticket is read from the
	// "ticket" field of that Vault KV v2 secret instead of FetchTicket.
	FetchTicketVaultMount string
	FetchTicketVaultPath  string

	// AnalyzerFile points to a JSON file of jq expressions overriding the
	// default payload analysis rules.
	AnalyzerFile string

	// Expiry
	ProfileMaxAgeDays  int
	OverrideMaxAgeDays int

	// Management API
	Listener ListenerConfig

	// MaxBodySize caps request bodies on the management API.
	MaxBodySize int64

	// AccessLogProbes also logs /health, /ready and /metrics requests.
	AccessLogProbes bool

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string

	LogLevel string

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StoreType:             "sqlite",
		StoreURL:              DefaultStorePath(),
		StoreMigrateAtStart:   true,
		MemoryCacheSize:       50000,
		OverrideCacheSize:     10000,
		SchedulerInterval:     250 * time.Millisecond,
		FetchCooldown:         2 * time.Minute,
		MaxRetries:            10,
		QueueInsertSteps:      2,
		FetchType:             "http",
		FetchURL:              "https://www.f-list.net/json/api/character-data.php",
		FetchRate:             2,
		FetchBurst:            1,
		FetchTimeout:          30 * time.Second,
		FetchTicketVaultMount: "secret",
		ProfileMaxAgeDays:     30,
		OverrideMaxAgeDays:    30,
		Listener: ListenerConfig{
			Port:              8090,
			ReadHeaderTimeout: 5 * time.Second,
		},
		MaxBodySize:   1 << 20,
		MetricsLabels: "service=profilecache",
		LogLevel:      "info",
		DrainTimeout:  10,
	}
}

// DefaultStorePath returns the sqlite file under the user's cache directory.
func DefaultStorePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "profilecache", "profiles.db")
}

// ResolvedStoreURL returns the configured store location, falling back to the
// default sqlite path.
func (c *Config) ResolvedStoreURL() string {
	if c == nil {
		return DefaultStorePath()
	}
	if u := strings.TrimSpace(c.StoreURL); u != "" {
		return u
	}
	return DefaultStorePath()
}
