// Package testpg starts throwaway Postgres containers for store tests.
package testpg

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// EnvEnable must be set to a non-empty value for container-backed tests to run.
const EnvEnable = "PROFILECACHE_TEST_CONTAINERS"

const image = "postgres:17-alpine"

// StartPostgres returns the DSN of a fresh database that accepts connections.
// The test is skipped unless EnvEnable is set.
func StartPostgres(tb testing.TB) string {
	tb.Helper()
	if os.Getenv(EnvEnable) == "" {
		tb.Skipf("set %s=1 to run container-backed tests", EnvEnable)
	}

	ctx := context.Background()
	ready := wait.ForLog("database system is ready to accept connections").
		WithOccurrence(2).
		WithStartupTimeout(time.Minute)
	container, err := postgres.Run(ctx, image,
		postgres.WithDatabase("profiles"),
		postgres.WithUsername("profiles"),
		postgres.WithPassword("profiles"),
		testcontainers.WithWaitStrategy(ready),
	)
	require.NoError(tb, err, "start %s", image)
	tb.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(tb, err)

	// The log line can precede the port mapping becoming reachable.
	require.Eventually(tb, func() bool { return ping(ctx, dsn) == nil }, 20*time.Second, 250*time.Millisecond,
		"postgres at %s never accepted connections", dsn)
	return dsn
}

func ping(ctx context.Context, dsn string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	return conn.Ping(ctx)
}
