// Package testmongo starts throwaway MongoDB containers for store tests.
package testmongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/mongodb"

	"github.com/fchat-tools/profilecache/internal/testutil/testpg"
)

// StartMongo starts a disposable MongoDB container and returns its connection URI.
// The test is skipped unless testpg.EnvEnable is set.
func StartMongo(tb testing.TB) string {
	tb.Helper()
	if os.Getenv(testpg.EnvEnable) == "" {
		tb.Skipf("set %s=1 to run container-backed tests", testpg.EnvEnable)
	}

	ctx := context.Background()
	container, err := mongodb.Run(ctx, "mongo:7")
	if err != nil {
		tb.Fatalf("start mongodb container: %v", err)
	}

	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			tb.Errorf("terminate mongodb container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		tb.Fatalf("build mongodb connection string: %v", err)
	}
	return uri
}
