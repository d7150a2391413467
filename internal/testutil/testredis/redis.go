// Package testredis provides an in-process Redis server for store tests.
package testredis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
)

// StartRedis starts a miniredis server and returns it along with a redis:// URL.
func StartRedis(tb testing.TB) (*miniredis.Miniredis, string) {
	tb.Helper()
	srv := miniredis.RunT(tb)
	return srv, "redis://" + srv.Addr()
}
