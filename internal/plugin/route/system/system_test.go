package system

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	registryroute "github.com/fchat-tools/profilecache/internal/registry/route"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	for _, loader := range registryroute.Loaders() {
		require.NoError(t, loader(r))
	}
	return r
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	r := newRouter(t)
	t.Cleanup(MarkNotReady)

	require.Equal(t, http.StatusOK, get(r, "/health").Code)

	MarkNotReady()
	require.Equal(t, http.StatusServiceUnavailable, get(r, "/ready").Code)

	MarkReady("6f1c7b52-0d7e-4c1e-9a51-5b1f0e3d2a10")
	rec := get(r, "/ready")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status  string    `json:"status"`
		Session string    `json:"session"`
		Since   time.Time `json:"since"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ready", body.Status)
	require.Equal(t, "6f1c7b52-0d7e-4c1e-9a51-5b1f0e3d2a10", body.Session)
	require.False(t, body.Since.IsZero())

	MarkNotReady()
	require.Equal(t, http.StatusServiceUnavailable, get(r, "/ready").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	r := newRouter(t)
	rec := get(r, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
