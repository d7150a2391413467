// Package system serves the probe and metrics endpoints.
package system

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	registryroute "github.com/fchat-tools/profilecache/internal/registry/route"
)

type readiness struct {
	Session string    `json:"session"`
	Since   time.Time `json:"since"`
}

var current atomic.Pointer[readiness]

// MarkReady records that session has started and its scheduler is running.
func MarkReady(session string) {
	current.Store(&readiness{Session: session, Since: time.Now().UTC()})
}

// MarkNotReady clears readiness while the session shuts down.
func MarkNotReady() {
	current.Store(nil)
}

func init() {
	registryroute.Register(registryroute.Plugin{Order: 0, Loader: mount})
}

func mount(r *gin.Engine) error {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		rd := current.Load()
		if rd == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "session": rd.Session, "since": rd.Since})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return nil
}
