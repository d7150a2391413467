package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/fchat-tools/profilecache/internal/model"
	registrystore "github.com/fchat-tools/profilecache/internal/registry/store"
	"github.com/fchat-tools/profilecache/internal/session"
	"github.com/fchat-tools/profilecache/internal/worker"
)

// maxWait bounds the ?wait= parameter of a profile lookup.
const maxWait = 30 * time.Second

// MountRoutes mounts the profile cache endpoints on the given router.
func MountRoutes(r *gin.Engine, sess *session.Session) {
	if sess == nil {
		return
	}
	g := r.Group("/v1")

	g.GET("/profiles/:identity", func(c *gin.Context) { getProfile(c, sess) })
	g.POST("/profiles", func(c *gin.Context) { registerProfile(c, sess) })
	g.PUT("/profiles/:identity/secondary-meta", func(c *gin.Context) { putSecondaryMeta(c, sess) })
	g.GET("/profiles/:identity/overrides", func(c *gin.Context) { getOverrides(c, sess) })
	g.PATCH("/profiles/:identity/overrides", func(c *gin.Context) { patchOverrides(c, sess) })
	g.POST("/overrides/batch", func(c *gin.Context) { getOverridesBatch(c, sess) })

	g.GET("/queue", func(c *gin.Context) { getQueue(c, sess) })
	g.POST("/queue", func(c *gin.Context) { enqueue(c, sess) })
	g.POST("/context", func(c *gin.Context) { retainContext(c, sess) })

	g.GET("/stats", func(c *gin.Context) { stats(c, sess) })
	g.POST("/admin/flush", func(c *gin.Context) { flush(c, sess) })
}

func getProfile(c *gin.Context, sess *session.Session) {
	identity := c.Param("identity")
	rec, found, err := sess.Lookup(c.Request.Context(), identity)
	if err != nil {
		handleError(c, err)
		return
	}
	if found {
		c.JSON(http.StatusOK, rec)
		return
	}

	wait, err := parseWait(c.Query("wait"))
	if err != nil {
		handleError(c, err)
		return
	}
	if wait == 0 {
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()
	rec, err = sess.FetchNow(ctx, identity)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, rec)
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	case errors.Is(err, worker.ErrClosed), errors.Is(err, context.Canceled):
		handleError(c, err)
	default:
		// The queued entry is still there and will be retried.
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "error": err.Error()})
	}
}

func parseWait(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		secs, convErr := strconv.Atoi(v)
		if convErr != nil {
			return 0, &registrystore.ValidationError{Field: "wait", Message: "must be a duration or a number of seconds"}
		}
		d = time.Duration(secs) * time.Second
	}
	if d < 0 {
		return 0, &registrystore.ValidationError{Field: "wait", Message: "must not be negative"}
	}
	return min(d, maxWait), nil
}

func registerProfile(c *gin.Context, sess *session.Session) {
	var payload json.RawMessage
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := model.PayloadName(payload); err != nil {
		handleError(c, &registrystore.ValidationError{Field: "name", Message: err.Error()})
		return
	}
	rec, err := sess.Register(c.Request.Context(), model.Payload(payload))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func putSecondaryMeta(c *gin.Context, sess *session.Session) {
	var meta model.SecondaryMeta
	if err := c.ShouldBindJSON(&meta); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := sess.Cache().StoreSecondaryMeta(c.Request.Context(), c.Param("identity"), meta); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func getOverrides(c *gin.Context, sess *session.Session) {
	rec, found, err := sess.Cache().GetOverrides(c.Request.Context(), c.Param("identity"))
	if err != nil {
		handleError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "no overrides for " + c.Param("identity")})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func patchOverrides(c *gin.Context, sess *session.Session) {
	var patch model.OverridePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	changed, err := sess.Cache().SetOverrides(c.Request.Context(), c.Param("identity"), patch)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

type batchRequest struct {
	Identities []string `json:"identities"`
}

func getOverridesBatch(c *gin.Context, sess *session.Session) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := sess.Cache().GetOverridesBatch(c.Request.Context(), req.Identities)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"overrides": out})
}

type queueEntry struct {
	Identity   string    `json:"identity"`
	Score      float64   `json:"score"`
	ContextTag string    `json:"contextTag,omitempty"`
	RetryCount int       `json:"retryCount"`
	AddedAt    time.Time `json:"addedAt"`
}

func getQueue(c *gin.Context, sess *session.Session) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			handleError(c, &registrystore.ValidationError{Field: "limit", Message: "must be a non-negative integer"})
			return
		}
		limit = n
	}
	q := sess.Queue()
	head := q.Snapshot(limit)
	entries := make([]queueEntry, 0, len(head))
	for _, e := range head {
		entries = append(entries, queueEntry{
			Identity:   e.Key,
			Score:      e.Score,
			ContextTag: e.ContextTag,
			RetryCount: e.RetryCount,
			AddedAt:    e.AddedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"depth":   q.Len(),
		"context": q.Context(),
		"head":    entries,
	})
}

type enqueueRequest struct {
	Identity       string `json:"identity" binding:"required"`
	SkipCacheCheck bool   `json:"skipCacheCheck"`
	ContextTag     string `json:"contextTag"`
}

func enqueue(c *gin.Context, sess *session.Session) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := sess.QueueForFetching(c.Request.Context(), req.Identity, req.SkipCacheCheck, req.ContextTag); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"depth": sess.Queue().Len()})
}

type contextRequest struct {
	Tag string `json:"tag"`
}

func retainContext(c *gin.Context, sess *session.Session) {
	var req contextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dropped := sess.RetainContext(req.Tag)
	c.JSON(http.StatusOK, gin.H{"dropped": dropped, "depth": sess.Queue().Len()})
}

func stats(c *gin.Context, sess *session.Session) {
	stored, err := sess.CountProfiles(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":  sess.ID.String(),
		"stored":   stored,
		"memory":   sess.Cache().Len(),
		"queued":   sess.Queue().Len(),
		"inFlight": sess.Scheduler().InFlight(),
	})
}

type flushRequest struct {
	ProfileMaxAgeDays  *int `json:"profileMaxAgeDays"`
	OverrideMaxAgeDays *int `json:"overrideMaxAgeDays"`
}

func flush(c *gin.Context, sess *session.Session) {
	var req flushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{}
	if req.ProfileMaxAgeDays != nil {
		n, err := sess.FlushProfiles(c.Request.Context(), *req.ProfileMaxAgeDays)
		if err != nil {
			handleError(c, err)
			return
		}
		resp["profilesFlushed"] = n
	}
	if req.OverrideMaxAgeDays != nil {
		n, err := sess.FlushOverrides(c.Request.Context(), *req.OverrideMaxAgeDays)
		if err != nil {
			handleError(c, err)
			return
		}
		resp["overridesFlushed"] = n
	}
	c.JSON(http.StatusOK, resp)
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.Is(err, model.ErrInvalidIdentity):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": "identity"})
	case errors.Is(err, worker.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session closed"})
	default:
		log.Error("Profiles API error", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
