// Package metrics owns the Prometheus collectors. Collectors stay nil until
// InitMetrics runs; the helpers below are no-ops until then.
package metrics

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// StoreLatency records record store operation latency.
	StoreLatency *prometheus.HistogramVec

	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// QueueDepth tracks the number of identities waiting to be fetched.
	QueueDepth prometheus.Gauge

	// FetchesTotal counts remote fetch attempts by outcome.
	FetchesTotal *prometheus.CounterVec

	// RetryDropsTotal counts identities abandoned after the retry cap.
	RetryDropsTotal prometheus.Counter

	// StorageInFlight tracks worker requests awaiting a response.
	StorageInFlight prometheus.Gauge

	// FlushedRecordsTotal counts records removed by expiry sweeps.
	FlushedRecordsTotal *prometheus.CounterVec
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Label values may not contain commas. Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		k, v := pair[:idx], pair[idx+1:]
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all collectors with the given constant labels. Only
// the first call registers.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer))
	})
}

func initMetricsInner(reg prometheus.Registerer) {
	f := promauto.With(reg)

	httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "profilecache_http_requests_total",
			Help: "Total number of management API requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "profilecache_http_request_duration_seconds",
			Help:    "Management API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	StoreLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "profilecache_store_latency_seconds",
			Help:    "Record store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CacheHitsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "profilecache_cache_hits_total",
		Help: "Total cache hits by tier",
	}, []string{"tier"})

	CacheMissesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "profilecache_cache_misses_total",
		Help: "Total cache misses by tier",
	}, []string{"tier"})

	QueueDepth = f.NewGauge(prometheus.GaugeOpts{
		Name: "profilecache_queue_depth",
		Help: "Identities waiting in the acquisition queue",
	})

	FetchesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "profilecache_fetches_total",
		Help: "Remote profile fetches by outcome",
	}, []string{"outcome"})

	RetryDropsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "profilecache_retry_drops_total",
		Help: "Identities dropped after exhausting retries",
	})

	StorageInFlight = f.NewGauge(prometheus.GaugeOpts{
		Name: "profilecache_storage_in_flight",
		Help: "Storage worker requests awaiting a response",
	})

	FlushedRecordsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "profilecache_flushed_records_total",
		Help: "Records removed by expiry sweeps",
	}, []string{"table"})
}

// ObserveStore records the latency of a store operation started at start.
func ObserveStore(op string, start time.Time) {
	if StoreLatency != nil {
		StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// CacheHit counts a hit in the named tier ("memory", "store", "overrides").
func CacheHit(tier string) {
	if CacheHitsTotal != nil {
		CacheHitsTotal.WithLabelValues(tier).Inc()
	}
}

// CacheMiss counts a miss in the named tier.
func CacheMiss(tier string) {
	if CacheMissesTotal != nil {
		CacheMissesTotal.WithLabelValues(tier).Inc()
	}
}

func SetQueueDepth(n int) {
	if QueueDepth != nil {
		QueueDepth.Set(float64(n))
	}
}

// Fetch counts a fetch outcome: "success", "failure" or "skipped".
func Fetch(outcome string) {
	if FetchesTotal != nil {
		FetchesTotal.WithLabelValues(outcome).Inc()
	}
}

func RetryDropped() {
	if RetryDropsTotal != nil {
		RetryDropsTotal.Inc()
	}
}

func AddInFlight(delta int) {
	if StorageInFlight != nil {
		StorageInFlight.Add(float64(delta))
	}
}

func Flushed(table string, n int) {
	if FlushedRecordsTotal != nil && n > 0 {
		FlushedRecordsTotal.WithLabelValues(table).Add(float64(n))
	}
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method).Observe(duration.Seconds())
	}
}
