package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetricsLabels(t *testing.T) {
	t.Setenv("PC_TEST_HOST", "box1")

	labels, err := ParseMetricsLabels("service=profilecache,host=${PC_TEST_HOST}")
	require.NoError(t, err)
	assert.Equal(t, prometheus.Labels{"service": "profilecache", "host": "box1"}, labels)

	labels, err = ParseMetricsLabels("")
	require.NoError(t, err)
	assert.Nil(t, labels)

	_, err = ParseMetricsLabels("novalue")
	require.Error(t, err)
	_, err = ParseMetricsLabels("1bad=x")
	require.Error(t, err)
}

func TestHelpersBeforeInit(t *testing.T) {
	// Must not panic while collectors are nil.
	ObserveStore("get_profile", time.Now())
	CacheHit("memory")
	SetQueueDepth(3)
	Fetch("success")
	RetryDropped()
	AddInFlight(1)
	Flushed("profiles", 2)
}

func TestInitMetricsRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	initMetricsInner(reg)

	Fetch("failure")
	Fetch("failure")
	Flushed("profiles", 4)
	SetQueueDepth(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(FetchesTotal.WithLabelValues("failure")))
	assert.Equal(t, 4.0, testutil.ToFloat64(FlushedRecordsTotal.WithLabelValues("profiles")))
	assert.Equal(t, 7.0, testutil.ToFloat64(QueueDepth))
}
