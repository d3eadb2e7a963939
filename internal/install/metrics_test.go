package install

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveFetch(time.Second, nil)
		m.IncCacheHit()
		m.IncJoin()
		m.IncOutcome(Outcome{Status: StatusFailed, Err: ErrTimeout})
		m.IncBatch(true)
	})
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveFetch(time.Second, ErrPackageNotFound)
	m.IncCacheHit()
	m.IncBatch(false)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.fetchResults.WithLabelValues("package_not_found")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.cacheHits))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.batches.WithLabelValues("false")))
}
