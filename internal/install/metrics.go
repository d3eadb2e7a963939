package install

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Metrics records install activity in Prometheus collectors. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	fetchDuration *prom.HistogramVec
	fetchResults  *prom.CounterVec
	cacheHits     prom.Counter
	joins         prom.Counter
	outcomes      *prom.CounterVec
	batches       *prom.CounterVec
}

// NewMetrics constructs and registers the install collectors on reg.
func NewMetrics(reg prom.Registerer) *Metrics {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	m := &Metrics{
		fetchDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "pinstall",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of fetch+extract+store attempts",
			Buckets:   prom.DefBuckets,
		}, []string{"result"}),
		fetchResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "pinstall",
			Name:      "fetch_results_total",
			Help:      "Fetch attempts by failure class",
		}, []string{"result"}),
		cacheHits: prom.NewCounter(prom.CounterOpts{
			Namespace: "pinstall",
			Name:      "cache_hits_total",
			Help:      "Acquire calls satisfied from the cache without a fetch",
		}),
		joins: prom.NewCounter(prom.CounterOpts{
			Namespace: "pinstall",
			Name:      "inflight_joins_total",
			Help:      "Acquire calls that joined an install already in flight",
		}),
		outcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "pinstall",
			Name:      "plugin_outcomes_total",
			Help:      "Per-plugin install outcomes",
		}, []string{"status", "result"}),
		batches: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "pinstall",
			Name:      "batches_total",
			Help:      "Batch installs by whether any plugin failed",
		}, []string{"had_failures"}),
	}
	reg.MustRegister(m.fetchDuration, m.fetchResults, m.cacheHits, m.joins, m.outcomes, m.batches)
	return m
}

func (m *Metrics) ObserveFetch(d time.Duration, err error) {
	if m == nil {
		return
	}
	res := Classify(err)
	m.fetchDuration.WithLabelValues(res).Observe(d.Seconds())
	m.fetchResults.WithLabelValues(res).Inc()
}

func (m *Metrics) IncCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) IncJoin() {
	if m == nil {
		return
	}
	m.joins.Inc()
}

func (m *Metrics) IncOutcome(o Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(o.Status.String(), Classify(o.Err)).Inc()
}

func (m *Metrics) IncBatch(hadFailures bool) {
	if m == nil {
		return
	}
	label := "false"
	if hadFailures {
		label = "true"
	}
	m.batches.WithLabelValues(label).Inc()
}
