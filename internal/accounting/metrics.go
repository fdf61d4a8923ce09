package accounting

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the ledger engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	postings     *prometheus.CounterVec
	retries      prometheus.Counter
	duration     prometheus.Histogram
	transitions  *prometheus.CounterVec
	stalePending prometheus.Gauge
}

// NewMetrics registers the ledger collectors. When registerer is nil the
// default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		postings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_postings_total",
			Help: "Posting attempts partitioned by outcome.",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_posting_retries_total",
			Help: "Posting attempts retried after lock contention or version conflicts.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_posting_duration_seconds",
			Help:    "Time spent posting a transaction including retries.",
			Buckets: prometheus.DefBuckets,
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_status_transitions_total",
			Help: "Workflow transitions applied to transactions.",
		}, []string{"from", "to"}),
		stalePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_pending_stale",
			Help: "Pending transactions older than the staleness threshold at the last scan.",
		}),
	}
	registerer.MustRegister(m.postings, m.retries, m.duration, m.transitions, m.stalePending)
	return m
}

func (m *Metrics) observePosting(result string, started time.Time) {
	if m == nil {
		return
	}
	m.postings.WithLabelValues(result).Inc()
	m.duration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) incRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) transition(from, to Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// SetStalePending records the last stale-pending count.
func (m *Metrics) SetStalePending(count int) {
	if m == nil {
		return
	}
	m.stalePending.Set(float64(count))
}
