package asynccmd

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors updated by readers, groups and supervisors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	fetches       *prometheus.CounterVec
	records       *prometheus.CounterVec
	matches       *prometheus.CounterVec
	fetchErrors   *prometheus.CounterVec
	decodeErrors  *prometheus.CounterVec
	readerStops   *prometheus.CounterVec
	sessions      *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asynccmd_fetches_total",
			Help: "The total number of batch fetches per partition",
		}, []string{"partition"}),
		records: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asynccmd_records_read_total",
			Help: "The total number of records read per partition",
		}, []string{"partition"}),
		matches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asynccmd_records_matched_total",
			Help: "The total number of records correlated with a request",
		}, []string{"partition"}),
		fetchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asynccmd_fetch_errors_total",
			Help: "The total number of failed fetches per partition",
		}, []string{"partition"}),
		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asynccmd_decode_errors_total",
			Help: "The total number of correlated records with a malformed payload",
		}, []string{"partition"}),
		readerStops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asynccmd_reader_stops_total",
			Help: "The total number of readers stopped by persistent fetch errors",
		}, []string{"partition"}),
		sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asynccmd_sessions_total",
			Help: "The total number of supervised command sessions by outcome",
		}, []string{"outcome"}),
		fetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asynccmd_fetch_duration_seconds",
			Help:    "Time taken by a single batch fetch",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"partition"}),
	}
}

func (m *Metrics) observeFetch(partitionID string, n int, took time.Duration) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(partitionID).Inc()
	m.records.WithLabelValues(partitionID).Add(float64(n))
	m.fetchDuration.WithLabelValues(partitionID).Observe(took.Seconds())
}

func (m *Metrics) incMatch(partitionID string, decodeFailed bool) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(partitionID).Inc()
	if decodeFailed {
		m.decodeErrors.WithLabelValues(partitionID).Inc()
	}
}

func (m *Metrics) incFetchError(partitionID string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(partitionID).Inc()
}

func (m *Metrics) incReaderStop(partitionID string) {
	if m == nil {
		return
	}
	m.readerStops.WithLabelValues(partitionID).Inc()
}

func (m *Metrics) incSession(outcome State) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(outcome.String()).Inc()
}
