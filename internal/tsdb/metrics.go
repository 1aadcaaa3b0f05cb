package tsdb

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics for the time-series store.
type Metrics struct {
	SamplesWritten prometheus.Counter
	InsertErrors   prometheus.Counter
	InsertDuration prometheus.Histogram
}

// NewMetrics creates the store metrics and registers them when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SamplesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_tsdb_samples_written_total",
			Help: "Traffic samples written to ClickHouse.",
		}),
		InsertErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_tsdb_insert_errors_total",
			Help: "Failed ClickHouse insert batches.",
		}),
		InsertDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetwatch_tsdb_insert_duration_seconds",
			Help:    "ClickHouse insert batch duration.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.SamplesWritten, m.InsertErrors, m.InsertDuration)
	}
	return m
}
