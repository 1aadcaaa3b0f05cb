package poller

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Polls         *prometheus.CounterVec
	PollFailures  *prometheus.CounterVec
	ProbeFailures prometheus.Counter
	SampleDrops   prometheus.Counter
	Supervisors   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_polls_total",
			Help: "Successful polls, by transport.",
		}, []string{"method"}),
		PollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_poll_failures_total",
			Help: "Failed poll attempts, by transport.",
		}, []string{"method"}),
		ProbeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_probe_failures_total",
			Help: "Reachability probes that failed.",
		}),
		SampleDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_sample_drops_total",
			Help: "Derived samples dropped because the time-series store was unavailable.",
		}),
		Supervisors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetwatch_supervisors",
			Help: "Currently running router supervisors.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Polls, m.PollFailures, m.ProbeFailures, m.SampleDrops, m.Supervisors)
	}
	return m
}
