package hub

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Sessions      prometheus.Gauge
	Pollers       prometheus.Gauge
	Ticks         prometheus.Counter
	TickErrors    prometheus.Counter
	Pauses        prometheus.Counter
	DroppedEvents prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetwatch_rt_sessions",
			Help: "Live real-time subscriptions.",
		}),
		Pollers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetwatch_rt_pollers",
			Help: "Routers currently under real-time polling.",
		}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_rt_ticks_total",
			Help: "Successful real-time poll ticks.",
		}),
		TickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_rt_tick_errors_total",
			Help: "Real-time poll ticks that failed.",
		}),
		Pauses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_rt_pauses_total",
			Help: "Real-time pollers auto-paused at the tick bound.",
		}),
		DroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_rt_dropped_events_total",
			Help: "Events displaced from full session queues.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Sessions, m.Pollers, m.Ticks, m.TickErrors, m.Pauses, m.DroppedEvents)
	}
	return m
}
