package alert

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Fired        *prometheus.CounterVec
	Cleared      prometheus.Counter
	Deduplicated prometheus.Counter
	StoreErrors  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Fired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_alerts_fired_total",
			Help: "Alerts opened by this instance, by severity.",
		}, []string{"severity"}),
		Cleared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_alerts_cleared_total",
			Help: "Alerts auto-acknowledged after their condition cleared.",
		}),
		Deduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_alerts_deduplicated_total",
			Help: "Alert inserts suppressed because another instance already opened the alert.",
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_alert_store_errors_total",
			Help: "Failed alert store operations.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Fired, m.Cleared, m.Deduplicated, m.StoreErrors)
	}
	return m
}
