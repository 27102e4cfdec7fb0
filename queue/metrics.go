package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes submitter observability counters.
type Metrics struct {
	Submitted *prometheus.CounterVec
	Depth     *prometheus.GaugeVec
	InFlight  *prometheus.GaugeVec
}

// NewMetrics registers the queue metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Submitted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_queue_submitted_total",
			Help: "Runs submitted to workers, by queue type.",
		}, []string{"queue"}),
		Depth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "docflow_queue_depth",
			Help: "Pending runs awaiting submission, by queue type.",
		}, []string{"queue"}),
		InFlight: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "docflow_queue_in_flight",
			Help: "Submitted plus running runs, by queue type.",
		}, []string{"queue"}),
	}
}
