package edge

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's prometheus instruments. A nil *Metrics is
// valid everywhere and records nothing.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	AdmissionRejected *prometheus.CounterVec
	AttacksDetected   *prometheus.CounterVec
	BlacklistTotal    prometheus.Counter
	GateRejected      prometheus.Counter
	OpenConnections   prometheus.Gauge
	RequestSeconds    prometheus.Histogram
}

// NewMetrics creates and registers the pipeline instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edge",
			Name:      "requests_total",
			Help:      "Requests completed, by status class.",
		}, []string{"class"}),
		AdmissionRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edge",
			Name:      "admission_rejected_total",
			Help:      "Requests rejected by the admission filter, by reason.",
		}, []string{"reason"}),
		AttacksDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edge",
			Name:      "attacks_detected_total",
			Help:      "Injection attempts detected, by pattern family.",
		}, []string{"family"}),
		BlacklistTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edge",
			Name:      "blacklisted_total",
			Help:      "IPs blacklisted after repeated attacks.",
		}),
		GateRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edge",
			Name:      "gate_rejected_total",
			Help:      "Connections closed by the per-IP gate.",
		}),
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edge",
			Name:      "open_connections",
			Help:      "Connections currently admitted by the gate.",
		}),
		RequestSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "edge",
			Name:      "request_seconds",
			Help:      "Request latency through the pipeline.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.AdmissionRejected, m.AttacksDetected,
		m.BlacklistTotal, m.GateRejected, m.OpenConnections, m.RequestSeconds,
	)
	return m
}
