package browse

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects probe and negotiation counters. Construct one per
// registry; tests pass prometheus.NewRegistry() to stay independent.
type Metrics struct {
	probesIssued     prometheus.Counter
	probesSucceeded  prometheus.Counter
	probesFailed     prometheus.Counter
	probesInFlight   prometheus.Gauge
	probePingMS      prometheus.Histogram
	sweepsSettled    prometheus.Counter
	negotiationsDone *prometheus.CounterVec
}

// NewMetrics registers the browse metrics with the given registerer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		probesIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "matchbrowse_probes_issued_total",
			Help: "Beacon probes opened",
		}),
		probesSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "matchbrowse_probes_succeeded_total",
			Help: "Beacon probes that returned a state response",
		}),
		probesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "matchbrowse_probes_failed_total",
			Help: "Beacon probes that failed or timed out",
		}),
		probesInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "matchbrowse_probes_in_flight",
			Help: "Beacon probes currently open",
		}),
		probePingMS: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "matchbrowse_probe_ping_ms",
			Help:    "Measured round-trip time of successful probes",
			Buckets: []float64{10, 25, 50, 75, 100, 150, 250, 500, 1000},
		}),
		sweepsSettled: factory.NewCounter(prometheus.CounterOpts{
			Name: "matchbrowse_sweeps_settled_total",
			Help: "Probe sweeps that ran to completion",
		}),
		negotiationsDone: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matchbrowse_negotiations_total",
			Help: "Join negotiations by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) ProbeIssued() {
	m.probesIssued.Inc()
}

func (m *Metrics) ProbeSucceeded(pingMS int) {
	m.probesSucceeded.Inc()
	m.probePingMS.Observe(float64(pingMS))
}

func (m *Metrics) ProbeFailed() {
	m.probesFailed.Inc()
}

func (m *Metrics) SetProbesInFlight(n int) {
	m.probesInFlight.Set(float64(n))
}

func (m *Metrics) SweepSettled() {
	m.sweepsSettled.Inc()
}

func (m *Metrics) NegotiationFinished(outcome string) {
	m.negotiationsDone.WithLabelValues(outcome).Inc()
}
