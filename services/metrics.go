package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the no-show ledger collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	passes             *prometheus.CounterVec
	passDuration       prometheus.Histogram
	penalties          prometheus.Counter
	recoveries         prometheus.Counter
	recoveredPoints    prometheus.Counter
	skipped            *prometheus.CounterVec
	downstreamFailures *prometheus.CounterVec
}

// NewMetrics registers collectors on reg. A nil reg yields unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		passes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noshow",
			Name:      "passes_total",
			Help:      "No-show passes by outcome.",
		}, []string{"outcome"}),
		passDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "noshow",
			Name:      "pass_duration_seconds",
			Help:      "Wall time of a no-show pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		penalties: f.NewCounter(prometheus.CounterOpts{
			Namespace: "noshow",
			Name:      "penalties_applied_total",
			Help:      "Penalty rows inserted.",
		}),
		recoveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "noshow",
			Name:      "recoveries_applied_total",
			Help:      "Recovery rows inserted.",
		}),
		recoveredPoints: f.NewCounter(prometheus.CounterOpts{
			Namespace: "noshow",
			Name:      "recovered_points_total",
			Help:      "Rating points returned through recoveries.",
		}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noshow",
			Name:      "skipped_total",
			Help:      "Participants skipped by stage and reason.",
		}, []string{"stage", "reason"}),
		downstreamFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noshow",
			Name:      "downstream_failures_total",
			Help:      "Rating-store mutations that failed after the ledger write.",
		}, []string{"field"}),
	}
}

func (m *Metrics) observePass(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(outcome).Inc()
	m.passDuration.Observe(seconds)
}

func (m *Metrics) incPenalty() {
	if m != nil {
		m.penalties.Inc()
	}
}

func (m *Metrics) incRecovery(points int64) {
	if m != nil {
		m.recoveries.Inc()
		m.recoveredPoints.Add(float64(points))
	}
}

func (m *Metrics) incSkip(stage string, reason SkipReason) {
	if m != nil {
		m.skipped.WithLabelValues(stage, string(reason)).Inc()
	}
}

func (m *Metrics) incDownstreamFailure(field string) {
	if m != nil {
		m.downstreamFailures.WithLabelValues(field).Inc()
	}
}
