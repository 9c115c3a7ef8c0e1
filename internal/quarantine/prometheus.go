package quarantine

import "github.com/prometheus/client_golang/prometheus"

type promMetrics struct {
	matches  *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	disabled prometheus.Gauge
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	m := &promMetrics{
		matches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptpilot_pattern_matches_total",
				Help: "Number of scans in which the pattern matched",
			},
			[]string{"pattern"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptpilot_pattern_errors_total",
				Help: "Number of failed pattern evaluations",
			},
			[]string{"pattern"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "promptpilot_pattern_eval_seconds",
				Help:    "Time spent evaluating one pattern",
				Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1},
			},
			[]string{"pattern"},
		),
		disabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "promptpilot_patterns_disabled",
			Help: "Number of quarantined patterns",
		}),
	}
	reg.MustRegister(m.matches, m.errors, m.duration, m.disabled)
	return m
}
