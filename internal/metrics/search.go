package metrics

import "github.com/prometheus/client_golang/prometheus"

// Search and job Prometheus metrics.
var (
	SearchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "knowd",
			Name:      "search_requests_total",
			Help:      "Total number of search requests",
		},
		[]string{"mode", "status"},
	)

	SearchRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "knowd",
			Name:      "search_request_duration_seconds",
			Help:      "Search request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"mode"},
	)

	SearchDegradedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "knowd",
			Name:      "search_degraded_total",
			Help:      "Semantic searches that returned empty results after a vector backend failure",
		},
	)

	JobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "knowd",
			Name:      "jobs_active",
			Help:      "Jobs currently in a non-terminal state",
		},
	)

	JobsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "knowd",
			Name:      "jobs_swept_total",
			Help:      "Terminal jobs removed by the retention sweeper",
		},
	)
)

var searchMetricsRegistered bool

// RegisterSearchMetrics registers Prometheus search and job metrics. Must be called once from main.
func RegisterSearchMetrics() {
	if searchMetricsRegistered {
		return
	}
	prometheus.MustRegister(SearchRequestsTotal)
	prometheus.MustRegister(SearchRequestDuration)
	prometheus.MustRegister(SearchDegradedTotal)
	prometheus.MustRegister(JobsActive)
	prometheus.MustRegister(JobsSweptTotal)
	searchMetricsRegistered = true
}
