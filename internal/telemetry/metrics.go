package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batch_jobs_created_total",
		Help: "Batch jobs accepted for processing.",
	})

	JobsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_jobs_finished_total",
		Help: "Batch jobs that reached a terminal state.",
	}, []string{"status"})

	ItemsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_items_processed_total",
		Help: "Batch items by final outcome.",
	}, []string{"outcome"})

	ItemsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "batch_items_in_flight",
		Help: "Items currently being generated.",
	})

	JobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "batch_jobs_active",
		Help: "Jobs this worker is currently driving.",
	})

	ProviderLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_provider_request_seconds",
		Help:    "Latency of generation provider calls.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
	})

	ProviderCost = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batch_provider_cost_dollars_total",
		Help: "Accumulated generation spend in dollars.",
	})

	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batch_rate_limit_rejects_total",
		Help: "Job submissions rejected by the token bucket.",
	})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "batch_dispatch_ready_depth",
		Help: "Jobs waiting in the ready set.",
	})
)

var registerOnce sync.Once

// Register installs the metric set on the default registry. Safe to call
// from both the api and worker mains.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsFinished,
			ItemsProcessed,
			ItemsInFlight,
			JobsActive,
			ProviderLatency,
			ProviderCost,
			RateLimitRejects,
			QueueDepth,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}
