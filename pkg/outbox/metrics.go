package outbox

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	appendTotal   *prometheus.CounterVec
	dispatchTotal *prometheus.CounterVec
	deadTotal     *prometheus.CounterVec
	skippedTotal  *prometheus.CounterVec
	cleanupTotal  *prometheus.CounterVec

	handlerLatency *prometheus.HistogramVec

	events *prometheus.GaugeVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		appendTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "append_total",
			Help:      "Total number of events appended.",
		}, []string{"event_type"}),
		dispatchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "handler_dispatch_total",
			Help:      "Total number of handler invocations.",
		}, []string{"event_type", "handler", "result"}),
		deadTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "dead_total",
			Help:      "Total number of events that entered dead state.",
		}, []string{"event_type"}),
		skippedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "run_skipped_total",
			Help:      "Runs skipped because their lock was held elsewhere.",
		}, []string{"lock"}),
		cleanupTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "cleanup_deleted_total",
			Help:      "Rows removed by retention cleanup.",
		}, []string{"kind"}),
		handlerLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "outbox",
			Name:      "handler_latency_seconds",
			Help:      "Latency distribution for handler invocations.",
			Buckets: []float64{
				0.001, 0.002, 0.005,
				0.01, 0.02, 0.05,
				0.1, 0.2, 0.5,
				1, 2, 5, 10,
			},
		}, []string{"event_type", "handler", "result"}),
		events: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "outbox",
			Name:      "events",
			Help:      "Current number of stored events by status.",
		}, []string{"status"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
