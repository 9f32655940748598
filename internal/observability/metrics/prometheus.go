package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Buckets for transport delivery duration (5ms to 30s)
	durationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

	// NotificationsEnqueued counts requests accepted by QueueEmail.
	NotificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medinotify_notifications_enqueued_total",
			Help: "Total number of notification requests accepted onto the dispatch queue, by kind.",
		},
		[]string{"kind"},
	)

	// DeliveryAttempts counts transport attempts by outcome.
	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medinotify_delivery_attempts_total",
			Help: "Total number of delivery attempts, by kind and result.",
		},
		[]string{"kind", "result"}, // result: sent, failed, retry
	)

	// DeliveryDuration measures how long the transport took per attempt.
	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medinotify_delivery_duration_seconds",
			Help:    "Histogram of transport delivery duration in seconds, by success status.",
			Buckets: durationBuckets,
		},
		[]string{"success"},
	)

	// QueueDepth reports how many items the in-process dispatcher holds.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "medinotify_queue_depth",
			Help: "Number of notification requests waiting in the in-process dispatch queue.",
		},
	)

	// ConfigReloads counts transport reconfiguration attempts.
	ConfigReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medinotify_transport_config_reloads_total",
			Help: "Total number of transport reconfiguration attempts, by result.",
		},
		[]string{"result"}, // result: applied, rejected
	)

	// DeliveriesStranded counts attempts that ended with the record's outcome
	// unwritten, leaving it pending with nothing scheduled to retry it.
	DeliveriesStranded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medinotify_deliveries_stranded_total",
			Help: "Total number of delivery attempts whose record could not be loaded or updated and stays pending.",
		},
	)

	// RecordsPruned counts delivery records removed by retention.
	RecordsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medinotify_delivery_records_pruned_total",
			Help: "Total number of terminal delivery records removed by the retention sweeper.",
		},
	)
)

// MetricsHandler returns the HTTP handler for the Prometheus metrics endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ObserveDelivery records one transport attempt.
func ObserveDelivery(kind, result string, success bool, start time.Time) {
	successStr := "false"
	if success {
		successStr = "true"
	}
	DeliveryAttempts.WithLabelValues(kind, result).Inc()
	DeliveryDuration.WithLabelValues(successStr).Observe(time.Since(start).Seconds())
}
