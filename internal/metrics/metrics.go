// Package metrics holds the process-wide Prometheus collectors for the
// outbound delivery and queue subsystems, registered via promauto the way
// internal/ratelimit registers its own pacing collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailserver_messages_sent_total",
		Help: "Total number of messages sent successfully",
	})

	MessagesBounced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailserver_messages_bounced_total",
		Help: "Total number of messages that bounced",
	})

	MessagesQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailserver_messages_queued_total",
		Help: "Total number of messages queued for delivery",
	})

	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailserver_delivery_duration_seconds",
		Help:    "Time taken to deliver messages",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
	})

	DeliveryRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailserver_delivery_retries_total",
		Help: "Total number of delivery retry attempts",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailserver_queue_depth",
		Help: "Current number of messages in the delivery queue",
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailserver_errors_total",
		Help: "Total errors by component",
	}, []string{"component", "type"})
)

// RecordDelivery records a delivery attempt with its duration
func RecordDelivery(success bool, durationSeconds float64) {
	DeliveryDuration.Observe(durationSeconds)
	if success {
		MessagesSent.Inc()
	}
}

// RecordError records an error
func RecordError(component, errorType string) {
	Errors.WithLabelValues(component, errorType).Inc()
}
