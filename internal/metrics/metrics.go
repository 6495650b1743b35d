package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IntentsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_intents_enqueued_total",
			Help: "Alert intents written to the outbox",
		},
		[]string{"kind"},
	)

	IntentsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_intents_processed_total",
			Help: "Delivery outcomes per claimed intent",
		},
		[]string{"outcome"}, // sent, skipped, retry, failed, stale
	)

	PushMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_push_messages_total",
			Help: "Per-address push results",
		},
		[]string{"provider", "status"},
	)

	DevicesDisabled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alert_devices_disabled_total",
			Help: "Device addresses disabled after a permanent delivery error",
		},
	)

	RepeatChildren = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alert_repeat_children_total",
			Help: "Child intents generated by repeat chains",
		},
	)

	WorkerPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alert_worker_pass_seconds",
			Help:    "Duration of one delivery worker pass",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
	)

	FeedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alert_feed_clients",
			Help: "Connected change feed websocket clients",
		},
	)

	ActiveAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alert_client_active_alerts",
			Help: "Bookings currently alerting on this device",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
