package pkg

import "github.com/prometheus/client_golang/prometheus"

var (
	EventServerSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "events_server_sessions",
		Help: "A gauge of websocket sessions connected to the events server.",
	})

	EventServerInFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "events_server_in_flight_requests",
		Help: "A gauge of requests being handled by the events server.",
	})

	EventServerRequestsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_server_requests_total",
		Help: "A counter for requests to the events server.",
	}, []string{"code", "method"})

	RelayPublishedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_published_total",
		Help: "A counter for messages published to the relay.",
	}, []string{"topic"})

	RelayEnqueuedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_enqueued_total",
		Help: "A counter for messages pushed into subscription queues.",
	}, []string{"topic"})

	RelayEvictedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_evicted_total",
		Help: "A counter for messages evicted from full subscription queues.",
	}, []string{"topic"})

	RelayDroppedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_dropped_total",
		Help: "A counter for messages published to topics without subscribers.",
	}, []string{"topic"})

	RelayDrainExpiredCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_drain_expired_total",
		Help: "A counter for messages discarded when a drain deadline passed.",
	}, []string{"topic"})

	RelayDeliveriesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "A counter for delivery callback invocations by result.",
	}, []string{"topic", "result"})

	RelaySubscriptionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_subscriptions",
		Help: "A gauge of live relay subscriptions.",
	})
)

func init() {
	prometheus.MustRegister(
		EventServerSessionsGauge,
		EventServerInFlightGauge,
		EventServerRequestsCounter,
		RelayPublishedCounter,
		RelayEnqueuedCounter,
		RelayEvictedCounter,
		RelayDroppedCounter,
		RelayDrainExpiredCounter,
		RelayDeliveriesCounter,
		RelaySubscriptionsGauge,
	)
}
