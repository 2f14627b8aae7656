package pkg

import (
	"time"

	log "github.com/sirupsen/logrus"
)

type EventType string

const (
	EventTypeEnqueue         EventType = "enqueue"
	EventTypeEvict           EventType = "evict"
	EventTypeDrop            EventType = "drop"
	EventTypeDeliver         EventType = "deliver"
	EventTypeDeliveryFailure EventType = "delivery_failure"
	EventTypeSubscribe       EventType = "subscribe"
	EventTypeUnsubscribe     EventType = "unsubscribe"
	EventTypeDrainExpired    EventType = "drain_expired"
	EventTypeClosed          EventType = "closed"
)

// Event is a structured observability record emitted by the broker.
type Event struct {
	Type       EventType
	Time       time.Time
	Topic      string
	Subscriber string
	Sequence   uint64
	Count      int
	Err        error
}

// EventSink receives broker events. Emit is called on the publish and
// delivery paths and must not block.
type EventSink interface {
	Emit(event Event)
}

type NopSink struct{}

func (NopSink) Emit(Event) {}

// MultiSink forwards every event to each of its sinks in order.
type MultiSink []EventSink

func (m MultiSink) Emit(event Event) {
	for _, sink := range m {
		sink.Emit(event)
	}
}

// LogSink writes events to a logrus logger. Per-message events go to debug,
// lifecycle events to info and failures to warn.
type LogSink struct {
	Logger log.FieldLogger
}

func NewLogSink(logger log.FieldLogger) *LogSink {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) Emit(event Event) {
	fields := log.Fields{
		"event": event.Type,
		"topic": event.Topic,
	}
	if event.Subscriber != "" {
		fields["subscriber"] = event.Subscriber
	}
	if event.Sequence != 0 {
		fields["sequence"] = event.Sequence
	}
	if event.Count != 0 {
		fields["count"] = event.Count
	}

	entry := s.Logger.WithFields(fields)

	switch event.Type {
	case EventTypeDeliveryFailure, EventTypeDrainExpired:
		entry.WithError(event.Err).Warn("Relay event")
	case EventTypeSubscribe, EventTypeUnsubscribe, EventTypeClosed:
		entry.Info("Relay event")
	default:
		entry.Debug("Relay event")
	}
}

// MetricsSink maps events onto the relay's Prometheus collectors.
type MetricsSink struct{}

func (MetricsSink) Emit(event Event) {
	switch event.Type {
	case EventTypeEnqueue:
		RelayEnqueuedCounter.WithLabelValues(event.Topic).Inc()
	case EventTypeEvict:
		RelayEvictedCounter.WithLabelValues(event.Topic).Inc()
	case EventTypeDrop:
		RelayDroppedCounter.WithLabelValues(event.Topic).Inc()
	case EventTypeDeliver:
		RelayDeliveriesCounter.WithLabelValues(event.Topic, "success").Inc()
	case EventTypeDeliveryFailure:
		RelayDeliveriesCounter.WithLabelValues(event.Topic, "failure").Inc()
	case EventTypeSubscribe:
		RelaySubscriptionsGauge.Inc()
	case EventTypeClosed:
		RelaySubscriptionsGauge.Dec()
	case EventTypeDrainExpired:
		RelayDrainExpiredCounter.WithLabelValues(event.Topic).Add(float64(event.Count))
	}
}
