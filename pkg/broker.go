package pkg

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultPollInterval    = time.Second
	DefaultDeliveryTimeout = 5 * time.Second
	DefaultDrainTimeout    = 5 * time.Second
)

type Options struct {
	// QueueCapacity bounds every subscription queue.
	QueueCapacity int
	// PollInterval bounds how long a worker blocks before re-checking its
	// subscription state.
	PollInterval time.Duration
	// DeliveryTimeout is the deadline given to each delivery callback.
	DeliveryTimeout time.Duration
	// Drain makes Unsubscribe and Shutdown deliver buffered messages before
	// closing, up to DrainTimeout.
	Drain        bool
	DrainTimeout time.Duration
	// Strict rejects publish and subscribe on undeclared topics.
	Strict bool
	// EphemeralTopics removes a topic as soon as its last subscriber leaves.
	EphemeralTopics bool
	Topics          []string
	Sink            EventSink
}

func DefaultOptions() Options {
	return Options{
		QueueCapacity:   DefaultQueueCapacity,
		PollInterval:    DefaultPollInterval,
		DeliveryTimeout: DefaultDeliveryTimeout,
		Drain:           true,
		DrainTimeout:    DefaultDrainTimeout,
		Sink:            NopSink{},
	}
}

// Broker relays published messages to per-subscription queues. Publish only
// enqueues; delivery happens on each subscription's own worker.
type Broker struct {
	lock     sync.RWMutex
	options  Options
	registry *Registry
	closed   bool
	workers  sync.WaitGroup
}

func NewBroker(options Options) *Broker {
	defaults := DefaultOptions()
	if options.QueueCapacity <= 0 {
		options.QueueCapacity = defaults.QueueCapacity
	}
	if options.PollInterval <= 0 {
		options.PollInterval = defaults.PollInterval
	}
	if options.DeliveryTimeout <= 0 {
		options.DeliveryTimeout = defaults.DeliveryTimeout
	}
	if options.DrainTimeout <= 0 {
		options.DrainTimeout = defaults.DrainTimeout
	}
	if options.Sink == nil {
		options.Sink = defaults.Sink
	}

	b := &Broker{
		lock:     sync.RWMutex{},
		options:  options,
		registry: NewRegistry(),
	}

	for _, name := range options.Topics {
		if name != "" {
			b.registry.DeclareTopic(name)
		}
	}

	return b
}

func (b *Broker) Registry() *Registry {
	return b.registry
}

// DeclareTopic creates a topic that outlives its subscribers. In strict mode
// it is the only way to create topics.
func (b *Broker) DeclareTopic(name string) error {
	if name == "" {
		return ErrEmptyTopic
	}

	b.lock.RLock()
	defer b.lock.RUnlock()

	if b.closed {
		return ErrShutdown
	}

	b.registry.DeclareTopic(name)

	return nil
}

// Publish pushes payload into the queue of every active subscription on the
// topic and returns how many queues received it. It never waits for delivery.
func (b *Broker) Publish(name string, payload []byte) (int, error) {
	if name == "" {
		return 0, ErrEmptyTopic
	}

	b.lock.RLock()
	defer b.lock.RUnlock()

	if b.closed {
		return 0, ErrShutdown
	}

	for {
		topic := b.registry.GetTopic(name)
		if topic == nil {
			if b.options.Strict {
				return 0, ErrUnknownTopic
			}
			topic = b.registry.EnsureTopic(name)
		}

		count, ok := b.publish(topic, payload)
		if !ok {
			// Removed between lookup and lock; resolve it again.
			continue
		}

		RelayPublishedCounter.WithLabelValues(name).Inc()

		// Publishers alone never keep a topic alive.
		if count == 0 {
			b.registry.RemoveTopicIfEmpty(name)
		}

		return count, nil
	}
}

func (b *Broker) publish(topic *Topic, payload []byte) (int, bool) {
	topic.lock.Lock()
	defer topic.lock.Unlock()

	if topic.removed {
		return 0, false
	}

	topic.sequence++
	message := newMessage(topic.name, topic.sequence, payload)

	count := 0
	for _, s := range topic.subscriptions {
		eviction, ok := s.push(message)
		if !ok {
			continue
		}
		count++

		b.emit(Event{
			Type:       EventTypeEnqueue,
			Topic:      topic.name,
			Subscriber: s.subscriber,
			Sequence:   message.Sequence,
		})

		if eviction != nil {
			b.emit(Event{
				Type:       EventTypeEvict,
				Topic:      topic.name,
				Subscriber: s.subscriber,
				Sequence:   eviction.Sequence,
			})
		}
	}

	if count == 0 {
		b.emit(Event{
			Type:     EventTypeDrop,
			Topic:    topic.name,
			Sequence: message.Sequence,
		})
	}

	return count, true
}

// Subscribe creates a subscription with a fresh queue and starts its worker.
// Only messages published after Subscribe returns are delivered.
func (b *Broker) Subscribe(
	name string,
	subscriber string,
	deliver DeliveryFunc,
) (*Subscription, error) {
	if name == "" {
		return nil, ErrEmptyTopic
	}
	if subscriber == "" {
		return nil, ErrEmptySubscriber
	}

	b.lock.RLock()
	defer b.lock.RUnlock()

	if b.closed {
		return nil, ErrShutdown
	}

	s := newSubscription(b, name, subscriber, deliver)
	if err := b.registry.AddSubscription(s, !b.options.Strict); err != nil {
		return nil, err
	}

	b.workers.Add(1)
	go s.run()

	b.emit(Event{
		Type:       EventTypeSubscribe,
		Topic:      name,
		Subscriber: subscriber,
	})

	return s, nil
}

// Unsubscribe detaches the subscription and stops its worker, draining the
// queue first when the broker is configured to.
func (b *Broker) Unsubscribe(s *Subscription) error {
	b.lock.RLock()
	defer b.lock.RUnlock()

	if b.closed {
		return ErrShutdown
	}

	return b.unsubscribe(s, b.options.Drain)
}

// Detach unsubscribes without draining. Messages still buffered for the
// subscription are discarded and counted on the unsubscribe event.
func (b *Broker) Detach(s *Subscription) error {
	b.lock.RLock()
	defer b.lock.RUnlock()

	if b.closed {
		return ErrShutdown
	}

	return b.unsubscribe(s, false)
}

func (b *Broker) unsubscribe(s *Subscription, drain bool) error {
	if s == nil || s.broker != b {
		return ErrNotSubscribed
	}
	if b.registry.removeSubscription(s.topic, s.subscriber, s) == nil {
		return ErrNotSubscribed
	}

	var pending int
	if drain {
		s.drain(time.Now().Add(b.options.DrainTimeout))
		pending = s.queue.Len()
	} else {
		pending = s.close()
	}

	b.emit(Event{
		Type:       EventTypeUnsubscribe,
		Topic:      s.topic,
		Subscriber: s.subscriber,
		Count:      pending,
	})

	if b.options.EphemeralTopics {
		b.registry.RemoveTopicIfEmpty(s.topic)
	}

	return nil
}

// release runs on the worker once it has exited.
func (b *Broker) release(s *Subscription) {
	b.emit(Event{
		Type:       EventTypeClosed,
		Topic:      s.topic,
		Subscriber: s.subscriber,
		Count:      int(s.delivered.Load()),
	})

	if !b.options.EphemeralTopics {
		b.registry.RemoveTopicIfEmpty(s.topic)
	}

	b.workers.Done()
}

// Shutdown stops every subscription and waits for the workers to exit. If ctx
// expires first the remaining subscriptions are closed immediately and the
// context error is returned. Calling Shutdown again is a no-op.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return nil
	}
	b.closed = true
	b.lock.Unlock()

	subscriptions := b.registry.allSubscriptions()
	for _, s := range subscriptions {
		_ = b.unsubscribe(s, b.options.Drain)
	}

	done := make(chan struct{})
	go func() {
		b.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, s := range subscriptions {
			s.close()
		}
		return ctx.Err()
	}
}

func (b *Broker) emit(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	b.options.Sink.Emit(event)
}

type SubscriptionInfo struct {
	ID         string    `json:"id"`
	Subscriber string    `json:"subscriber"`
	State      string    `json:"state"`
	Pending    int       `json:"pending"`
	Capacity   int       `json:"capacity"`
	Evicted    uint64    `json:"evicted"`
	Delivered  uint64    `json:"delivered"`
	Failed     uint64    `json:"failed"`
	Created    time.Time `json:"created"`
}

type TopicInfo struct {
	Name          string             `json:"name"`
	Sequence      uint64             `json:"sequence"`
	Created       time.Time          `json:"created"`
	Subscriptions []SubscriptionInfo `json:"subscriptions"`
}

// Topics reports every topic with its subscriptions.
func (b *Broker) Topics() []TopicInfo {
	topics := b.registry.Topics()
	infos := make([]TopicInfo, 0, len(topics))

	for _, topic := range topics {
		topic.lock.RLock()
		info := TopicInfo{
			Name:          topic.name,
			Sequence:      topic.sequence,
			Created:       topic.created,
			Subscriptions: make([]SubscriptionInfo, 0, len(topic.subscriptions)),
		}
		for _, s := range topic.snapshot() {
			info.Subscriptions = append(info.Subscriptions, s.info())
		}
		topic.lock.RUnlock()

		infos = append(infos, info)
	}

	return infos
}
