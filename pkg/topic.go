package pkg

import (
	"sort"
	"sync"
	"time"
)

// Topic owns the live subscriptions for one name and its sequence counter.
type Topic struct {
	lock          sync.RWMutex
	name          string
	created       time.Time
	sequence      uint64
	declared      bool
	removed       bool
	subscriptions map[string]*Subscription
}

func newTopic(name string) *Topic {
	return &Topic{
		lock:          sync.RWMutex{},
		name:          name,
		created:       time.Now(),
		subscriptions: make(map[string]*Subscription),
	}
}

func (t *Topic) Name() string {
	return t.name
}

// Sequence returns the sequence number of the last message published.
func (t *Topic) Sequence() uint64 {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.sequence
}

func (t *Topic) Subscriptions() []*Subscription {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.snapshot()
}

func (t *Topic) snapshot() []*Subscription {
	subscriptions := make([]*Subscription, 0, len(t.subscriptions))
	for _, s := range t.subscriptions {
		subscriptions = append(subscriptions, s)
	}
	sort.Slice(subscriptions, func(i, j int) bool {
		return subscriptions[i].subscriber < subscriptions[j].subscriber
	})
	return subscriptions
}

// Registry maps topic names to their subscriptions. Lock order is registry
// then topic.
type Registry struct {
	lock   sync.RWMutex
	topics map[string]*Topic
}

func NewRegistry() *Registry {
	return &Registry{
		lock:   sync.RWMutex{},
		topics: make(map[string]*Topic),
	}
}

func (r *Registry) GetTopic(name string) *Topic {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.topics[name]
}

// EnsureTopic returns the topic, creating it if absent.
func (r *Registry) EnsureTopic(name string) *Topic {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.ensureTopic(name)
}

func (r *Registry) ensureTopic(name string) *Topic {
	if topic, ok := r.topics[name]; ok {
		return topic
	}

	topic := newTopic(name)
	r.topics[name] = topic

	return topic
}

// DeclareTopic creates the topic and pins it so it is never removed for
// being empty.
func (r *Registry) DeclareTopic(name string) *Topic {
	r.lock.Lock()
	defer r.lock.Unlock()

	topic := r.ensureTopic(name)
	topic.lock.Lock()
	topic.declared = true
	topic.lock.Unlock()

	return topic
}

// AddSubscription binds s to its topic. When create is false the topic must
// already exist.
func (r *Registry) AddSubscription(s *Subscription, create bool) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	topic, ok := r.topics[s.topic]
	if !ok {
		if !create {
			return ErrUnknownTopic
		}
		topic = r.ensureTopic(s.topic)
	}

	topic.lock.Lock()
	defer topic.lock.Unlock()

	if _, ok := topic.subscriptions[s.subscriber]; ok {
		return ErrDuplicateSubscription
	}
	topic.subscriptions[s.subscriber] = s

	return nil
}

// SubscribersOf returns a snapshot of the topic's subscriptions.
func (r *Registry) SubscribersOf(name string) []*Subscription {
	topic := r.GetTopic(name)
	if topic == nil {
		return nil
	}
	return topic.Subscriptions()
}

// RemoveSubscriber unbinds subscriber from the topic and closes its
// subscription without draining, so the worker exits. Unknown names are a
// no-op.
func (r *Registry) RemoveSubscriber(name, subscriber string) bool {
	s := r.removeSubscription(name, subscriber, nil)
	if s == nil {
		return false
	}

	discarded := s.close()
	s.broker.emit(Event{
		Type:       EventTypeUnsubscribe,
		Topic:      s.topic,
		Subscriber: s.subscriber,
		Count:      discarded,
	})

	if s.broker.options.EphemeralTopics {
		r.RemoveTopicIfEmpty(name)
	}

	return true
}

// removeSubscription removes the binding only if it still refers to want, so a
// stale handle never unbinds a newer subscription with the same identity. It
// returns the removed subscription.
func (r *Registry) removeSubscription(name, subscriber string, want *Subscription) *Subscription {
	topic := r.GetTopic(name)
	if topic == nil {
		return nil
	}

	topic.lock.Lock()
	defer topic.lock.Unlock()

	s, ok := topic.subscriptions[subscriber]
	if !ok || (want != nil && s != want) {
		return nil
	}
	delete(topic.subscriptions, subscriber)

	return s
}

// RemoveTopicIfEmpty deletes an undeclared topic with no subscriptions.
func (r *Registry) RemoveTopicIfEmpty(name string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	topic, ok := r.topics[name]
	if !ok {
		return false
	}

	topic.lock.Lock()
	defer topic.lock.Unlock()

	if topic.declared || len(topic.subscriptions) > 0 {
		return false
	}
	topic.removed = true
	delete(r.topics, name)

	return true
}

// Topics returns every registered topic ordered by name.
func (r *Registry) Topics() []*Topic {
	r.lock.RLock()
	defer r.lock.RUnlock()

	topics := make([]*Topic, 0, len(r.topics))
	for _, topic := range r.topics {
		topics = append(topics, topic)
	}
	sort.Slice(topics, func(i, j int) bool {
		return topics[i].name < topics[j].name
	})

	return topics
}

func (r *Registry) allSubscriptions() []*Subscription {
	var subscriptions []*Subscription
	for _, topic := range r.Topics() {
		subscriptions = append(subscriptions, topic.Subscriptions()...)
	}
	return subscriptions
}
