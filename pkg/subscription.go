package pkg

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type State int32

const (
	StateActive State = iota
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DeliveryFunc hands a message to a subscriber. The context carries the
// broker's delivery timeout and implementations must honour it.
type DeliveryFunc func(ctx context.Context, message *Message) error

// Subscription binds a subscriber to a topic. It owns one queue and one
// fan-out worker for its whole lifetime.
type Subscription struct {
	broker     *Broker
	uuid       uuid.UUID
	topic      string
	subscriber string
	queue      *Queue
	deliver    DeliveryFunc
	created    time.Time
	state      atomic.Int32
	deadline   atomic.Int64
	delivered  atomic.Uint64
	failed     atomic.Uint64
	done       chan struct{}
}

func newSubscription(
	broker *Broker,
	topic string,
	subscriber string,
	deliver DeliveryFunc,
) *Subscription {
	return &Subscription{
		broker:     broker,
		uuid:       uuid.New(),
		topic:      topic,
		subscriber: subscriber,
		queue:      NewQueue(broker.options.QueueCapacity),
		deliver:    deliver,
		created:    time.Now(),
		done:       make(chan struct{}),
	}
}

func (s *Subscription) ID() uuid.UUID {
	return s.uuid
}

func (s *Subscription) Topic() string {
	return s.topic
}

func (s *Subscription) Subscriber() string {
	return s.subscriber
}

func (s *Subscription) State() State {
	return State(s.state.Load())
}

// Pending returns the number of messages waiting in the queue.
func (s *Subscription) Pending() int {
	return s.queue.Len()
}

func (s *Subscription) Evicted() uint64 {
	return s.queue.Evicted()
}

func (s *Subscription) Delivered() uint64 {
	return s.delivered.Load()
}

func (s *Subscription) Failed() uint64 {
	return s.failed.Load()
}

// Done is closed once the subscription's worker has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// push enqueues message while the subscription is active.
func (s *Subscription) push(message *Message) (*Eviction, bool) {
	if s.State() != StateActive {
		return nil, false
	}
	return s.queue.Push(message), true
}

// drain stops accepting messages and lets the worker empty the queue until
// deadline.
func (s *Subscription) drain(deadline time.Time) {
	s.deadline.Store(deadline.UnixNano())
	if s.state.CompareAndSwap(int32(StateActive), int32(StateDraining)) {
		s.queue.wake()
	}
}

// close moves the subscription to CLOSED and returns the number of buffered
// messages it discarded.
func (s *Subscription) close() int {
	s.state.Store(int32(StateClosed))
	return s.queue.Close()
}

func (s *Subscription) drainExpired(now time.Time) bool {
	return now.UnixNano() >= s.deadline.Load()
}

func (s *Subscription) info() SubscriptionInfo {
	return SubscriptionInfo{
		ID:         s.uuid.String(),
		Subscriber: s.subscriber,
		State:      s.State().String(),
		Pending:    s.queue.Len(),
		Capacity:   s.queue.Cap(),
		Evicted:    s.queue.Evicted(),
		Delivered:  s.delivered.Load(),
		Failed:     s.failed.Load(),
		Created:    s.created,
	}
}
