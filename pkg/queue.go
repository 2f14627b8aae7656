package pkg

import (
	"sync"
	"time"
)

const DefaultQueueCapacity = 256

// Eviction records the message dropped to make room for a newer one.
type Eviction struct {
	Sequence uint64
}

// Queue is a fixed-capacity FIFO ring of messages. When full, Push drops the
// oldest entry. A queue has exactly one consumer.
type Queue struct {
	lock    sync.Mutex
	ring    []*Message
	head    int
	size    int
	evicted uint64
	ready   chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}

	return &Queue{
		lock:   sync.Mutex{},
		ring:   make([]*Message, capacity),
		ready:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Push appends message, evicting the oldest entry first when the queue is at
// capacity. It returns the eviction, if any.
func (q *Queue) Push(message *Message) *Eviction {
	q.lock.Lock()

	var eviction *Eviction
	if q.size == len(q.ring) {
		oldest := q.ring[q.head]
		q.ring[q.head] = nil
		q.head = (q.head + 1) % len(q.ring)
		q.size--
		q.evicted++
		eviction = &Eviction{Sequence: oldest.Sequence}
	}

	q.ring[(q.head+q.size)%len(q.ring)] = message
	q.size++
	q.lock.Unlock()

	q.wake()

	return eviction
}

// Pop removes and returns the oldest message, waiting up to timeout for one
// to arrive. It returns ErrTimedOut when the queue stays empty and
// ErrQueueClosed once Close has been called.
func (q *Queue) Pop(timeout time.Duration) (*Message, error) {
	select {
	case <-q.closed:
		return nil, ErrQueueClosed
	default:
	}

	if message := q.tryPop(); message != nil {
		return message, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-q.closed:
			return nil, ErrQueueClosed
		case <-q.ready:
			if message := q.tryPop(); message != nil {
				return message, nil
			}
		case <-timer.C:
			if message := q.tryPop(); message != nil {
				return message, nil
			}
			return nil, ErrTimedOut
		}
	}
}

func (q *Queue) tryPop() *Message {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.size == 0 {
		return nil
	}

	message := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % len(q.ring)
	q.size--

	return message
}

// Snapshot returns the buffered messages, oldest first, without consuming them.
func (q *Queue) Snapshot() []*Message {
	q.lock.Lock()
	defer q.lock.Unlock()

	messages := make([]*Message, 0, q.size)
	for i := 0; i < q.size; i++ {
		messages = append(messages, q.ring[(q.head+i)%len(q.ring)])
	}

	return messages
}

// Clear drops every buffered message and returns how many were dropped.
func (q *Queue) Clear() int {
	q.lock.Lock()
	defer q.lock.Unlock()

	dropped := q.size
	for i := range q.ring {
		q.ring[i] = nil
	}
	q.head = 0
	q.size = 0

	return dropped
}

func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

func (q *Queue) Cap() int {
	return len(q.ring)
}

// Evicted returns the number of messages dropped by overwrite-oldest.
func (q *Queue) Evicted() uint64 {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.evicted
}

// Close releases a consumer blocked in Pop. Buffered messages are dropped.
func (q *Queue) Close() int {
	q.once.Do(func() { close(q.closed) })
	return q.Clear()
}

// wake unblocks a waiting Pop without blocking the caller.
func (q *Queue) wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
