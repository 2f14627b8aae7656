package pkg

import (
	"context"
	"fmt"
	"time"
)

// run is the fan-out worker. It drains the queue into the delivery callback
// until the subscription reaches CLOSED.
func (s *Subscription) run() {
	defer s.finish()

	poll := s.broker.options.PollInterval

	for {
		switch s.State() {
		case StateClosed:
			return
		case StateDraining:
			if s.queue.Len() == 0 {
				s.close()
				return
			}
			if s.drainExpired(time.Now()) {
				dropped := s.close()
				s.broker.emit(Event{
					Type:       EventTypeDrainExpired,
					Topic:      s.topic,
					Subscriber: s.subscriber,
					Count:      dropped,
					Err:        context.DeadlineExceeded,
				})
				return
			}
		}

		message, err := s.queue.Pop(poll)
		if err != nil {
			// ErrTimedOut re-checks state, ErrQueueClosed means CLOSED.
			continue
		}

		s.deliverMessage(message)
	}
}

func (s *Subscription) deliverMessage(message *Message) {
	ctx, cancel := context.WithTimeout(context.Background(),
		s.broker.options.DeliveryTimeout)
	err := s.invoke(ctx, message)
	cancel()

	if err != nil {
		s.failed.Add(1)
		s.broker.emit(Event{
			Type:       EventTypeDeliveryFailure,
			Topic:      s.topic,
			Subscriber: s.subscriber,
			Sequence:   message.Sequence,
			Err: &DeliveryError{
				Topic:      s.topic,
				Subscriber: s.subscriber,
				Sequence:   message.Sequence,
				Err:        err,
			},
		})
		return
	}

	s.delivered.Add(1)
	s.broker.emit(Event{
		Type:       EventTypeDeliver,
		Topic:      s.topic,
		Subscriber: s.subscriber,
		Sequence:   message.Sequence,
	})
}

// invoke calls the delivery callback, turning a panic into an error.
func (s *Subscription) invoke(ctx context.Context, message *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery callback panicked: %v", r)
		}
	}()

	return s.deliver(ctx, message)
}

func (s *Subscription) finish() {
	close(s.done)
	s.broker.release(s)
}
