package pkg

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownTopic          = errors.New("relay: unknown topic")
	ErrDuplicateSubscription = errors.New("relay: subscriber already subscribed to topic")
	ErrShutdown              = errors.New("relay: shutdown in progress")
	ErrNotSubscribed         = errors.New("relay: subscription is not active")
	ErrEmptyTopic            = errors.New("relay: topic name must not be empty")
	ErrEmptySubscriber       = errors.New("relay: subscriber id must not be empty")
	ErrTimedOut              = errors.New("relay: timed out waiting for message")
	ErrQueueClosed           = errors.New("relay: queue closed")
)

// DeliveryError describes a failed delivery callback. It is reported to the
// event sink and never returned to producers.
type DeliveryError struct {
	Topic      string
	Subscriber string
	Sequence   uint64
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of %s#%d to %s failed: %v",
		e.Topic, e.Sequence, e.Subscriber, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
