package pkg

import (
	"time"
)

// Message is an immutable payload relayed through a topic. Once published it
// is shared read-only by every subscription the topic fans out to.
type Message struct {
	Topic     string
	Sequence  uint64
	Timestamp time.Time
	Payload   []byte
}

func newMessage(topic string, sequence uint64, payload []byte) *Message {
	data := make([]byte, len(payload))
	copy(data, payload)

	return &Message{
		Topic:     topic,
		Sequence:  sequence,
		Timestamp: time.Now(),
		Payload:   data,
	}
}
