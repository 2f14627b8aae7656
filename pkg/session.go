package pkg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 16
)

const (
	SessionEventResponse   = "my_response"
	SessionEventEcho       = "my_event"
	SessionEventDelivery   = "ipc_response"
	SessionEventDisconnect = "disconnect_request"
	SessionEventPing       = "ping"
	SessionEventPong       = "pong"
	SessionEventError      = "error"
)

var (
	errSessionClosed       = errors.New("session closed")
	errDisconnectRequested = errors.New("disconnect requested")
)

// Envelope is the JSON frame exchanged with websocket clients.
type Envelope struct {
	Event     string          `json:"event"`
	Topic     string          `json:"topic,omitempty"`
	Sequence  uint64          `json:"sequence,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Session is one websocket connection. It owns exactly one subscription,
// created at connect and removed at disconnect.
type Session struct {
	lock         sync.RWMutex
	uuid         uuid.UUID
	conn         *websocket.Conn
	send         chan []byte
	closing      chan struct{}
	closeOnce    sync.Once
	subscription *Subscription
}

func (s *Session) ID() uuid.UUID {
	return s.uuid
}

func (s *Session) Subscription() *Subscription {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.subscription
}

func (s *Session) setSubscription(subscription *Subscription) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.subscription = subscription
}

// deliver is the subscription's delivery callback. It hands the frame to the
// write pump, giving up when the session closes or ctx expires.
func (s *Session) deliver(ctx context.Context, message *Message) error {
	frame, err := encodeDelivery(message)
	if err != nil {
		return err
	}

	select {
	case s.send <- frame:
		return nil
	case <-s.closing:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reply queues a control frame without waiting on a slow writer.
func (s *Session) reply(envelope *Envelope) {
	frame, err := json.Marshal(envelope)
	if err != nil {
		log.Error("Failed to encode reply: ", err)
		return
	}

	select {
	case s.send <- frame:
	case <-s.closing:
	default:
		log.WithField("session", s.uuid).Warn("Dropped reply to slow session")
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Session) handleMessage(messageData []byte) error {
	var envelope Envelope
	if err := json.Unmarshal(messageData, &envelope); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}

	switch envelope.Event {
	case SessionEventEcho:
		s.reply(&Envelope{Event: SessionEventResponse, Data: envelope.Data})
	case SessionEventPing:
		s.reply(&Envelope{Event: SessionEventPong})
	case SessionEventDisconnect:
		return errDisconnectRequested
	default:
		log.WithFields(log.Fields{
			"session": s.uuid,
			"event":   envelope.Event,
		}).Info("Received message")
	}

	return nil
}

func (s *Session) read() {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Error("Failed to set read deadline: ", err)
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				log.Error("Failed to read message: ", err)
			}
			return
		}

		err = s.handleMessage(message)
		if errors.Is(err, errDisconnectRequested) {
			return
		}
		if err != nil {
			log.WithField("session", s.uuid).Warn("Failed to handle message: ", err)
		}
	}
}

func (s *Session) write() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.TextMessage, message)
			if err != nil {
				log.Error("Failed to write message: ", err)
				s.close()
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}

		case <-s.closing:
			s.flush()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes frames already queued when the session closes.
func (s *Session) flush() {
	for {
		select {
		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func encodeDelivery(message *Message) ([]byte, error) {
	timestamp := message.Timestamp

	envelope := Envelope{
		Event:     SessionEventDelivery,
		Topic:     message.Topic,
		Sequence:  message.Sequence,
		Timestamp: &timestamp,
		Data:      payloadJSON(message.Payload),
	}

	frame, err := json.Marshal(&envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode delivery: %w", err)
	}

	return frame, nil
}

// payloadJSON embeds JSON payloads as-is and anything else as a string.
func payloadJSON(payload []byte) json.RawMessage {
	if len(payload) > 0 && json.Valid(payload) {
		return json.RawMessage(payload)
	}

	encoded, _ := json.Marshal(string(payload))

	return encoded
}

func encodeReply(event string, data interface{}) *Envelope {
	encoded, err := json.Marshal(data)
	if err != nil {
		encoded = nil
	}
	return &Envelope{Event: event, Data: encoded}
}
