// Package archive batches relayed messages and hands them to durable storage.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/mtaylor91/event-relay/pkg"
)

// Record is the archived form of one relayed message.
type Record struct {
	Topic     string          `json:"topic"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func newRecord(message *pkg.Message) Record {
	var payload json.RawMessage
	if len(message.Payload) > 0 && json.Valid(message.Payload) {
		payload = append(payload, message.Payload...)
	} else {
		payload, _ = json.Marshal(string(message.Payload))
	}

	return Record{
		Topic:     message.Topic,
		Sequence:  message.Sequence,
		Timestamp: message.Timestamp,
		Payload:   payload,
	}
}

// Batch is a sealed group of records from one topic, uploaded as a unit.
type Batch struct {
	ID      uuid.UUID `json:"id"`
	Topic   string    `json:"topic"`
	Sealed  time.Time `json:"sealed"`
	Records []Record  `json:"records"`
}

func (b *Batch) Len() int {
	return len(b.Records)
}

func (b *Batch) FirstSequence() uint64 {
	if len(b.Records) == 0 {
		return 0
	}
	return b.Records[0].Sequence
}

func (b *Batch) LastSequence() uint64 {
	if len(b.Records) == 0 {
		return 0
	}
	return b.Records[len(b.Records)-1].Sequence
}

// Uploader stores a batch durably.
type Uploader interface {
	Upload(ctx context.Context, batch *Batch) error
}

type UploaderFunc func(ctx context.Context, batch *Batch) error

func (f UploaderFunc) Upload(ctx context.Context, batch *Batch) error {
	return f(ctx, batch)
}

// UploadError reports a batch dropped after its retries were exhausted.
type UploadError struct {
	Batch    *Batch
	Attempts int
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload of %s batch %s (%d records) failed after %d attempts: %v",
		e.Batch.Topic, e.Batch.ID, e.Batch.Len(), e.Attempts, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}
