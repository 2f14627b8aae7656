package archive

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/mtaylor91/event-relay/pkg"
)

var ErrSinkClosed = errors.New("archive: sink closed")

type Options struct {
	// BatchSize seals a batch once it holds this many records.
	BatchSize int
	// FlushInterval seals a non-empty batch once its oldest record is this
	// old. Zero disables the time window.
	FlushInterval time.Duration
	// MaxRetries bounds the retries after the first failed upload.
	MaxRetries    uint64
	RetryInitial  time.Duration
	RetryMax      time.Duration
	UploadTimeout time.Duration
	// Pending bounds the sealed batches waiting for the uploader.
	Pending int
}

func DefaultOptions() Options {
	return Options{
		BatchSize:     10,
		FlushInterval: 30 * time.Second,
		MaxRetries:    3,
		RetryInitial:  500 * time.Millisecond,
		RetryMax:      10 * time.Second,
		UploadTimeout: 30 * time.Second,
		Pending:       16,
	}
}

type buffer struct {
	records []Record
	oldest  time.Time
}

// Sink is a subscriber that batches messages per topic and uploads sealed
// batches on its own goroutine. Archival is at-most-once: a batch whose
// retries are exhausted is reported on Failures and dropped.
type Sink struct {
	lock     sync.Mutex
	uploader Uploader
	options  Options
	buffers  map[string]*buffer
	closed   bool
	sending  sync.RWMutex
	stopped  bool
	batches  chan *Batch
	failures chan *UploadError
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewSink(uploader Uploader, options Options) *Sink {
	defaults := DefaultOptions()
	if options.BatchSize <= 0 {
		options.BatchSize = defaults.BatchSize
	}
	if options.RetryInitial <= 0 {
		options.RetryInitial = defaults.RetryInitial
	}
	if options.RetryMax <= 0 {
		options.RetryMax = defaults.RetryMax
	}
	if options.UploadTimeout <= 0 {
		options.UploadTimeout = defaults.UploadTimeout
	}
	if options.Pending <= 0 {
		options.Pending = defaults.Pending
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Sink{
		lock:     sync.Mutex{},
		sending:  sync.RWMutex{},
		uploader: uploader,
		options:  options,
		buffers:  make(map[string]*buffer),
		batches:  make(chan *Batch, options.Pending),
		failures: make(chan *UploadError, options.Pending),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go s.upload()

	return s
}

// Failures reports batches dropped after exhausting their retries. Reports
// are discarded when nobody keeps up with the channel.
func (s *Sink) Failures() <-chan *UploadError {
	return s.failures
}

// Buffered returns the number of records not yet sealed into a batch.
func (s *Sink) Buffered() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	count := 0
	for _, b := range s.buffers {
		count += len(b.records)
	}

	return count
}

// Deliver is the sink's pkg.DeliveryFunc.
func (s *Sink) Deliver(ctx context.Context, message *pkg.Message) error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return ErrSinkClosed
	}

	b, ok := s.buffers[message.Topic]
	if !ok {
		b = &buffer{}
		s.buffers[message.Topic] = b
	}
	if len(b.records) == 0 {
		b.oldest = time.Now()
	}
	b.records = append(b.records, newRecord(message))
	ArchiveBufferedGauge.Inc()

	var batch *Batch
	if len(b.records) >= s.options.BatchSize {
		batch = s.seal(message.Topic, b)
	}
	s.lock.Unlock()

	if batch == nil {
		return nil
	}

	return s.enqueue(ctx, batch)
}

// Flush seals every non-empty buffer and queues it for upload.
func (s *Sink) Flush(ctx context.Context) error {
	return s.flush(ctx, func(*buffer) bool { return true })
}

// flushExpired seals buffers whose oldest record is older than the window.
func (s *Sink) flushExpired(ctx context.Context, now time.Time) error {
	return s.flush(ctx, func(b *buffer) bool {
		return now.Sub(b.oldest) >= s.options.FlushInterval
	})
}

func (s *Sink) flush(ctx context.Context, due func(*buffer) bool) error {
	s.lock.Lock()
	var batches []*Batch
	for topic, b := range s.buffers {
		if len(b.records) > 0 && due(b) {
			batches = append(batches, s.seal(topic, b))
		}
	}
	s.lock.Unlock()

	// Every batch ends up queued or reported.
	var first error
	for _, batch := range batches {
		if err := s.enqueue(ctx, batch); err != nil && first == nil {
			first = err
		}
	}

	return first
}

func (s *Sink) seal(topic string, b *buffer) *Batch {
	batch := &Batch{
		ID:      uuid.New(),
		Topic:   topic,
		Sealed:  time.Now(),
		Records: b.records,
	}
	b.records = nil
	ArchiveBufferedGauge.Sub(float64(batch.Len()))
	return batch
}

func (s *Sink) enqueue(ctx context.Context, batch *Batch) error {
	s.sending.RLock()
	defer s.sending.RUnlock()

	if s.stopped {
		s.report(&UploadError{Batch: batch, Err: ErrSinkClosed})
		return ErrSinkClosed
	}

	select {
	case s.batches <- batch:
		return nil
	case <-ctx.Done():
		s.report(&UploadError{Batch: batch, Err: ctx.Err()})
		return ctx.Err()
	}
}

// Run seals batches on the time window until ctx is done.
func (s *Sink) Run(ctx context.Context) error {
	if s.options.FlushInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	interval := s.options.FlushInterval / 2
	if interval <= 0 {
		interval = s.options.FlushInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := s.flushExpired(ctx, now); err != nil {
				return err
			}
		}
	}
}

// Serve lets the sink run under a supervisor.
func (s *Sink) Serve(ctx context.Context) error {
	return s.Run(ctx)
}

// Close flushes buffered records and waits for queued uploads. When ctx
// expires first, in-flight retries are abandoned.
func (s *Sink) Close(ctx context.Context) error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	s.lock.Unlock()

	err := s.Flush(ctx)

	s.sending.Lock()
	s.stopped = true
	close(s.batches)
	s.sending.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		s.cancel()
		<-s.done
		if err == nil {
			err = ctx.Err()
		}
	}

	s.cancel()

	return err
}

func (s *Sink) upload() {
	defer close(s.done)

	for batch := range s.batches {
		s.uploadBatch(batch)
	}
}

func (s *Sink) uploadBatch(batch *Batch) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.options.RetryInitial
	policy.MaxInterval = s.options.RetryMax
	policy.MaxElapsedTime = 0

	attempts := 0
	operation := func() error {
		attempts++
		ArchiveUploadAttemptsCounter.WithLabelValues(batch.Topic).Inc()

		ctx, cancel := context.WithTimeout(s.ctx, s.options.UploadTimeout)
		defer cancel()

		return s.uploader.Upload(ctx, batch)
	}

	retry := backoff.WithContext(
		backoff.WithMaxRetries(policy, s.options.MaxRetries), s.ctx)

	err := backoff.RetryNotify(operation, retry, func(err error, wait time.Duration) {
		log.WithFields(log.Fields{
			"topic": batch.Topic,
			"batch": batch.ID,
			"retry": wait,
		}).Warn("Archive upload failed: ", err)
	})
	if err != nil {
		s.report(&UploadError{Batch: batch, Attempts: attempts, Err: err})
		return
	}

	ArchiveBatchesCounter.WithLabelValues(batch.Topic, "uploaded").Inc()

	log.WithFields(log.Fields{
		"topic":    batch.Topic,
		"batch":    batch.ID,
		"records":  batch.Len(),
		"attempts": attempts,
	}).Debug("Archived batch")
}

func (s *Sink) report(failure *UploadError) {
	ArchiveBatchesCounter.WithLabelValues(failure.Batch.Topic, "failed").Inc()

	log.WithFields(log.Fields{
		"topic":   failure.Batch.Topic,
		"batch":   failure.Batch.ID,
		"records": failure.Batch.Len(),
	}).Error("Dropped archive batch: ", failure.Err)

	select {
	case s.failures <- failure:
	default:
	}
}
