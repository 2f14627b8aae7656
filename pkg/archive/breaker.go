package archive

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"
)

type BreakerOptions struct {
	Name string
	// Failures is the number of consecutive failures that opens the breaker.
	Failures uint32
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
}

// BreakerUploader fails fast while the wrapped uploader keeps failing.
type BreakerUploader struct {
	uploader Uploader
	breaker  *gobreaker.CircuitBreaker[struct{}]
}

func NewBreakerUploader(uploader Uploader, options BreakerOptions) *BreakerUploader {
	if options.Name == "" {
		options.Name = "archive"
	}
	if options.Failures == 0 {
		options.Failures = 5
	}
	if options.Timeout <= 0 {
		options.Timeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        options.Name,
		MaxRequests: 1,
		Timeout:     options.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= options.Failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(log.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Archive circuit breaker changed state")
		},
	}

	return &BreakerUploader{
		uploader: uploader,
		breaker:  gobreaker.NewCircuitBreaker[struct{}](settings),
	}
}

func (u *BreakerUploader) Upload(ctx context.Context, batch *Batch) error {
	_, err := u.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, u.uploader.Upload(ctx, batch)
	})
	return err
}

func (u *BreakerUploader) State() string {
	return u.breaker.State().String()
}
