package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/thejerf/suture/v4"
)

// httpService runs an http.Server under the supervisor.
type httpService struct {
	name            string
	server          *http.Server
	shutdownTimeout time.Duration
}

func (s *httpService) Serve(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{
			"service": s.name,
			"addr":    s.server.Addr,
		}).Info("Starting server")

		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		if err != nil {
			return fmt.Errorf("%s failed: %w", s.name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		log.WithField("service", s.name).Info("Shutting down server")
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown failed: %w", s.name, err)
		}

		<-errs
		return ctx.Err()
	}
}

func (s *httpService) String() string {
	return s.name
}

// namedService labels a service in supervisor logs.
type namedService struct {
	name    string
	service suture.Service
}

func (s namedService) Serve(ctx context.Context) error {
	return s.service.Serve(ctx)
}

func (s namedService) String() string {
	return s.name
}

func supervisorHook(event suture.Event) {
	fields := log.Fields{"event": event.Type()}
	for key, value := range event.Map() {
		fields[key] = value
	}

	entry := log.WithFields(fields)
	switch event.Type() {
	case suture.EventTypeServicePanic, suture.EventTypeBackoff:
		entry.Error(event.String())
	case suture.EventTypeResume:
		entry.Info(event.String())
	default:
		entry.Warn(event.String())
	}
}

func newSupervisor(shutdownTimeout time.Duration) *suture.Supervisor {
	return suture.New("event-relay", suture.Spec{
		EventHook: supervisorHook,
		Timeout:   shutdownTimeout,
	})
}
