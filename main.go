package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/mtaylor91/event-relay/pkg"
	"github.com/mtaylor91/event-relay/pkg/archive"
	"github.com/mtaylor91/event-relay/pkg/config"
	"github.com/mtaylor91/event-relay/pkg/ingress"
	"github.com/mtaylor91/event-relay/pkg/producer"
)

func main() {
	flags := pflag.NewFlagSet("event-relay", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to a YAML config file")
	logLevel := flags.String("log-level", "", "override logging.level")
	logFormat := flags.String("log-format", "", "override logging.format (text, json, color)")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if err := config.SetupLogging(cfg.Logging); err != nil {
		log.Fatal("Failed to set up logging: ", err)
	}

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *config.Config) error {
	broker := pkg.NewBroker(pkg.Options{
		QueueCapacity:   cfg.Broker.QueueCapacity,
		PollInterval:    cfg.Broker.PollInterval,
		DeliveryTimeout: cfg.Broker.DeliveryTimeout,
		Drain:           cfg.Broker.Drain,
		DrainTimeout:    cfg.Broker.DrainTimeout,
		Strict:          cfg.Broker.Strict,
		EphemeralTopics: cfg.Broker.EphemeralTopics,
		Topics:          cfg.Broker.Topics,
		Sink: pkg.MultiSink{
			pkg.NewLogSink(log.StandardLogger()),
			pkg.MetricsSink{},
		},
	})

	manager := pkg.NewManager(broker, cfg.Server.PublishRate, cfg.Server.PublishBurst)

	supervisor := newSupervisor(cfg.Server.ShutdownTimeout)

	supervisor.Add(&httpService{
		name: "events-server",
		server: &http.Server{
			Addr: cfg.Server.EventsAddr,
			Handler: promhttp.InstrumentHandlerInFlight(pkg.EventServerInFlightGauge,
				promhttp.InstrumentHandlerCounter(pkg.EventServerRequestsCounter,
					manager.Router())),
		},
		shutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	supervisor.Add(&httpService{
		name: "metrics-server",
		server: &http.Server{
			Addr:    cfg.Server.MetricsAddr,
			Handler: metricsRouter,
		},
		shutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	var embedded *ingress.EmbeddedServer
	ingressURL := cfg.Ingress.URL
	if cfg.Ingress.Enabled && cfg.Ingress.Embedded {
		host, port, err := hostPort(cfg.Ingress.URL)
		if err != nil {
			return err
		}

		embedded, err = ingress.NewEmbeddedServer(host, port)
		if err != nil {
			return err
		}
		defer embedded.Shutdown()

		ingressURL = embedded.ClientURL()
		log.WithField("url", ingressURL).Info("Started embedded NATS server")
	}

	if cfg.Ingress.Enabled {
		routes := make([]ingress.Route, 0, len(cfg.Ingress.Routes))
		for _, route := range cfg.Ingress.Routes {
			routes = append(routes, ingress.Route{Subject: route.Subject, Topic: route.Topic})
		}

		supervisor.Add(namedService{
			name:    "ingress",
			service: ingress.New(ingressURL, routes, broker),
		})
	}

	var sink *archive.Sink
	var closeStore func() error
	if cfg.Archive.Enabled {
		var err error
		sink, closeStore, err = startArchive(cfg.Archive, broker)
		if err != nil {
			return err
		}

		supervisor.Add(namedService{name: "archive-flusher", service: sink})
	}

	if cfg.Producer.Enabled {
		var publisher producer.Publisher = broker
		if cfg.Producer.Via == "nats" {
			natsPublisher, err := ingress.NewNATSPublisher(ingressURL, cfg.Producer.Subject)
			if err != nil {
				return err
			}
			defer natsPublisher.Close()
			publisher = natsPublisher
		}

		supervisor.Add(namedService{
			name:    "producer",
			service: producer.New(cfg.Producer.Topic, cfg.Producer.Interval, publisher),
		})
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	supervisorDone := supervisor.ServeBackground(ctx)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-done:
		log.WithField("signal", sig.String()).Info("Shutting down...")
		stop()
		<-supervisorDone
	case err := <-supervisorDone:
		log.Error("Supervisor stopped: ", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	log.Info("Shutting down broker...")
	if err := broker.Shutdown(shutdownCtx); err != nil {
		log.Warn("Broker shutdown incomplete: ", err)
	}

	manager.Close()

	if sink != nil {
		log.Info("Flushing archive...")
		if err := sink.Close(shutdownCtx); err != nil {
			log.Warn("Archive flush incomplete: ", err)
		}
		if err := closeStore(); err != nil {
			log.Warn("Failed to close archive store: ", err)
		}
	}

	return nil
}

// startArchive opens the configured store and subscribes an archive sink to
// the archive topic.
func startArchive(cfg config.ArchiveConfig, broker *pkg.Broker) (*archive.Sink, func() error, error) {
	var uploader archive.Uploader
	closeStore := func() error { return nil }

	switch cfg.Backend {
	case "badger":
		store, err := archive.OpenBadgerUploader(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		uploader = store
		closeStore = store.Close
	default:
		store, err := archive.NewFileUploader(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		uploader = store
	}

	sink := archive.NewSink(
		archive.NewBreakerUploader(uploader, archive.BreakerOptions{
			Name:     "archive-" + cfg.Backend,
			Failures: cfg.BreakerFailures,
			Timeout:  cfg.BreakerTimeout,
		}),
		archive.Options{
			BatchSize:     cfg.BatchSize,
			FlushInterval: cfg.FlushInterval,
			MaxRetries:    cfg.MaxRetries,
			RetryInitial:  cfg.RetryInitial,
			RetryMax:      cfg.RetryMax,
		},
	)

	if err := broker.DeclareTopic(cfg.Topic); err != nil {
		_ = closeStore()
		return nil, nil, err
	}

	if _, err := broker.Subscribe(cfg.Topic, "archive", sink.Deliver); err != nil {
		_ = sink.Close(context.Background())
		_ = closeStore()
		return nil, nil, fmt.Errorf("subscribe archive: %w", err)
	}

	log.WithFields(log.Fields{
		"topic":   cfg.Topic,
		"backend": cfg.Backend,
		"dir":     cfg.Dir,
	}).Info("Archiving topic")

	return sink, closeStore, nil
}

func hostPort(rawURL string) (string, int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", 0, fmt.Errorf("parse ingress url: %w", err)
	}

	port := -1
	if u.Port() != "" {
		port, err = strconv.Atoi(u.Port())
		if err != nil {
			return "", 0, fmt.Errorf("parse ingress port: %w", err)
		}
	}

	return u.Hostname(), port, nil
}
