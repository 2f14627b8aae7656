// Package ingress feeds messages from an external NATS transport into the
// relay broker.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

var (
	IngressReceivedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_ingress_received_total",
		Help: "A counter for messages received from the ingress transport.",
	}, []string{"subject"})

	IngressFailedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_ingress_failed_total",
		Help: "A counter for ingress messages the broker refused.",
	}, []string{"subject"})
)

func init() {
	prometheus.MustRegister(IngressReceivedCounter, IngressFailedCounter)
}

// Publisher is the part of the broker the ingress needs.
type Publisher interface {
	Publish(topic string, payload []byte) (int, error)
}

// Route maps a NATS subject (wildcards allowed) to a broker topic. An empty
// topic uses the message subject.
type Route struct {
	Subject string
	Topic   string
}

// Ingress holds long-lived NATS subscriptions and republishes every message
// into the broker.
type Ingress struct {
	lock      sync.Mutex
	url       string
	routes    []Route
	publisher Publisher
	conn      *nats.Conn
}

func New(url string, routes []Route, publisher Publisher) *Ingress {
	return &Ingress{
		url:       url,
		routes:    routes,
		publisher: publisher,
	}
}

// Serve connects, subscribes every route and blocks until ctx is done.
func (i *Ingress) Serve(ctx context.Context) error {
	if len(i.routes) == 0 {
		return errors.New("ingress: no routes configured")
	}

	conn, err := nats.Connect(i.url,
		nats.Name("event-relay-ingress"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("Ingress disconnected: ", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("Ingress reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	i.lock.Lock()
	i.conn = conn
	i.lock.Unlock()

	defer func() {
		i.lock.Lock()
		i.conn = nil
		i.lock.Unlock()
		if err := conn.Drain(); err != nil {
			conn.Close()
		}
	}()

	for _, route := range i.routes {
		if _, err := conn.Subscribe(route.Subject, i.handler(route)); err != nil {
			return fmt.Errorf("subscribe %s: %w", route.Subject, err)
		}

		log.WithFields(log.Fields{
			"subject": route.Subject,
			"topic":   route.Topic,
		}).Info("Ingress subscribed")
	}

	if err := conn.Flush(); err != nil && !errors.Is(err, nats.ErrConnectionReconnecting) {
		log.Warn("Ingress flush failed: ", err)
	}

	<-ctx.Done()

	return ctx.Err()
}

func (i *Ingress) handler(route Route) nats.MsgHandler {
	return func(msg *nats.Msg) {
		IngressReceivedCounter.WithLabelValues(route.Subject).Inc()

		topic := route.Topic
		if topic == "" {
			topic = msg.Subject
		}

		if _, err := i.publisher.Publish(topic, msg.Data); err != nil {
			IngressFailedCounter.WithLabelValues(route.Subject).Inc()
			log.WithFields(log.Fields{
				"subject": msg.Subject,
				"topic":   topic,
			}).Warn("Ingress publish failed: ", err)
		}
	}
}

// Connected reports whether the ingress currently holds a live connection.
func (i *Ingress) Connected() bool {
	i.lock.Lock()
	defer i.lock.Unlock()
	return i.conn != nil && i.conn.IsConnected()
}

// NATSPublisher publishes to NATS subjects. It lets producers reach the
// broker through the ingress path.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("event-relay-producer"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &NATSPublisher{conn: conn, subject: subject}, nil
}

// Publish sends payload on the publisher's subject; the topic argument is
// resolved by the ingress route on the other side. It returns 1 on success.
func (p *NATSPublisher) Publish(topic string, payload []byte) (int, error) {
	if err := p.conn.Publish(p.subject, payload); err != nil {
		return 0, err
	}
	return 1, nil
}

func (p *NATSPublisher) Close() {
	p.conn.Close()
}
