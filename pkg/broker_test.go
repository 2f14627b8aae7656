package pkg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
)

type recorder struct {
	lock   sync.Mutex
	events []Event
}

func (r *recorder) Emit(event Event) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) ofType(eventType EventType) []Event {
	r.lock.Lock()
	defer r.lock.Unlock()

	var events []Event
	for _, event := range r.events {
		if event.Type == eventType {
			events = append(events, event)
		}
	}
	return events
}

type collector struct {
	lock     sync.Mutex
	messages []*Message
}

func (c *collector) deliver(ctx context.Context, message *Message) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.messages = append(c.messages, message)
	return nil
}

func (c *collector) payloads() []string {
	c.lock.Lock()
	defer c.lock.Unlock()

	payloads := make([]string, 0, len(c.messages))
	for _, m := range c.messages {
		payloads = append(payloads, string(m.Payload))
	}
	return payloads
}

func (c *collector) sequences() []uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return sequencesOf(c.messages)
}

func (c *collector) len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.messages)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testOptions(sink EventSink) Options {
	return Options{
		QueueCapacity:   DefaultQueueCapacity,
		PollInterval:    10 * time.Millisecond,
		DeliveryTimeout: time.Second,
		Drain:           true,
		DrainTimeout:    time.Second,
		Sink:            sink,
	}
}

func newTestBroker(t *testing.T, options Options) *Broker {
	t.Helper()

	b := NewBroker(options)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

func publishAll(t *testing.T, b *Broker, topic string, payloads ...string) {
	t.Helper()
	for _, payload := range payloads {
		if _, err := b.Publish(topic, []byte(payload)); err != nil {
			t.Fatalf("publish %q: %v", payload, err)
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBrokerDeliversInOrder(t *testing.T) {
	b := newTestBroker(t, testOptions(nil))

	var c collector
	if _, err := b.Subscribe("orders", "a", c.deliver); err != nil {
		t.Fatal(err)
	}

	publishAll(t, b, "orders", "m1", "m2", "m3", "m4", "m5")

	eventually(t, "five deliveries", func() bool { return c.len() == 5 })

	want := []string{"m1", "m2", "m3", "m4", "m5"}
	if got := c.payloads(); !equalStrings(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	sequences := c.sequences()
	for i, seq := range sequences {
		if seq != uint64(i+1) {
			t.Fatalf("sequences not strictly increasing: %v", sequences)
		}
	}
}

func TestBrokerPublishReturnsQueueCount(t *testing.T) {
	b := newTestBroker(t, testOptions(nil))

	var a, c collector
	if _, err := b.Subscribe("fanout", "a", a.deliver); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe("fanout", "c", c.deliver); err != nil {
		t.Fatal(err)
	}

	n, err := b.Publish("fanout", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("published to %d queues, want 2", n)
	}

	eventually(t, "both subscribers", func() bool { return a.len() == 1 && c.len() == 1 })
}

func TestBrokerEvictsOldestForBlockedSubscriber(t *testing.T) {
	events := &recorder{}
	options := testOptions(events)
	options.QueueCapacity = 2
	b := newTestBroker(t, options)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var c collector

	_, err := b.Subscribe("sensor", "slow", func(ctx context.Context, m *Message) error {
		if m.Sequence == 1 {
			entered <- struct{}{}
			<-release
		}
		return c.deliver(ctx, m)
	})
	if err != nil {
		t.Fatal(err)
	}

	publishAll(t, b, "sensor", "m0")
	<-entered

	// The worker is stuck on m0, so m1 is overwritten by m3.
	publishAll(t, b, "sensor", "m1", "m2", "m3")
	close(release)

	eventually(t, "remaining deliveries", func() bool { return c.len() == 3 })

	if got := c.payloads(); !equalStrings(got, []string{"m0", "m2", "m3"}) {
		t.Fatalf("got %v", got)
	}

	evictions := events.ofType(EventTypeEvict)
	if len(evictions) != 1 || evictions[0].Sequence != 2 || evictions[0].Subscriber != "slow" {
		t.Fatalf("unexpected evictions: %+v", evictions)
	}
}

func TestBrokerPublishWithoutSubscribers(t *testing.T) {
	events := &recorder{}
	b := newTestBroker(t, testOptions(events))

	n, err := b.Publish("empty", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("published to %d queues, want 0", n)
	}

	if drops := events.ofType(EventTypeDrop); len(drops) != 1 || drops[0].Topic != "empty" {
		t.Fatalf("unexpected drop events: %+v", drops)
	}
}

func TestBrokerPublishWithoutSubscribersKeepsNoTopic(t *testing.T) {
	b := newTestBroker(t, testOptions(nil))
	if err := b.DeclareTopic("pinned"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 100; i++ {
		name := fmt.Sprintf("unheard-%d", i)
		if _, err := b.Publish(name, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	publishAll(t, b, "pinned", "x")

	topics := b.Topics()
	if len(topics) != 1 || topics[0].Name != "pinned" {
		t.Fatalf("registry kept topics without subscribers: %+v", topics)
	}
	if topics[0].Sequence != 1 {
		t.Fatalf("declared topic sequence = %d, want 1", topics[0].Sequence)
	}
}

func TestBrokerIsolatesSlowSubscribers(t *testing.T) {
	b := newTestBroker(t, testOptions(nil))

	release := make(chan struct{})
	defer close(release)

	_, err := b.Subscribe("shared", "slow", func(ctx context.Context, m *Message) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return ctx.Err()
	})
	if err != nil {
		t.Fatal(err)
	}

	var fast collector
	if _, err := b.Subscribe("shared", "fast", fast.deliver); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	for i := 0; i < 10; i++ {
		publishAll(t, b, "shared", "m")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("publish blocked on slow subscriber for %s", elapsed)
	}

	eventually(t, "fast subscriber deliveries", func() bool { return fast.len() == 10 })
}

func TestBrokerFailingSubscriberDoesNotAffectOthers(t *testing.T) {
	events := &recorder{}
	b := newTestBroker(t, testOptions(events))

	errBoom := errors.New("boom")
	failing, err := b.Subscribe("shared", "failing", func(context.Context, *Message) error {
		return errBoom
	})
	if err != nil {
		t.Fatal(err)
	}

	var ok collector
	if _, err := b.Subscribe("shared", "ok", ok.deliver); err != nil {
		t.Fatal(err)
	}

	publishAll(t, b, "shared", "a", "b", "c")

	eventually(t, "healthy deliveries", func() bool { return ok.len() == 3 })
	eventually(t, "failures counted", func() bool { return failing.Failed() == 3 })

	failures := events.ofType(EventTypeDeliveryFailure)
	if len(failures) != 3 {
		t.Fatalf("got %d failure events, want 3", len(failures))
	}

	var deliveryErr *DeliveryError
	if !errors.As(failures[0].Err, &deliveryErr) {
		t.Fatalf("failure does not carry a DeliveryError: %v", failures[0].Err)
	}
	if deliveryErr.Subscriber != "failing" || !errors.Is(failures[0].Err, errBoom) {
		t.Fatalf("unexpected delivery error: %v", deliveryErr)
	}
}

func TestBrokerRecoversCallbackPanic(t *testing.T) {
	events := &recorder{}
	b := newTestBroker(t, testOptions(events))

	var c collector
	s, err := b.Subscribe("panics", "a", func(ctx context.Context, m *Message) error {
		if string(m.Payload) == "bad" {
			panic("bad payload")
		}
		return c.deliver(ctx, m)
	})
	if err != nil {
		t.Fatal(err)
	}

	publishAll(t, b, "panics", "bad", "good")

	eventually(t, "delivery after panic", func() bool { return c.len() == 1 })

	if s.Failed() != 1 || s.State() != StateActive {
		t.Fatalf("failed = %d, state = %s", s.Failed(), s.State())
	}
}

func TestBrokerDeliveryTimeout(t *testing.T) {
	events := &recorder{}
	options := testOptions(events)
	options.DeliveryTimeout = 20 * time.Millisecond
	b := newTestBroker(t, options)

	_, err := b.Subscribe("timeouts", "a", func(ctx context.Context, m *Message) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatal(err)
	}

	publishAll(t, b, "timeouts", "x")

	eventually(t, "failure event", func() bool {
		return len(events.ofType(EventTypeDeliveryFailure)) == 1
	})

	failure := events.ofType(EventTypeDeliveryFailure)[0]
	if !errors.Is(failure.Err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", failure.Err)
	}
}

func TestBrokerSubscribeAfterPublishSeesOnlyNewMessages(t *testing.T) {
	b := newTestBroker(t, testOptions(nil))

	publishAll(t, b, "late", "early")

	var c collector
	if _, err := b.Subscribe("late", "a", c.deliver); err != nil {
		t.Fatal(err)
	}
	publishAll(t, b, "late", "fresh")

	eventually(t, "fresh delivery", func() bool { return c.len() == 1 })
	time.Sleep(30 * time.Millisecond)

	if got := c.payloads(); !equalStrings(got, []string{"fresh"}) {
		t.Fatalf("got %v", got)
	}
}

func TestBrokerResubscribeGetsFreshQueue(t *testing.T) {
	options := testOptions(nil)
	options.Drain = false
	b := newTestBroker(t, options)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	first, err := b.Subscribe("resub", "a", func(ctx context.Context, m *Message) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	publishAll(t, b, "resub", "old1", "old2", "old3")
	<-entered

	if err := b.Unsubscribe(first); err != nil {
		t.Fatal(err)
	}
	if err := b.Unsubscribe(first); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("second unsubscribe: got %v, want ErrNotSubscribed", err)
	}

	var c collector
	second, err := b.Subscribe("resub", "a", c.deliver)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID() == first.ID() {
		t.Fatal("resubscribe reused the old handle")
	}

	publishAll(t, b, "resub", "new")
	close(release)

	eventually(t, "new delivery", func() bool { return c.len() == 1 })
	eventually(t, "old worker exit", func() bool {
		select {
		case <-first.Done():
			return true
		default:
			return false
		}
	})

	if got := c.payloads(); !equalStrings(got, []string{"new"}) {
		t.Fatalf("got %v", got)
	}

	// The stale handle must not unbind the new subscription.
	if err := b.Unsubscribe(first); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("stale unsubscribe: got %v", err)
	}
	if subs := b.Registry().SubscribersOf("resub"); len(subs) != 1 || subs[0] != second {
		t.Fatalf("unexpected subscribers: %v", subs)
	}
}

func TestBrokerDuplicateSubscription(t *testing.T) {
	b := newTestBroker(t, testOptions(nil))

	var c collector
	if _, err := b.Subscribe("dup", "a", c.deliver); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe("dup", "a", c.deliver); !errors.Is(err, ErrDuplicateSubscription) {
		t.Fatalf("got %v, want ErrDuplicateSubscription", err)
	}
}

func TestBrokerRejectsEmptyNames(t *testing.T) {
	b := newTestBroker(t, testOptions(nil))

	var c collector
	if _, err := b.Publish("", nil); !errors.Is(err, ErrEmptyTopic) {
		t.Fatalf("publish: got %v", err)
	}
	if _, err := b.Subscribe("", "a", c.deliver); !errors.Is(err, ErrEmptyTopic) {
		t.Fatalf("subscribe topic: got %v", err)
	}
	if _, err := b.Subscribe("t", "", c.deliver); !errors.Is(err, ErrEmptySubscriber) {
		t.Fatalf("subscribe subscriber: got %v", err)
	}
}

func TestBrokerStrictMode(t *testing.T) {
	options := testOptions(nil)
	options.Strict = true
	options.Topics = []string{"known"}
	b := newTestBroker(t, options)

	var c collector
	if _, err := b.Publish("unknown", []byte("x")); !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("publish: got %v, want ErrUnknownTopic", err)
	}
	if _, err := b.Subscribe("unknown", "a", c.deliver); !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("subscribe: got %v, want ErrUnknownTopic", err)
	}

	if _, err := b.Subscribe("known", "a", c.deliver); err != nil {
		t.Fatal(err)
	}
	publishAll(t, b, "known", "x")
	eventually(t, "delivery", func() bool { return c.len() == 1 })

	if err := b.DeclareTopic("later"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Publish("later", []byte("x")); err != nil {
		t.Fatal(err)
	}
}

func TestBrokerRemovesTopicAfterLastWorker(t *testing.T) {
	b := newTestBroker(t, testOptions(nil))

	var c collector
	s, err := b.Subscribe("transient", "a", c.deliver)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.DeclareTopic("pinned"); err != nil {
		t.Fatal(err)
	}
	pinned, err := b.Subscribe("pinned", "a", c.deliver)
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Unsubscribe(s); err != nil {
		t.Fatal(err)
	}
	if err := b.Unsubscribe(pinned); err != nil {
		t.Fatal(err)
	}

	<-s.Done()
	<-pinned.Done()

	eventually(t, "topic removal", func() bool { return b.Registry().GetTopic("transient") == nil })

	if b.Registry().GetTopic("pinned") == nil {
		t.Fatal("declared topic was removed")
	}
}

func TestBrokerEphemeralTopics(t *testing.T) {
	options := testOptions(nil)
	options.EphemeralTopics = true
	b := newTestBroker(t, options)

	var c collector
	s, err := b.Subscribe("ephemeral", "a", c.deliver)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Unsubscribe(s); err != nil {
		t.Fatal(err)
	}

	if b.Registry().GetTopic("ephemeral") != nil {
		t.Fatal("ephemeral topic survived its last subscriber")
	}

	if _, err := b.Publish("nobody", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if b.Registry().GetTopic("nobody") != nil {
		t.Fatal("ephemeral topic kept after publish without subscribers")
	}
}

func TestBrokerUnsubscribeDrainsQueue(t *testing.T) {
	b := newTestBroker(t, testOptions(nil))

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var c collector

	s, err := b.Subscribe("drain", "a", func(ctx context.Context, m *Message) error {
		if m.Sequence == 1 {
			entered <- struct{}{}
			<-release
		}
		return c.deliver(ctx, m)
	})
	if err != nil {
		t.Fatal(err)
	}

	publishAll(t, b, "drain", "m1", "m2", "m3")
	<-entered

	if err := b.Unsubscribe(s); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateDraining {
		t.Fatalf("state = %s, want draining", s.State())
	}

	n, err := b.Publish("drain", []byte("after"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("draining subscription accepted a new message")
	}

	close(release)
	<-s.Done()

	if got := c.payloads(); !equalStrings(got, []string{"m1", "m2", "m3"}) {
		t.Fatalf("got %v", got)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}
}

func TestBrokerDrainDeadline(t *testing.T) {
	events := &recorder{}
	options := testOptions(events)
	options.DeliveryTimeout = 50 * time.Millisecond
	options.DrainTimeout = 10 * time.Millisecond
	b := newTestBroker(t, options)

	s, err := b.Subscribe("stuck", "a", func(ctx context.Context, m *Message) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatal(err)
	}

	publishAll(t, b, "stuck", "m1", "m2", "m3", "m4")
	eventually(t, "first message in flight", func() bool { return s.Pending() == 3 })

	if err := b.Unsubscribe(s); err != nil {
		t.Fatal(err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after drain deadline")
	}

	expired := events.ofType(EventTypeDrainExpired)
	if len(expired) != 1 || expired[0].Count == 0 {
		t.Fatalf("unexpected drain_expired events: %+v", expired)
	}
}

func TestBrokerShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := NewBroker(testOptions(nil))

	var c collector
	s, err := b.Subscribe("shutdown", "a", c.deliver)
	if err != nil {
		t.Fatal(err)
	}
	publishAll(t, b, "shutdown", "m1", "m2")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := b.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}

	if got := c.payloads(); !equalStrings(got, []string{"m1", "m2"}) {
		t.Fatalf("shutdown lost drained messages: %v", got)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}

	if _, err := b.Publish("shutdown", []byte("x")); !errors.Is(err, ErrShutdown) {
		t.Fatalf("publish: got %v", err)
	}
	if _, err := b.Subscribe("shutdown", "b", c.deliver); !errors.Is(err, ErrShutdown) {
		t.Fatalf("subscribe: got %v", err)
	}
	if err := b.Unsubscribe(s); !errors.Is(err, ErrShutdown) {
		t.Fatalf("unsubscribe: got %v", err)
	}
	if err := b.DeclareTopic("x"); !errors.Is(err, ErrShutdown) {
		t.Fatalf("declare: got %v", err)
	}
}

func TestBrokerShutdownDeadline(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := NewBroker(testOptions(nil))

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	s, err := b.Subscribe("wedged", "a", func(ctx context.Context, m *Message) error {
		entered <- struct{}{}
		<-release
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	publishAll(t, b, "wedged", "m1", "m2")
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := b.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}

	close(release)
	<-s.Done()
}

func TestBrokerRegistryRemovalStopsWorker(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	events := &recorder{}
	b := NewBroker(testOptions(events))

	var c collector
	s, err := b.Subscribe("t", "a", c.deliver)
	if err != nil {
		t.Fatal(err)
	}

	if !b.Registry().RemoveSubscriber("t", "a") {
		t.Fatal("RemoveSubscriber found no binding")
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker still running after its binding was removed")
	}

	if unsubscribes := events.ofType(EventTypeUnsubscribe); len(unsubscribes) != 1 || unsubscribes[0].Subscriber != "a" {
		t.Fatalf("unexpected unsubscribe events: %+v", unsubscribes)
	}
	if err := b.Unsubscribe(s); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("unsubscribe after removal: got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := b.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestBrokerTopicsInfo(t *testing.T) {
	b := newTestBroker(t, testOptions(nil))

	var c collector
	if _, err := b.Subscribe("info", "b", c.deliver); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe("info", "a", c.deliver); err != nil {
		t.Fatal(err)
	}
	publishAll(t, b, "info", "x", "y")

	topics := b.Topics()
	if len(topics) != 1 {
		t.Fatalf("got %d topics", len(topics))
	}

	info := topics[0]
	if info.Name != "info" || info.Sequence != 2 || len(info.Subscriptions) != 2 {
		t.Fatalf("unexpected topic info: %+v", info)
	}
	if info.Subscriptions[0].Subscriber != "a" || info.Subscriptions[1].Subscriber != "b" {
		t.Fatalf("subscriptions not ordered: %+v", info.Subscriptions)
	}
}

func TestBrokerMetrics(t *testing.T) {
	b := newTestBroker(t, testOptions(MetricsSink{}))

	published := testutil.ToFloat64(RelayPublishedCounter.WithLabelValues("metrics"))
	dropped := testutil.ToFloat64(RelayDroppedCounter.WithLabelValues("metrics"))

	publishAll(t, b, "metrics", "x")

	if got := testutil.ToFloat64(RelayPublishedCounter.WithLabelValues("metrics")); got != published+1 {
		t.Fatalf("published counter = %v, want %v", got, published+1)
	}
	if got := testutil.ToFloat64(RelayDroppedCounter.WithLabelValues("metrics")); got != dropped+1 {
		t.Fatalf("dropped counter = %v, want %v", got, dropped+1)
	}
}
