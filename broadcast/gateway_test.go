package broadcast

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsebridge/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startGateway(t *testing.T, cfg Config) *Gateway {
	t.Helper()
	g := New(cfg, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go g.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-g.Done()
	})
	return g
}

func subscribe(t *testing.T, g *Gateway) *Subscription {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sub, err := g.Subscribe(ctx)
	require.NoError(t, err)
	return sub
}

func recv(t *testing.T, sub *Subscription, timeout time.Duration) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(timeout):
		t.Fatalf("no message within %v", timeout)
		return Message{}
	}
}

func expectNothing(t *testing.T, sub *Subscription, wait time.Duration) {
	t.Helper()
	select {
	case msg, ok := <-sub.C:
		if ok {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(wait):
	}
}

func skipGreeting(t *testing.T, sub *Subscription) {
	t.Helper()
	msg := recv(t, sub, time.Second)
	require.Equal(t, Message{Event: EventStatus, Data: Status{Msg: StatusServerOK}}, msg)
}

func TestSubscribeReceivesServerOK(t *testing.T) {
	g := startGateway(t, Config{})

	sub := subscribe(t, g)
	assert.NotEmpty(t, sub.ID)

	msg := recv(t, sub, time.Second)
	assert.Equal(t, EventStatus, msg.Event)
	assert.Equal(t, Status{Msg: StatusServerOK}, msg.Data)
	assert.Equal(t, 1, g.SubscriberCount())
}

func TestMetricEndToEnd(t *testing.T) {
	g := startGateway(t, Config{RateLimit: 20 * time.Millisecond})
	sub := subscribe(t, g)
	skipGreeting(t, sub)

	reading, ok := protocol.Decode([]byte("512,700\n"))
	require.True(t, ok)
	g.PublishMetric(protocol.DefaultTransform().Apply(reading), reading)

	msg := recv(t, sub, time.Second)
	assert.Equal(t, DefaultMetricEvent, msg.Event)
	assert.Equal(t, Pulse{P1: 96, P2: 115}, msg.Data)
	assert.JSONEq(t, `{"event":"live_pulse","data":{"p1":96,"p2":115}}`, string(msg.JSON()))
}

func TestBurstCoalescesToLatest(t *testing.T) {
	g := startGateway(t, Config{RateLimit: 100 * time.Millisecond})
	sub := subscribe(t, g)
	skipGreeting(t, sub)

	for i := 0; i < 50; i++ {
		g.PublishMetric(protocol.Metric{P1: i, P2: i + 1}, protocol.Reading{})
	}

	// At most the leading sample plus one coalesced trailing emission
	msg := recv(t, sub, time.Second)
	if msg.Data != (Pulse{P1: 49, P2: 50}) {
		msg = recv(t, sub, time.Second)
	}
	assert.Equal(t, Pulse{P1: 49, P2: 50}, msg.Data, "coalesced metric must carry the most recent values")

	expectNothing(t, sub, 250*time.Millisecond)
}

func TestFirstMetricAfterQuietPeriodImmediate(t *testing.T) {
	const interval = 500 * time.Millisecond
	g := startGateway(t, Config{RateLimit: interval})
	sub := subscribe(t, g)
	skipGreeting(t, sub)

	start := time.Now()
	g.PublishMetric(protocol.Metric{P1: 96, P2: 115}, protocol.Reading{})
	msg := recv(t, sub, time.Second)
	assert.Equal(t, Pulse{P1: 96, P2: 115}, msg.Data)
	assert.Less(t, time.Since(start), interval/2, "leading sample held back by the rate limiter")

	// A second sample inside the window waits for it to close
	g.PublishMetric(protocol.Metric{P1: 97, P2: 116}, protocol.Reading{})
	expectNothing(t, sub, interval/4)
	msg = recv(t, sub, time.Second)
	assert.Equal(t, Pulse{P1: 97, P2: 116}, msg.Data)
	assert.GreaterOrEqual(t, time.Since(start), interval)

	// Window closed with nothing pending: the next quiet-period sample is immediate again
	time.Sleep(interval + 100*time.Millisecond)
	start = time.Now()
	g.PublishMetric(protocol.Metric{P1: 98, P2: 117}, protocol.Reading{})
	msg = recv(t, sub, time.Second)
	assert.Equal(t, Pulse{P1: 98, P2: 117}, msg.Data)
	assert.Less(t, time.Since(start), interval/2)
}

func TestRateLimitBoundsEmissions(t *testing.T) {
	const interval = 40 * time.Millisecond
	g := startGateway(t, Config{RateLimit: interval})
	sub := subscribe(t, g)
	skipGreeting(t, sub)

	span := 400 * time.Millisecond
	start := time.Now()
	i := 0
	for time.Since(start) < span {
		g.PublishMetric(protocol.Metric{P1: i, P2: i}, protocol.Reading{})
		i++
		time.Sleep(time.Millisecond)
	}
	last := i - 1

	var got []Message
	deadline := time.After(5 * interval)
collect:
	for {
		select {
		case msg := <-sub.C:
			got = append(got, msg)
		case <-deadline:
			break collect
		}
	}

	// One leading emission, then at most one per interval
	maxAllowed := int(span/interval) + 2
	assert.LessOrEqual(t, len(got), maxAllowed, "too many emissions for the elapsed span")
	require.NotEmpty(t, got)
	assert.Equal(t, Pulse{P1: last, P2: last}, got[len(got)-1].Data, "final emission must carry the latest sample")

	// Values only move forward; nothing is queued or replayed out of order
	prev := -1
	for _, m := range got {
		p := m.Data.(Pulse)
		assert.Greater(t, p.P1, prev)
		prev = p.P1
	}
}

func TestHardwareInputBypassesRateLimit(t *testing.T) {
	g := startGateway(t, Config{RateLimit: 300 * time.Millisecond})
	sub := subscribe(t, g)
	skipGreeting(t, sub)

	g.PublishMetric(protocol.Metric{P1: 1, P2: 2}, protocol.Reading{})
	g.PublishHardwareInput(1, "Ja")

	msg := recv(t, sub, 100*time.Millisecond)
	assert.Equal(t, Message{Event: EventHardwareInput, Data: HardwareInput{Player: 1, Val: "Ja"}}, msg)

	msg = recv(t, sub, time.Second)
	assert.Equal(t, DefaultMetricEvent, msg.Event)
}

func TestStatusBypassesRateLimit(t *testing.T) {
	g := startGateway(t, Config{RateLimit: 300 * time.Millisecond})
	sub := subscribe(t, g)
	skipGreeting(t, sub)

	g.PublishMetric(protocol.Metric{P1: 1, P2: 2}, protocol.Reading{})
	g.PublishStatus(StatusLinkLost)

	msg := recv(t, sub, 100*time.Millisecond)
	assert.Equal(t, Message{Event: EventStatus, Data: Status{Msg: StatusLinkLost}}, msg)
}

func TestSlowSubscriberDropped(t *testing.T) {
	g := startGateway(t, Config{SubscriberBuffer: 8})

	slow := subscribe(t, g)
	fast := subscribe(t, g)
	skipGreeting(t, fast)

	// Publish one at a time so the fast subscriber never falls behind.
	for i := 0; i < 20; i++ {
		g.PublishHardwareInput(2, "Nein")
		msg := recv(t, fast, time.Second)
		assert.Equal(t, EventHardwareInput, msg.Event)
	}

	// The slow subscriber got what fit in its buffer, then was closed.
	received := 0
	for range slow.C {
		received++
	}
	assert.LessOrEqual(t, received, 8)
	assert.Equal(t, 1, g.SubscriberCount())
}

func TestLateJoinReplay(t *testing.T) {
	g := startGateway(t, Config{RateLimit: 10 * time.Millisecond, ReplayLast: true})

	first := subscribe(t, g)
	skipGreeting(t, first)

	g.PublishStatus(LinkOK("/dev/ttyACM0"))
	recv(t, first, time.Second)
	g.PublishMetric(protocol.Metric{P1: 80, P2: 90}, protocol.Reading{})
	recv(t, first, time.Second)

	late := subscribe(t, g)
	skipGreeting(t, late)

	msg := recv(t, late, time.Second)
	assert.Equal(t, Message{Event: EventStatus, Data: Status{Msg: "ARDUINO_OK:ACM0"}}, msg)

	msg = recv(t, late, time.Second)
	assert.Equal(t, Message{Event: DefaultMetricEvent, Data: Pulse{P1: 80, P2: 90}}, msg)
}

func TestReplayDisabled(t *testing.T) {
	g := startGateway(t, Config{RateLimit: 10 * time.Millisecond, ReplayLast: false})

	first := subscribe(t, g)
	skipGreeting(t, first)
	g.PublishStatus(StatusLinkLost)
	recv(t, first, time.Second)

	late := subscribe(t, g)
	skipGreeting(t, late)
	expectNothing(t, late, 50*time.Millisecond)
}

func TestServerOKWithoutHardware(t *testing.T) {
	g := startGateway(t, Config{ReplayLast: true})

	// No status or metric has ever been published
	sub := subscribe(t, g)
	skipGreeting(t, sub)
	expectNothing(t, sub, 50*time.Millisecond)
}

func TestEmitRaw(t *testing.T) {
	g := startGateway(t, Config{RateLimit: 10 * time.Millisecond, EmitRaw: true})
	sub := subscribe(t, g)
	skipGreeting(t, sub)

	g.PublishMetric(protocol.Metric{P1: 96, P2: 115}, protocol.Reading{A: 512, B: 700})

	msg := recv(t, sub, time.Second)
	assert.Equal(t, Message{Event: DefaultMetricEvent, Data: Pulse{P1: 96, P2: 115}}, msg)
	msg = recv(t, sub, time.Second)
	assert.Equal(t, Message{Event: EventRawData, Data: Pulse{P1: 512, P2: 700}}, msg)
}

func TestCustomMetricEvent(t *testing.T) {
	g := startGateway(t, Config{RateLimit: 10 * time.Millisecond, MetricEvent: "live_metric"})
	sub := subscribe(t, g)
	skipGreeting(t, sub)

	g.PublishMetric(protocol.Metric{P1: 1, P2: 2}, protocol.Reading{})
	msg := recv(t, sub, time.Second)
	assert.Equal(t, "live_metric", msg.Event)
}

func TestUnsubscribe(t *testing.T) {
	g := startGateway(t, Config{})
	sub := subscribe(t, g)
	skipGreeting(t, sub)

	g.Unsubscribe(sub.ID)

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok, "expected closed channel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Unsubscribe")
	}
	assert.Equal(t, 0, g.SubscriberCount())

	// Unknown IDs are ignored
	g.Unsubscribe("does-not-exist")
	g.Unsubscribe(sub.ID)
}

func TestStopClosesSubscribers(t *testing.T) {
	g := New(Config{}, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go g.Run(ctx)

	sub := subscribe(t, g)
	skipGreeting(t, sub)

	cancel()
	<-g.Done()

	_, ok := <-sub.C
	assert.False(t, ok)

	_, err := g.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrGatewayStopped)

	// Publishing after stop must not block
	finished := make(chan struct{})
	go func() {
		g.PublishStatus(StatusLinkLost)
		g.PublishHardwareInput(1, "Ja")
		g.PublishMetric(protocol.Metric{}, protocol.Reading{})
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after stop")
	}
}

func TestSubscribeContextCancelled(t *testing.T) {
	g := New(Config{}, testLogger(), nil) // never started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Subscribe(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunTwice(t *testing.T) {
	g := startGateway(t, Config{})
	subscribe(t, g) // ensures the first Run is live

	assert.Error(t, g.Run(context.Background()))
}

func TestLinkOK(t *testing.T) {
	assert.Equal(t, "ARDUINO_OK:ACM0", LinkOK("/dev/ttyACM0"))
	assert.Equal(t, "ARDUINO_OK:USB1", LinkOK("/dev/ttyUSB1"))
	assert.Equal(t, "ARDUINO_OK:COM", LinkOK("COM"))
}

func TestMessageDataJSON(t *testing.T) {
	msg := Message{Event: EventHardwareInput, Data: HardwareInput{Player: 2, Val: "Nein"}}
	assert.JSONEq(t, `{"player":2,"val":"Nein"}`, string(msg.DataJSON()))
}
