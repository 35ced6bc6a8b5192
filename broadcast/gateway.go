// Package broadcast fans sensor metrics, button presses and link status out
// to live subscribers.
//
// A single run loop owns the subscriber set. Producers never wait on a
// subscriber: each subscriber has a bounded queue and is dropped when the
// queue is full. Metrics pass through a coalescing rate limiter; status and
// button events do not.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pulsebridge/metrics"
	"pulsebridge/protocol"
)

// ErrGatewayStopped is returned by Subscribe once the run loop has exited.
var ErrGatewayStopped = errors.New("gateway stopped")

const (
	// DefaultRateLimit is the minimum spacing of metric events.
	DefaultRateLimit = 80 * time.Millisecond

	// DefaultSubscriberBuffer is the per-subscriber queue depth.
	DefaultSubscriberBuffer = 64

	// minSubscriberBuffer leaves room for the attach greeting and replay.
	minSubscriberBuffer = 4

	eventQueueSize = 256
)

// Config configures a Gateway
type Config struct {
	RateLimit        time.Duration
	MetricEvent      string
	EmitRaw          bool
	ReplayLast       bool
	SubscriberBuffer int
}

// Subscription is one attached subscriber. C is closed when the subscriber
// is detached, dropped or the gateway stops.
type Subscription struct {
	ID string
	C  <-chan Message

	ch chan Message
}

type registerRequest struct {
	reply chan *Subscription
}

type sample struct {
	metric protocol.Metric
	raw    protocol.Reading
}

// Gateway is the single owner of the subscriber set.
type Gateway struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	register   chan registerRequest
	unregister chan string
	events     chan Message
	notify     chan struct{}
	done       chan struct{}

	pendingMu sync.Mutex
	pending   *sample

	subscriberCount atomic.Int64
	running         atomic.Bool

	// Owned by the run loop
	subscribers map[string]*Subscription
	lastStatus  *Message
	lastMetric  *Message
}

// New creates a Gateway. Run must be called to start delivery.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.MetricEvent == "" {
		cfg.MetricEvent = DefaultMetricEvent
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if cfg.SubscriberBuffer < minSubscriberBuffer {
		cfg.SubscriberBuffer = minSubscriberBuffer
	}

	return &Gateway{
		cfg:         cfg,
		logger:      logger.With("component", "gateway"),
		metrics:     m,
		register:    make(chan registerRequest),
		unregister:  make(chan string, 16),
		events:      make(chan Message, eventQueueSize),
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		subscribers: make(map[string]*Subscription),
	}
}

// Run delivers messages until ctx is cancelled. All subscriber channels are
// closed on return.
func (g *Gateway) Run(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return errors.New("gateway already running")
	}
	defer close(g.done)
	defer g.closeAll()

	g.logger.Info("Gateway started",
		"rate_limit", g.cfg.RateLimit,
		"metric_event", g.cfg.MetricEvent,
		"emit_raw", g.cfg.EmitRaw)

	// window is non-nil while a rate-limit interval is open. A sample that
	// arrives with no window open goes out at once and opens one; samples
	// inside the window coalesce and the latest goes out when it closes.
	var window <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("Gateway stopping", "subscribers", len(g.subscribers))
			return nil

		case req := <-g.register:
			req.reply <- g.attach()

		case id := <-g.unregister:
			if sub, ok := g.subscribers[id]; ok {
				g.detach(sub)
				g.logger.Debug("Subscriber detached", "id", id)
			}

		case msg := <-g.events:
			if msg.Event == EventStatus {
				cached := msg
				g.lastStatus = &cached
			}
			g.fanout(msg)

		case <-g.notify:
			if window == nil {
				g.emitPending()
				timer = time.NewTimer(g.cfg.RateLimit)
				window = timer.C
			}

		case <-window:
			if g.emitPending() {
				timer.Reset(g.cfg.RateLimit)
				continue
			}
			window = nil
			timer = nil
		}
	}
}

// Done is closed when Run has returned.
func (g *Gateway) Done() <-chan struct{} {
	return g.done
}

// Subscribe attaches a new subscriber. Its first message is always
// status SVR_OK, followed by the cached link status and last metric when
// replay is enabled.
func (g *Gateway) Subscribe(ctx context.Context) (*Subscription, error) {
	req := registerRequest{reply: make(chan *Subscription, 1)}

	select {
	case g.register <- req:
	case <-g.done:
		return nil, ErrGatewayStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case sub := <-req.reply:
		return sub, nil
	case <-g.done:
		return nil, ErrGatewayStopped
	}
}

// Unsubscribe detaches a subscriber. Unknown or already dropped IDs are ignored.
func (g *Gateway) Unsubscribe(id string) {
	select {
	case g.unregister <- id:
	case <-g.done:
	}
}

// PublishMetric offers a new sample to the rate limiter. It never blocks;
// an unsent sample is replaced by the newer one.
func (g *Gateway) PublishMetric(m protocol.Metric, raw protocol.Reading) {
	g.pendingMu.Lock()
	if g.pending != nil {
		g.metrics.MetricCoalesced()
	}
	g.pending = &sample{metric: m, raw: raw}
	g.pendingMu.Unlock()

	select {
	case g.notify <- struct{}{}:
	default:
	}
}

// PublishStatus sends a status event to every subscriber, bypassing the
// rate limiter. The message is also cached for late joiners.
func (g *Gateway) PublishStatus(msg string) {
	g.publish(Message{Event: EventStatus, Data: Status{Msg: msg}})
}

// PublishHardwareInput sends a button press to every subscriber, bypassing
// the rate limiter.
func (g *Gateway) PublishHardwareInput(player int, val string) {
	g.publish(Message{Event: EventHardwareInput, Data: HardwareInput{Player: player, Val: val}})
}

// publish waits only for the gateway's own queue, never for a subscriber.
func (g *Gateway) publish(msg Message) {
	select {
	case g.events <- msg:
	case <-g.done:
	}
}

// SubscriberCount returns the number of attached subscribers.
func (g *Gateway) SubscriberCount() int {
	return int(g.subscriberCount.Load())
}

func (g *Gateway) attach() *Subscription {
	ch := make(chan Message, g.cfg.SubscriberBuffer)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}

	ch <- Message{Event: EventStatus, Data: Status{Msg: StatusServerOK}}
	if g.cfg.ReplayLast {
		if g.lastStatus != nil {
			ch <- *g.lastStatus
		}
		if g.lastMetric != nil {
			ch <- *g.lastMetric
		}
	}

	g.subscribers[sub.ID] = sub
	g.updateCount()
	g.metrics.MessageSent(EventStatus)
	g.logger.Debug("Subscriber attached", "id", sub.ID, "subscribers", len(g.subscribers))

	return sub
}

func (g *Gateway) detach(sub *Subscription) {
	delete(g.subscribers, sub.ID)
	g.updateCount()
	close(sub.ch)
}

// emitPending sends the pending sample, if any, and reports whether it did.
func (g *Gateway) emitPending() bool {
	g.pendingMu.Lock()
	s := g.pending
	g.pending = nil
	g.pendingMu.Unlock()

	if s == nil {
		return false
	}

	msg := Message{Event: g.cfg.MetricEvent, Data: Pulse{P1: s.metric.P1, P2: s.metric.P2}}
	g.lastMetric = &msg
	g.fanout(msg)

	if g.cfg.EmitRaw {
		g.fanout(Message{Event: EventRawData, Data: Pulse{P1: s.raw.A, P2: s.raw.B}})
	}
	return true
}

func (g *Gateway) fanout(msg Message) {
	for id, sub := range g.subscribers {
		select {
		case sub.ch <- msg:
		default:
			g.detach(sub)
			g.metrics.SubscriberDropped()
			g.logger.Warn("Dropping slow subscriber", "id", id, "event", msg.Event)
		}
	}
	g.metrics.MessageSent(msg.Event)
}

func (g *Gateway) closeAll() {
	for _, sub := range g.subscribers {
		g.detach(sub)
	}
}

func (g *Gateway) updateCount() {
	n := len(g.subscribers)
	g.subscriberCount.Store(int64(n))
	g.metrics.SetSubscribers(n)
}
