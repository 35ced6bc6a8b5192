package output

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"pulsebridge/broadcast"
	"pulsebridge/metrics"
)

// Lifecycle event types published on <prefix>.events
const (
	EventServiceStart = "service_start"
	EventServiceStop  = "service_stop"
)

// resubscribeDelay is how long the mirror waits after being dropped by the
// gateway before attaching again.
var resubscribeDelay = time.Second

// Event is a lifecycle event. Keep it flat for easy querying.
type Event struct {
	Timestamp  time.Time      `json:"ts"`
	Type       string         `json:"type"`
	InstanceID string         `json:"instance"`
	Message    string         `json:"msg,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Source is the gateway side of the mirror.
type Source interface {
	Subscribe(ctx context.Context) (*broadcast.Subscription, error)
	Unsubscribe(id string)
}

// EventPublisher mirrors gateway messages to NATS as <prefix>.<event> and
// publishes lifecycle events. A nil *EventPublisher is a valid no-op.
type EventPublisher struct {
	conn       Publisher
	prefix     string
	instanceID string
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// EventPublisherConfig contains configuration for EventPublisher
type EventPublisherConfig struct {
	Conn          Publisher
	SubjectPrefix string // e.g. "pulsebridge"
	InstanceID    string
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// NewEventPublisher creates a new EventPublisher.
// Returns nil if conn is nil (disabled mode).
func NewEventPublisher(cfg *EventPublisherConfig) *EventPublisher {
	if cfg == nil || cfg.Conn == nil {
		return nil
	}

	return &EventPublisher{
		conn:       cfg.Conn,
		prefix:     cfg.SubjectPrefix,
		instanceID: cfg.InstanceID,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With("component", "nats_mirror"),
	}
}

// Publish sends a lifecycle event. Safe to call on nil receiver.
func (e *EventPublisher) Publish(event Event) {
	if e == nil || !e.conn.IsConnected() {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.InstanceID == "" {
		event.InstanceID = e.instanceID
	}

	data, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("Failed to marshal event", "error", err, "type", event.Type)
		return
	}

	e.send(BuildSubject(e.prefix, "events"), data, event.Type)
}

// PublishServiceStart publishes a service start event
func (e *EventPublisher) PublishServiceStart(version string) {
	e.Publish(Event{
		Type:    EventServiceStart,
		Message: "PulseBridge service started",
		Details: map[string]any{"version": version},
	})
}

// PublishServiceStop publishes a service stop event
func (e *EventPublisher) PublishServiceStop(reason string) {
	e.Publish(Event{
		Type:    EventServiceStop,
		Message: "PulseBridge service stopping",
		Details: map[string]any{"reason": reason},
	})
}

// Run attaches to the gateway and mirrors every message until ctx is
// cancelled or the gateway stops. If the gateway drops the mirror as a
// slow subscriber it attaches again.
func (e *EventPublisher) Run(ctx context.Context, src Source) error {
	if e == nil {
		return nil
	}

	for {
		sub, err := src.Subscribe(ctx)
		if err != nil {
			if errors.Is(err, broadcast.ErrGatewayStopped) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		e.mirror(ctx, sub)
		src.Unsubscribe(sub.ID)

		if ctx.Err() != nil {
			return nil
		}

		e.logger.Warn("Mirror detached from gateway, resubscribing", "delay", resubscribeDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(resubscribeDelay):
		}
	}
}

func (e *EventPublisher) mirror(ctx context.Context, sub *broadcast.Subscription) {
	greeting := true
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			// Every attach starts with the local SVR_OK greeting
			if greeting {
				greeting = false
				continue
			}
			if !e.conn.IsConnected() {
				continue
			}
			e.send(BuildSubject(e.prefix, msg.Event), msg.DataJSON(), msg.Event)
		}
	}
}

func (e *EventPublisher) send(subject string, data []byte, kind string) {
	if err := e.conn.Publish(subject, data); err != nil {
		e.metrics.NATSPublished(false)
		e.logger.Warn("Failed to publish", "subject", subject, "type", kind, "error", err)
		return
	}
	e.metrics.NATSPublished(true)
	e.logger.Debug("Published", "subject", subject, "type", kind)
}
