// Package output mirrors gateway traffic and health heartbeats to NATS.
//
// Everything here is optional. A nil publisher or a disconnected NATS
// connection turns every call into a no-op so the bridge keeps serving
// local subscribers.
package output

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// ErrNotConnected is returned by Publish when there is no live connection.
var ErrNotConnected = errors.New("nats not connected")

// Publisher is the subset of a NATS connection the publishers need.
type Publisher interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
}

// NATSConnection manages the NATS connection
type NATSConnection struct {
	conn   *nats.Conn
	url    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewNATSConnection connects to url. maxReconnects < 0 retries forever.
func NewNATSConnection(url, name string, maxReconnects int, reconnectWait time.Duration, logger *slog.Logger) (*NATSConnection, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", "error", err)
			}
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	logger.Info("Connected to NATS", "url", url)

	return &NATSConnection{
		conn:   conn,
		url:    url,
		logger: logger,
	}, nil
}

// Publish sends data on subject. Safe on a nil receiver.
func (nc *NATSConnection) Publish(subject string, data []byte) error {
	if nc == nil {
		return ErrNotConnected
	}

	nc.mu.RLock()
	defer nc.mu.RUnlock()

	if nc.conn == nil {
		return ErrNotConnected
	}
	return nc.conn.Publish(subject, data)
}

// Close closes the NATS connection. Safe to call more than once.
func (nc *NATSConnection) Close() {
	if nc == nil {
		return
	}

	nc.mu.Lock()
	defer nc.mu.Unlock()

	if nc.conn != nil {
		nc.conn.Close()
		nc.conn = nil
		nc.logger.Info("Closed NATS connection")
	}
}

// IsConnected returns true if connected to NATS
func (nc *NATSConnection) IsConnected() bool {
	if nc == nil {
		return false
	}

	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return nc.conn != nil && nc.conn.IsConnected()
}

// BuildSubject joins a subject prefix and a token.
func BuildSubject(prefix, token string) string {
	if prefix == "" {
		return token
	}
	return prefix + "." + token
}
