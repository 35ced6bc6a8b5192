// Package monitoring serves live subscribers and the operational endpoints
// over HTTP: websocket and SSE subscriptions, health, stats, ports,
// Prometheus metrics and a small dashboard.
package monitoring

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pulsebridge/broadcast"
	"pulsebridge/capture"
	"pulsebridge/config"
)

//go:embed dashboard.html
var dashboardHTML embed.FS

var (
	// pingInterval is how often idle websocket subscribers are pinged.
	pingInterval = 30 * time.Second

	// keepaliveInterval is how often idle SSE subscribers get a comment.
	keepaliveInterval = 15 * time.Second
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	maxInboundSize = 4096
)

// Broker is the gateway as seen by the transports.
type Broker interface {
	Subscribe(ctx context.Context) (*broadcast.Subscription, error)
	Unsubscribe(id string)
	SubscriberCount() int
}

// StatsProvider supplies the /api/stats and /api/ports payloads.
type StatsProvider interface {
	GetAllStats() map[string]any
	Ports() []capture.PortInfo
}

// Server provides the HTTP transport
type Server struct {
	config   *config.MonitoringConfig
	broker   Broker
	stats    StatsProvider
	metrics  http.Handler
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	// Cancelled by Stop so streaming handlers return before Shutdown waits on them
	ctx    context.Context
	cancel context.CancelFunc

	// Guards wg.Add against Stop's wg.Wait
	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
}

// NewServer creates a new HTTP server. metricsHandler may be nil.
func NewServer(cfg *config.MonitoringConfig, broker Broker, stats StatsProvider, metricsHandler http.Handler, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	if metricsHandler == nil {
		metricsHandler = http.NotFoundHandler()
	}

	return &Server{
		config:  cfg,
		broker:  broker,
		stats:   stats,
		metrics: metricsHandler,
		logger:  logger.With("component", "http"),
		upgrader: websocket.Upgrader{
			// Subscribers are unauthenticated; the dashboard may be served elsewhere
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the routing table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleDashboard)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/stream", s.handleSSE)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.Handle("/metrics", s.metrics)

	return mux
}

// Start binds the port and serves in the background. A bind failure is
// returned directly.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "port", s.config.Port)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	return nil
}

// Stop closes every subscriber connection, then shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var err error
	if s.server != nil {
		s.logger.Info("Stopping HTTP server")
		err = s.server.Shutdown(shutdownCtx)
	}

	// Hijacked websocket connections are not tracked by Shutdown
	s.wg.Wait()
	return err
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data, err := dashboardHTML.ReadFile("dashboard.html")
	if err != nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":      "healthy",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"subscribers": s.broker.SubscriberCount(),
	}
	writeJSON(w, health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.stats.GetAllStats())
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"ports": s.stats.Ports()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleWebSocket attaches one subscriber. Every frame is the JSON envelope
// {"event": ..., "data": ...}. Inbound frames are read only to notice the
// client going away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub, err := s.broker.Subscribe(s.ctx)
	if err != nil {
		s.logger.Warn("Subscribe failed", "error", err)
		writeClose(conn, websocket.CloseTryAgainLater, "gateway unavailable")
		return
	}
	defer s.broker.Unsubscribe(sub.ID)

	s.logger.Debug("WebSocket subscriber attached", "id", sub.ID, "remote", r.RemoteAddr)

	gone := make(chan struct{})
	go readUntilClosed(conn, gone)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	// All writes happen on this goroutine
	for {
		select {
		case <-s.ctx.Done():
			writeClose(conn, websocket.CloseGoingAway, "server shutting down")
			return

		case <-gone:
			s.logger.Debug("WebSocket subscriber left", "id", sub.ID)
			return

		case msg, ok := <-sub.C:
			if !ok {
				writeClose(conn, websocket.CloseTryAgainLater, "subscriber dropped")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg.JSON()); err != nil {
				s.logger.Debug("WebSocket write failed", "id", sub.ID, "error", err)
				return
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// track registers a websocket handler with the wait group unless Stop has
// begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

// readUntilClosed discards inbound frames and closes gone when the
// connection fails or the peer stops answering pings.
func readUntilClosed(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)

	conn.SetReadLimit(maxInboundSize)
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
	}
}

func writeClose(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// handleSSE attaches one subscriber as a Server-Sent Events stream. The SSE
// event name is the gateway event and the data line is its payload.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sub, err := s.broker.Subscribe(r.Context())
	if err != nil {
		http.Error(w, "gateway unavailable", http.StatusServiceUnavailable)
		return
	}
	defer s.broker.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	fmt.Fprintf(w, ": connected %s\n\n", sub.ID)
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-s.ctx.Done():
			return

		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, msg.DataJSON())
			flusher.Flush()

		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive %d\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}
