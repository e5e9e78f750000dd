package signaling

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signal/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signal/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signal/internal/ratelimit"
)

// Config wires together the runtime dependencies for the signaling service.
// Zero limits fall back to the config package defaults.
type Config struct {
	Router  *Router
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// AllowedOrigins is the normalized browser origin allow-list. Empty means
	// same host only.
	AllowedOrigins []string

	// MaxConnections caps concurrent WebSockets. 0 means unlimited.
	MaxConnections int

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SendQueueBytes                int
}

// Server upgrades HTTP requests to signaling WebSockets.
//
// Endpoints:
//   - GET /signal : WebSocket signaling
//   - GET /       : WebSocket signaling when the request is an upgrade (see UpgradeOr)
type Server struct {
	cfg      Config
	router   *Router
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	slots  int
	closed bool
	wg     sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	if cfg.SignalingWSIdleTimeout <= 0 {
		cfg.SignalingWSIdleTimeout = config.DefaultSignalingWSIdleTimeout
	}
	if cfg.SignalingWSPingInterval <= 0 {
		cfg.SignalingWSPingInterval = config.DefaultSignalingWSPingInterval
	}
	if cfg.MaxSignalingMessageBytes <= 0 {
		cfg.MaxSignalingMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		cfg.MaxSignalingMessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}
	if cfg.SendQueueBytes <= 0 {
		cfg.SendQueueBytes = config.DefaultSignalingSendQueueBytes
	}

	s := &Server{
		cfg:     cfg,
		router:  cfg.Router,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		conns:   make(map[*wsConn]struct{}),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.router == nil {
		s.router = NewRouter(RouterConfig{Logger: s.log, Metrics: s.metrics})
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) Router() *Router { return s.router }

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleWebSocket)
}

// UpgradeOr serves WebSocket upgrade requests itself and passes everything
// else to next. The browser client connects to the site root.
func (s *Server) UpgradeOr(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && websocket.IsWebSocketUpgrade(r) {
			s.handleWebSocket(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	values := r.Header.Values("Origin")
	if len(values) == 0 {
		// Non-browser clients do not send Origin.
		return true
	}
	if len(values) > 1 {
		return false
	}
	normalized, host, ok := origin.NormalizeHeader(values[0])
	if !ok {
		return false
	}
	return origin.IsAllowed(normalized, host, r.Host, s.cfg.AllowedOrigins)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.acquireSlot() {
		s.metrics.Inc(metrics.TooManyClients)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseSlot()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.metrics.Inc(metrics.ConnectionRejected)
		s.log.Debug("signaling upgrade failed", "err", err, "origin", strings.TrimSpace(r.Header.Get("Origin")))
		return
	}
	ws.SetReadLimit(s.cfg.MaxSignalingMessageBytes)

	c := &wsConn{
		conn:    ws,
		router:  s.router,
		log:     s.log,
		metrics: s.metrics,
		queue:   newSendQueue(s.cfg.SendQueueBytes),
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.cfg.MaxSignalingMessagesPerSecond),
			int64(s.cfg.MaxSignalingMessagesPerSecond),
		),
		idleTimeout:  s.cfg.SignalingWSIdleTimeout,
		pingInterval: s.cfg.SignalingWSPingInterval,
		done:         make(chan struct{}),
	}

	id, err := s.router.Connect(c)
	if err != nil {
		s.metrics.Inc(metrics.ConnectionRejected)
		s.log.Error("register signaling connection failed", "err", err)
		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error"),
			time.Now().Add(wsWriteWait),
		)
		_ = ws.Close()
		return
	}
	c.id = id

	if !s.track(c) {
		s.router.Disconnect(id)
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		go c.writePump()
		<-c.done
		return
	}
	defer s.untrack(c)

	s.log.Info("signaling connection opened", "conn_id", id, "remote_addr", r.RemoteAddr)
	c.run()
	s.log.Info("signaling connection closed", "conn_id", id)
}

func (s *Server) acquireSlot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxConnections > 0 && s.slots >= s.cfg.MaxConnections {
		return false
	}
	s.slots++
	return true
}

func (s *Server) releaseSlot() {
	s.mu.Lock()
	s.slots--
	s.mu.Unlock()
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// Shutdown closes every signaling connection with 1001 and waits for their
// handlers to finish or ctx to end. New connections are refused afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
