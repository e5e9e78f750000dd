package signaling

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signal/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// wsConn adapts one WebSocket to the Router. The read loop runs on the
// handler goroutine; a write pump drains the send queue and a ping loop keeps
// the connection alive.
type wsConn struct {
	id      string
	conn    *websocket.Conn
	router  *Router
	log     *slog.Logger
	metrics *metrics.Metrics
	queue   *sendQueue
	limiter *ratelimit.TokenBucket

	idleTimeout  time.Duration
	pingInterval time.Duration

	closeOnce   sync.Once
	closeCode   int
	closeReason string
	done        chan struct{}
}

// Send implements registry.Transport.
func (c *wsConn) Send(data []byte) bool {
	return c.queue.Enqueue(data)
}

// closeWith asks the write pump to flush queued envelopes, send a close frame
// with code (0 sends none) and drop the connection. Only the first call wins.
func (c *wsConn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.queue.Close()
	})
}

func (c *wsConn) run() {
	go c.writePump()
	go c.pingLoop()

	c.readLoop()

	c.router.Disconnect(c.id)
	c.closeWith(0, "")
	<-c.done
}

func (c *wsConn) readLoop() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				c.log.Debug("closing idle signaling connection", "conn_id", c.id)
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent 1009.
				c.metrics.Inc(metrics.ProtocolError)
				c.log.Warn("signaling message too large", "conn_id", c.id)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))

		// Rate limit after the read so the bytes are consumed; closing with
		// unread data risks a TCP reset that hides the close frame.
		if c.limiter != nil && !c.limiter.Allow(1) {
			c.metrics.Inc(metrics.RateLimited)
			c.log.Warn("signaling rate limit exceeded", "conn_id", c.id)
			c.router.sendError(c.id, msgRateLimitExceeded)
			c.closeWith(websocket.ClosePolicyViolation, msgRateLimitExceeded)
			return
		}
		if msgType != websocket.TextMessage {
			c.metrics.Inc(metrics.ProtocolError)
			c.log.Warn("ignoring non-text signaling frame", "conn_id", c.id, "frame_type", msgType)
			continue
		}

		c.router.HandleMessage(c.id, data)
	}
}

func (c *wsConn) writePump() {
	defer close(c.done)
	defer c.conn.Close()

	for {
		msg, ok := c.queue.Dequeue()
		if !ok {
			break
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug("signaling write failed", "conn_id", c.id, "err", err)
			return
		}
	}

	if c.closeCode != 0 {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(c.closeCode, c.closeReason),
			time.Now().Add(wsWriteWait),
		)
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
