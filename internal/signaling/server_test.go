package signaling

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signal/internal/metrics"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv := NewServer(cfg)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readEnvelope(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := c.ReadJSON(&msg); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return msg
}

func writeEnvelope(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	if err := c.WriteJSON(v); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

// readUntilClose reads envelopes until the server closes the connection and
// returns them together with the terminating error.
func readUntilClose(t *testing.T, c *websocket.Conn) ([]map[string]any, error) {
	t.Helper()
	var msgs []map[string]any
	for {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg map[string]any
		if err := c.ReadJSON(&msg); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("timeout waiting for server to close")
			}
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
}

func greeting(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	msg := readEnvelope(t, c)
	if msg["type"] != typeUserID {
		t.Fatalf("first envelope=%v, want user-id", msg)
	}
	id, _ := msg["userId"].(string)
	if id == "" {
		t.Fatalf("user-id envelope without id: %v", msg)
	}
	return id
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketSignaling_RoomFlow(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	url := wsURL(ts, "/signal")

	a := dial(t, url)
	aID := greeting(t, a)
	b := dial(t, url)
	bID := greeting(t, b)
	if aID == bID {
		t.Fatalf("both connections got id %q", aID)
	}

	writeEnvelope(t, a, map[string]any{"type": typeCreateRoom})
	created := readEnvelope(t, a)
	if created["type"] != typeRoomCreated {
		t.Fatalf("A got %v, want room-created", created)
	}
	roomID := created["roomId"].(string)

	writeEnvelope(t, b, map[string]any{"type": typeJoinRoom, "roomId": roomID})
	if joined := readEnvelope(t, b); joined["type"] != typeRoomJoined || joined["roomId"] != roomID {
		t.Fatalf("B got %v, want room-joined", joined)
	}
	if msg := readEnvelope(t, a); msg["type"] != typeUserJoined || msg["userId"] != bID {
		t.Fatalf("A got %v, want user-joined for %s", msg, bID)
	}

	writeEnvelope(t, a, map[string]any{
		"type":               typeOffer,
		"targetConnectionId": bID,
		"offer":              map[string]any{"type": "offer", "sdp": "v=0"},
	})
	offer := readEnvelope(t, b)
	if offer["type"] != typeOffer || offer["senderId"] != aID {
		t.Fatalf("B got %v, want offer from %s", offer, aID)
	}

	if got := srv.Router().Stats(); got.Connections != 2 || got.Rooms != 1 {
		t.Fatalf("stats=%+v, want 2 connections and 1 room", got)
	}

	_ = b.Close()
	if msg := readEnvelope(t, a); msg["type"] != typeUserLeft || msg["userId"] != bID {
		t.Fatalf("A got %v, want user-left for %s", msg, bID)
	}
	waitFor(t, "B to unregister", func() bool { return srv.Router().Stats().Connections == 1 })
}

func TestWebSocketSignaling_MalformedEnvelopeKeepsConnection(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	c := dial(t, wsURL(ts, "/signal"))
	greeting(t, c)

	if err := c.WriteMessage(websocket.TextMessage, []byte("{nope")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	writeEnvelope(t, c, map[string]any{"type": typeCreateRoom})
	if msg := readEnvelope(t, c); msg["type"] != typeRoomCreated {
		t.Fatalf("got %v, want room-created", msg)
	}
}

func TestWebSocketSignaling_RateLimitClosesWithPolicyViolation(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, Config{Metrics: m, MaxSignalingMessagesPerSecond: 2})
	c := dial(t, wsURL(ts, "/signal"))
	greeting(t, c)

	for i := 0; i < 3; i++ {
		writeEnvelope(t, c, map[string]any{"type": typeLeaveRoom})
	}

	msgs, err := readUntilClose(t, c)
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v, want close 1008", err)
	}
	if len(msgs) == 0 {
		t.Fatalf("expected an error envelope before close")
	}
	last := msgs[len(msgs)-1]
	if last["type"] != typeError || last["message"] != msgRateLimitExceeded {
		t.Fatalf("last envelope=%v, want rate limit error", last)
	}
	if got := m.Get(metrics.RateLimited); got != 1 {
		t.Fatalf("rate_limited=%d, want 1", got)
	}
}

func TestWebSocketSignaling_OversizedMessageClosesWithTooBig(t *testing.T) {
	srv, ts := newTestServer(t, Config{MaxSignalingMessageBytes: 128})
	c := dial(t, wsURL(ts, "/signal"))
	greeting(t, c)

	big := `{"type":"chat-message","message":"` + strings.Repeat("x", 1024) + `"}`
	if err := c.WriteMessage(websocket.TextMessage, []byte(big)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := readUntilClose(t, c)
	if !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Fatalf("err=%v, want close 1009", err)
	}
	waitFor(t, "connection to unregister", func() bool { return srv.Router().Stats().Connections == 0 })
}

func TestWebSocketSignaling_OriginPolicy(t *testing.T) {
	_, ts := newTestServer(t, Config{AllowedOrigins: []string{"https://app.example.com"}})
	url := wsURL(ts, "/signal")

	tests := []struct {
		name   string
		origin []string
		ok     bool
	}{
		{name: "allowed", origin: []string{"https://app.example.com"}, ok: true},
		{name: "allowed with default port", origin: []string{"https://APP.example.com:443"}, ok: true},
		{name: "no origin", ok: true},
		{name: "other origin", origin: []string{"https://evil.example.com"}},
		{name: "malformed", origin: []string{"app.example.com"}},
		{name: "duplicate headers", origin: []string{"https://app.example.com", "https://app.example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for _, o := range tt.origin {
				h.Add("Origin", o)
			}
			c, resp, err := websocket.DefaultDialer.Dial(url, h)
			if tt.ok {
				if err != nil {
					t.Fatalf("dial: %v", err)
				}
				_ = c.Close()
				return
			}
			if err == nil {
				_ = c.Close()
				t.Fatalf("dial succeeded, want rejection")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Fatalf("resp=%v err=%v, want 403", resp, err)
			}
		})
	}
}

func TestWebSocketSignaling_MaxConnections(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, Config{Metrics: m, MaxConnections: 1})
	url := wsURL(ts, "/signal")

	first := dial(t, url)
	greeting(t, first)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("second dial succeeded, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp=%v err=%v, want 503", resp, err)
	}
	if got := m.Get(metrics.TooManyClients); got != 1 {
		t.Fatalf("too_many_clients=%d, want 1", got)
	}

	_ = first.Close()
	waitFor(t, "slot release", func() bool {
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	})
}

func TestWebSocketSignaling_UpgradeOrServesRoot(t *testing.T) {
	srv := NewServer(Config{})
	ts := httptest.NewServer(srv.UpgradeOr(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "static")
	})))
	defer ts.Close()

	c := dial(t, wsURL(ts, "/"))
	greeting(t, c)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "static" {
		t.Fatalf("body=%q, want %q", body, "static")
	}
}

func TestWebSocketSignaling_IdleTimeoutClosesWithoutPong(t *testing.T) {
	_, ts := newTestServer(t, Config{
		SignalingWSIdleTimeout:  500 * time.Millisecond,
		SignalingWSPingInterval: 50 * time.Millisecond,
	})
	c := dial(t, wsURL(ts, "/signal"))
	greeting(t, c)

	pingSeen := make(chan struct{}, 1)
	c.SetPingHandler(func(string) error {
		select {
		case pingSeen <- struct{}{}:
		default:
		}
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err := c.ReadMessage()
		errCh <- err
	}()

	select {
	case <-pingSeen:
	case err := <-errCh:
		t.Fatalf("connection closed before receiving ping: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for server ping")
	}

	select {
	case err := <-errCh:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Fatalf("err=%v, want close 1000", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for server to close idle websocket")
	}
}

func TestWebSocketSignaling_PongKeepsConnectionOpenBeyondIdleTimeout(t *testing.T) {
	idleTimeout := 300 * time.Millisecond
	_, ts := newTestServer(t, Config{
		SignalingWSIdleTimeout:  idleTimeout,
		SignalingWSPingInterval: 50 * time.Millisecond,
	})
	c := dial(t, wsURL(ts, "/signal"))
	greeting(t, c)

	c.SetPingHandler(func(appData string) error {
		return c.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	errCh := make(chan error, 1)
	go func() {
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err := c.ReadMessage()
		errCh <- err
	}()

	select {
	case err := <-errCh:
		t.Fatalf("connection closed despite pongs: %v", err)
	case <-time.After(3 * idleTimeout):
	}
}

func TestServer_ShutdownClosesConnectionsWithGoingAway(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	url := wsURL(ts, "/signal")
	c := dial(t, url)
	greeting(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- srv.Shutdown(ctx) }()

	_, err := readUntilClose(t, c)
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("err=%v, want close 1001", err)
	}
	if err := <-shutdownErr; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := srv.Router().Stats().Connections; got != 0 {
		t.Fatalf("connections=%d after shutdown, want 0", got)
	}

	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial after shutdown: %v", err)
	}
	defer late.Close()
	_, err = readUntilClose(t, late)
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("late connection err=%v, want close 1001", err)
	}
}
