package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signal/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	logger := slog.New(&recordingHandler{mu: mu, records: records})
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{level: r.Level, msg: r.Message, attrs: map[string]any{}}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := *h
	nh.groups = append(append([]string(nil), h.groups...), name)
	return &nh
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]bool {
	codes := map[string]bool{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			codes[code] = true
		}
	}
	return codes
}

func stunOnly() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com"}}}
}

func TestStartupSecurityWarnings(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{
			name: "wildcard origins",
			cfg:  config.Config{Mode: config.ModeDev, AllowedOrigins: []string{"*"}, ICEServers: stunOnly()},
			want: "allowed_origins_wildcard",
		},
		{
			name: "unlimited connections in prod",
			cfg:  config.Config{Mode: config.ModeProd, ICEServers: stunOnly()},
			want: "max_connections_unlimited_in_prod",
		},
		{
			name: "large messages",
			cfg:  config.Config{Mode: config.ModeDev, MaxSignalingMessageBytes: 4 << 20, ICEServers: stunOnly()},
			want: "signaling_message_bytes_large",
		},
		{
			name: "no ice servers",
			cfg:  config.Config{Mode: config.ModeDev},
			want: "ice_servers_empty",
		},
		{
			name: "turn rest without turn urls",
			cfg: config.Config{
				Mode:       config.ModeDev,
				ICEServers: stunOnly(),
				TURNREST:   config.TurnRESTConfig{SharedSecret: "s", TTLSeconds: 60, UsernamePrefix: "aero"},
			},
			want: "turn_rest_without_turn_urls",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, records := newRecordingLogger()
			logStartupSecurityWarnings(logger, tt.cfg)
			if codes := warningCodes(records()); !codes[tt.want] {
				t.Fatalf("expected warning_code=%s, got %v", tt.want, codes)
			}
		})
	}
}

func TestStartupSecurityWarnings_QuietForSafeProdConfig(t *testing.T) {
	logger, records := newRecordingLogger()
	cfg := config.Config{
		Mode:                     config.ModeProd,
		AllowedOrigins:           []string{"https://app.example.com"},
		MaxConnections:           1000,
		MaxSignalingMessageBytes: config.DefaultMaxSignalingMessageBytes,
		SignalingWSIdleTimeout:   config.DefaultSignalingWSIdleTimeout,
		ICEServers:               stunOnly(),
	}
	logStartupSecurityWarnings(logger, cfg)
	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("unexpected warnings: %v", codes)
	}
}

func TestStartupSecurityWarnings_InvalidICEConfig(t *testing.T) {
	t.Setenv("AERO_TURN_URLS", "turn:turn.example.com")
	cfg, err := config.Load(nil)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	logger, records := newRecordingLogger()
	logStartupSecurityWarnings(logger, cfg)
	codes := warningCodes(records())
	if !codes["ice_config_invalid"] {
		t.Fatalf("expected warning_code=ice_config_invalid, got %v", codes)
	}
	if codes["ice_servers_empty"] {
		t.Fatalf("ice_servers_empty should not be reported alongside an invalid config")
	}
}
