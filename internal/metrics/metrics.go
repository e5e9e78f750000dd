package metrics

import "sync"

// Signaling events. Each name is exported as the `event` label of a single
// Prometheus counter.
const (
	ConnectionOpened   = "connection_opened"
	ConnectionClosed   = "connection_closed"
	ConnectionRejected = "connection_rejected"
	IDCollision        = "id_collision"

	RoomCreated      = "room_created"
	RoomDeleted      = "room_deleted"
	RoomJoined       = "room_joined"
	RoomLeft         = "room_left"
	RoomJoinNotFound = "room_join_not_found"

	SignalForwarded = "signal_forwarded"
	SignalDropped   = "signal_dropped"
	ChatBroadcast   = "chat_broadcast"

	ProtocolError  = "protocol_error"
	UnknownType    = "unknown_type"
	RateLimited    = "rate_limited"
	SendDropped    = "send_dropped"
	TooManyClients = "too_many_connections"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
