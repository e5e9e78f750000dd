package signaling

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signal/internal/registry"
)

type RouterConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// NewID generates connection and room ids. Defaults to registry.NewID.
	NewID registry.IDSource
	// Now stamps chat messages that arrive without a timestamp. Defaults to
	// time.Now.
	Now func() time.Time
}

// Stats is a point-in-time view of the Router's registries.
type Stats struct {
	Connections int
	Rooms       int
}

// Router dispatches inbound envelopes and keeps the connection and room
// registries consistent.
//
// Every entry point holds mu for the whole operation, including the sends it
// triggers. Sends only enqueue, so holding the lock across them is cheap.
type Router struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	newID   registry.IDSource
	now     func() time.Time

	mu    sync.Mutex
	conns *registry.Connections
	rooms *registry.Rooms
}

func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		newID:   cfg.NewID,
		now:     cfg.Now,
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.newID == nil {
		r.newID = registry.NewID
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.conns = registry.NewConnections()
	r.rooms = registry.NewRooms(r.newID)
	return r
}

// Connect registers t under a fresh connection id and greets it with a
// user-id envelope. A registry error means the connection must be refused.
func (r *Router) Connect(t registry.Transport) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.newID()
	if err != nil {
		return "", fmt.Errorf("generate connection id: %w", err)
	}
	if err := r.conns.Register(id, t); err != nil {
		r.metrics.Inc(metrics.IDCollision)
		return "", err
	}
	r.metrics.Inc(metrics.ConnectionOpened)
	r.log.Debug("connection registered", "conn_id", id)

	r.deliver(id, t, userIDMessage{Type: typeUserID, UserID: id})
	return id, nil
}

// Disconnect applies an implicit leave-room and forgets the connection.
func (r *Router) Disconnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns.Get(id)
	if !ok {
		return
	}
	if conn.RoomID != "" {
		r.leave(id, conn.RoomID)
	}
	r.conns.Unregister(id)
	r.metrics.Inc(metrics.ConnectionClosed)
	r.log.Debug("connection unregistered", "conn_id", id)
}

// HandleMessage processes one inbound envelope from connection id. Malformed
// and unknown envelopes are logged and dropped.
func (r *Router) HandleMessage(id string, data []byte) {
	msg, err := parseInbound(data)
	if err != nil {
		r.metrics.Inc(metrics.ProtocolError)
		r.log.Warn("dropping malformed envelope", "conn_id", id, "err", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns.Get(id)
	if !ok {
		return
	}

	switch msg.Type {
	case typeCreateRoom:
		r.createRoom(conn)
	case typeJoinRoom:
		r.joinRoom(conn, msg.roomID())
	case typeLeaveRoom:
		if conn.RoomID != "" {
			r.leave(conn.ID, conn.RoomID)
		}
	case typeOffer, typeAnswer, typeCandidate:
		r.forward(conn, msg)
	case typeChatMessage:
		r.chat(conn, msg)
	default:
		r.metrics.Inc(metrics.UnknownType)
		r.log.Debug("ignoring unknown envelope type", "conn_id", id, "type", msg.Type)
	}
}

// sendError delivers an error envelope outside the dispatch table, e.g.
// before a rate-limited connection is closed.
func (r *Router) sendError(id, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.send(id, errorMessage{Type: typeError, Message: message})
}

func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Connections: r.conns.Len(), Rooms: r.rooms.Len()}
}

func (r *Router) createRoom(conn registry.Connection) {
	if conn.RoomID != "" {
		r.leave(conn.ID, conn.RoomID)
	}

	roomID, err := r.rooms.CreateRoom()
	if err != nil {
		r.log.Error("create room failed", "conn_id", conn.ID, "err", err)
		r.send(conn.ID, errorMessage{Type: typeError, Message: msgCreateRoomFailed})
		return
	}
	if err := r.rooms.AddMember(roomID, conn.ID); err != nil {
		r.log.Error("add room founder failed", "conn_id", conn.ID, "room_id", roomID, "err", err)
		return
	}
	r.conns.SetRoom(conn.ID, roomID)
	r.metrics.Inc(metrics.RoomCreated)
	r.log.Info("room created", "conn_id", conn.ID, "room_id", roomID)

	r.send(conn.ID, roomMessage{
		Type:         typeRoomCreated,
		RoomID:       roomID,
		Participants: r.participants(roomID),
	})
}

func (r *Router) joinRoom(conn registry.Connection, roomID string) {
	if roomID == "" || !r.rooms.Exists(roomID) {
		r.metrics.Inc(metrics.RoomJoinNotFound)
		r.log.Debug("join of unknown room", "conn_id", conn.ID, "room_id", roomID)
		r.send(conn.ID, errorMessage{Type: typeError, Message: msgRoomNotFound})
		return
	}

	if conn.RoomID == roomID {
		r.send(conn.ID, roomMessage{Type: typeRoomJoined, RoomID: roomID, Participants: r.participants(roomID)})
		return
	}
	if conn.RoomID != "" {
		r.leave(conn.ID, conn.RoomID)
	}

	if err := r.rooms.AddMember(roomID, conn.ID); err != nil {
		r.log.Error("join room failed", "conn_id", conn.ID, "room_id", roomID, "err", err)
		r.send(conn.ID, errorMessage{Type: typeError, Message: msgRoomNotFound})
		return
	}
	r.conns.SetRoom(conn.ID, roomID)
	r.metrics.Inc(metrics.RoomJoined)
	r.log.Info("room joined", "conn_id", conn.ID, "room_id", roomID)

	participants := r.participants(roomID)
	r.send(conn.ID, roomMessage{Type: typeRoomJoined, RoomID: roomID, Participants: participants})
	r.broadcast(participants, conn.ID, membershipMessage{
		Type:         typeUserJoined,
		UserID:       conn.ID,
		Participants: participants,
	})
}

// leave removes id from roomID and tells the remaining members. The caller
// has already established that id is in roomID.
func (r *Router) leave(id, roomID string) {
	remaining := r.rooms.RemoveMember(roomID, id)
	r.conns.SetRoom(id, "")
	r.metrics.Inc(metrics.RoomLeft)
	r.log.Info("room left", "conn_id", id, "room_id", roomID)

	if remaining == 0 {
		r.metrics.Inc(metrics.RoomDeleted)
		r.log.Info("room deleted", "room_id", roomID)
		return
	}

	participants := r.participants(roomID)
	r.broadcast(participants, id, membershipMessage{
		Type:         typeUserLeft,
		UserID:       id,
		Participants: participants,
	})
}

func (r *Router) forward(conn registry.Connection, msg inbound) {
	target := msg.target()
	if conn.RoomID == "" || target == "" {
		r.metrics.Inc(metrics.SignalDropped)
		r.log.Debug("dropping signal", "conn_id", conn.ID, "type", msg.Type, "reason", "no room or target")
		return
	}

	dst, ok := r.conns.Get(target)
	if !ok {
		r.metrics.Inc(metrics.SignalDropped)
		r.log.Debug("dropping signal", "conn_id", conn.ID, "type", msg.Type, "reason", "unknown target")
		return
	}

	payload, err := msg.encodeWith(map[string]any{
		"senderId": conn.ID,
		"userId":   conn.ID,
	})
	if err != nil {
		r.metrics.Inc(metrics.ProtocolError)
		r.log.Warn("re-encode signal failed", "conn_id", conn.ID, "type", msg.Type, "err", err)
		return
	}
	if !dst.Transport.Send(payload) {
		r.metrics.Inc(metrics.SignalDropped)
		r.metrics.Inc(metrics.SendDropped)
		return
	}
	r.metrics.Inc(metrics.SignalForwarded)
}

func (r *Router) chat(conn registry.Connection, msg inbound) {
	if conn.RoomID == "" {
		r.log.Debug("dropping chat outside room", "conn_id", conn.ID)
		return
	}

	extra := map[string]any{
		"senderId": conn.ID,
		"userId":   conn.ID,
	}
	if !msg.has("timestamp") {
		extra["timestamp"] = r.now().UnixMilli()
	}
	payload, err := msg.encodeWith(extra)
	if err != nil {
		r.metrics.Inc(metrics.ProtocolError)
		r.log.Warn("re-encode chat failed", "conn_id", conn.ID, "err", err)
		return
	}

	r.metrics.Inc(metrics.ChatBroadcast)
	r.broadcastRaw(r.rooms.Members(conn.RoomID), conn.ID, payload)
}

// participants returns a non-nil snapshot so it encodes as [] rather than
// null.
func (r *Router) participants(roomID string) []string {
	members := r.rooms.Members(roomID)
	if members == nil {
		return []string{}
	}
	return members
}

func (r *Router) broadcast(members []string, exclude string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		r.log.Error("encode broadcast failed", "err", err)
		return
	}
	r.broadcastRaw(members, exclude, payload)
}

// broadcastRaw sends payload to every member except exclude. members must be
// a snapshot.
func (r *Router) broadcastRaw(members []string, exclude string, payload []byte) {
	for _, id := range members {
		if id == exclude {
			continue
		}
		conn, ok := r.conns.Get(id)
		if !ok {
			continue
		}
		if !conn.Transport.Send(payload) {
			r.metrics.Inc(metrics.SendDropped)
		}
	}
}

func (r *Router) send(id string, v any) {
	conn, ok := r.conns.Get(id)
	if !ok {
		return
	}
	r.deliver(id, conn.Transport, v)
}

func (r *Router) deliver(id string, t registry.Transport, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		r.log.Error("encode envelope failed", "conn_id", id, "err", err)
		return
	}
	if !t.Send(payload) {
		r.metrics.Inc(metrics.SendDropped)
		r.log.Debug("send dropped", "conn_id", id)
	}
}
