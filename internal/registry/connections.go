package registry

import (
	"fmt"
	"sync"
)

// Transport is the send side of a live connection.
type Transport interface {
	// Send hands data to the connection for delivery and reports whether it
	// was accepted. It must never block; a closed or saturated transport
	// returns false.
	Send(data []byte) bool
}

// Connection is a snapshot of one registered connection.
type Connection struct {
	ID        string
	Transport Transport
	// RoomID is empty when the connection is not in a room.
	RoomID string
}

// Connections is the set of live connections keyed by connection id.
type Connections struct {
	mu    sync.Mutex
	conns map[string]*Connection
}

func NewConnections() *Connections {
	return &Connections{conns: make(map[string]*Connection)}
}

// Register adds a connection with no room. A duplicate id is rejected with
// ErrDuplicateID and leaves the existing entry untouched.
func (c *Connections) Register(id string, t Transport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conns[id]; ok {
		return fmt.Errorf("%w: connection %q", ErrDuplicateID, id)
	}
	c.conns[id] = &Connection{ID: id, Transport: t}
	return nil
}

func (c *Connections) Unregister(id string) {
	c.mu.Lock()
	delete(c.conns, id)
	c.mu.Unlock()
}

func (c *Connections) Get(id string) (Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[id]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// SetRoom records roomID as the connection's current room. An empty roomID
// clears it. Unknown connection ids are ignored.
func (c *Connections) SetRoom(id, roomID string) {
	c.mu.Lock()
	if conn, ok := c.conns[id]; ok {
		conn.RoomID = roomID
	}
	c.mu.Unlock()
}

func (c *Connections) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// IDs returns the ids of all registered connections in no particular order.
func (c *Connections) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.conns))
	for id := range c.conns {
		out = append(out, id)
	}
	return out
}
