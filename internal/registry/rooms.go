package registry

import (
	"fmt"
	"slices"
	"sync"

	"github.com/samber/lo"
)

const maxRoomIDAttempts = 3

type room struct {
	// members preserves join order; it is the participants order on the wire.
	members []string
}

// Rooms is the set of active rooms and their members.
type Rooms struct {
	newID IDSource

	mu    sync.Mutex
	rooms map[string]*room
}

// NewRooms returns an empty room registry. A nil newID uses NewID.
func NewRooms(newID IDSource) *Rooms {
	if newID == nil {
		newID = NewID
	}
	return &Rooms{
		newID: newID,
		rooms: make(map[string]*room),
	}
}

// CreateRoom allocates a fresh room id and registers an empty room under it.
//
// The room is empty until the caller adds its first member; callers must do
// so before any other party can observe the registry.
func (r *Rooms) CreateRoom() (string, error) {
	for attempt := 0; attempt < maxRoomIDAttempts; attempt++ {
		id, err := r.newID()
		if err != nil {
			return "", fmt.Errorf("generate room id: %w", err)
		}

		r.mu.Lock()
		if _, ok := r.rooms[id]; ok {
			r.mu.Unlock()
			continue
		}
		r.rooms[id] = &room{}
		r.mu.Unlock()
		return id, nil
	}
	return "", ErrIDExhausted
}

// AddMember appends connID to the room's members. Adding an existing member
// is a no-op.
func (r *Rooms) AddMember(roomID, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}
	if !slices.Contains(rm.members, connID) {
		rm.members = append(rm.members, connID)
	}
	return nil
}

// RemoveMember removes connID from the room and returns how many members
// remain. A room left with no members is deleted in the same step. Unknown
// rooms report zero.
func (r *Rooms) RemoveMember(roomID, connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	rm.members = lo.Without(rm.members, connID)
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		return 0
	}
	return len(rm.members)
}

// Members returns a copy of the room's members in join order, or nil if the
// room does not exist.
func (r *Rooms) Members(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return slices.Clone(rm.members)
}

func (r *Rooms) Exists(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID]
	return ok
}

func (r *Rooms) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
