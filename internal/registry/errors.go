package registry

import "errors"

var (
	// ErrDuplicateID is returned when a connection or room id is already live.
	// With a correct id generator this should never happen; callers treat it as
	// fatal to the operation that produced the id.
	ErrDuplicateID = errors.New("registry: duplicate id")

	ErrRoomNotFound = errors.New("registry: room not found")

	// ErrIDExhausted is returned when CreateRoom cannot find an unused id after
	// several attempts.
	ErrIDExhausted = errors.New("registry: failed to allocate unique id")
)
