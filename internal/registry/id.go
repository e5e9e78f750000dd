package registry

import "github.com/google/uuid"

// IDSource produces opaque identifiers for connections and rooms.
type IDSource func() (string, error)

// NewID returns a random (version 4) UUID string.
//
// 122 of the 128 bits are random, so the probability of any collision among
// n live ids is below n^2 / 2^123. The registries still reject duplicates
// explicitly.
func NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
