// Package registry holds the relay's in-memory connection and room state.
//
// Both registries are leaf components: they know nothing about envelopes or
// transports beyond an opaque send handle. Multi-step invariants (a
// connection's room reference agreeing with the room's member list) are
// maintained by the signaling router, which serialises every mutation
// sequence; each registry only guarantees that its own maps are safe for
// concurrent use.
package registry
