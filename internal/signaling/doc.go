// Package signaling relays WebRTC session-establishment messages between
// browser connections grouped into rooms.
//
// Router owns the room/connection state and the dispatch table. Server
// adapts gorilla/websocket connections to the Router: one reader goroutine
// per connection feeds HandleMessage, and outbound envelopes are queued on a
// bounded per-connection queue so a slow peer never stalls the Router.
package signaling
