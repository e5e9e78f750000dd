package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

const (
	typeCreateRoom  = "create-room"
	typeJoinRoom    = "join-room"
	typeLeaveRoom   = "leave-room"
	typeOffer       = "offer"
	typeAnswer      = "answer"
	typeCandidate   = "candidate"
	typeChatMessage = "chat-message"

	typeUserID      = "user-id"
	typeRoomCreated = "room-created"
	typeRoomJoined  = "room-joined"
	typeUserJoined  = "user-joined"
	typeUserLeft    = "user-left"
	typeError       = "error"
)

const (
	msgRoomNotFound      = "Room not found"
	msgRateLimitExceeded = "rate limit exceeded"
	msgCreateRoomFailed  = "failed to create room"
)

var errNotObject = errors.New("envelope must be a JSON object")

var validate = validator.New(validator.WithRequiredStructEnabled())

// inbound is a client envelope. Only type is decoded up front; every other
// member stays raw so forwarded envelopes reach the peer unchanged and
// unrelated fields never cause a drop.
type inbound struct {
	Type string `json:"type" validate:"required,max=64"`

	fields map[string]json.RawMessage
}

// str returns field decoded as a JSON string. Absent, null or non-string
// values yield "".
func (m inbound) str(field string) string {
	raw, ok := m.fields[field]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func (m inbound) roomID() string {
	return m.str("roomId")
}

// target returns the forwarding destination. targetUserId is the older name
// used by existing clients.
func (m inbound) target() string {
	if id := m.str("targetConnectionId"); id != "" {
		return id
	}
	return m.str("targetUserId")
}

func (m inbound) has(field string) bool {
	raw, ok := m.fields[field]
	return ok && string(raw) != "null"
}

// encodeWith re-encodes the received envelope with extra fields set. Existing
// members of the same name are overwritten.
func (m inbound) encodeWith(extra map[string]any) ([]byte, error) {
	out := make(map[string]any, len(m.fields)+len(extra))
	for k, v := range m.fields {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return json.Marshal(out)
}

func parseInbound(data []byte) (inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return inbound{}, fmt.Errorf("decode envelope: %w", err)
	}
	if fields == nil {
		return inbound{}, errNotObject
	}

	msg := inbound{fields: fields}
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &msg.Type); err != nil {
			return inbound{}, fmt.Errorf("decode envelope type: %w", err)
		}
	}
	if err := validate.Struct(msg); err != nil {
		return inbound{}, fmt.Errorf("invalid envelope: %w", err)
	}
	return msg, nil
}

type userIDMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type roomMessage struct {
	Type         string   `json:"type"`
	RoomID       string   `json:"roomId"`
	Participants []string `json:"participants"`
}

type membershipMessage struct {
	Type         string   `json:"type"`
	UserID       string   `json:"userId"`
	Participants []string `json:"participants"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
