// Package protocol defines the wire envelope exchanged through the
// signaling relay. Every message is a tagged union: a type discriminant
// plus a raw payload decoded only after the type is known.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/atriumhq/atrium/internal/domain"
)

// Event types. Client-to-relay on the left column of the table in the
// protocol docs, relay-to-client on the right.
const (
	// presence
	TypeJoin             = "join"
	TypeUserJoined       = "user-joined"
	TypeUsersList        = "users-list"
	TypeUserConnected    = "user-connected"
	TypeUserDisconnected = "user-disconnected"

	// movement
	TypeMove      = "move"
	TypeUserMoved = "user-moved"

	// presence detail
	TypeSetStatus  = "set-status"
	TypeUserStatus = "user-status"

	// chat
	TypeChatMessage = "chat-message"

	// call signaling
	TypeCallUser     = "call-user"
	TypeIncomingCall = "incoming-call"
	TypeAnswerCall   = "answer-call"
	TypeCallAccepted = "call-accepted"
	TypeEndCall      = "end-call"
	TypeCallEnded    = "call-ended"
	TypeICECandidate = "ice-candidate"

	// keepalive
	TypePing = "ping"
	TypePong = "pong"

	// relay-to-client fault reporting
	TypeError = "error"
)

var (
	ErrBadEnvelope = errors.New("bad envelope")
	ErrBadPayload  = errors.New("bad payload")
)

// Envelope is the wire unit. From is filled in by the relay based on the
// sending connection, never trusted from the client. To addresses
// targeted call signaling; empty means broadcast semantics decided by
// the event type.
type Envelope struct {
	Type    string          `json:"type"`
	From    domain.UserID   `json:"from,omitempty"`
	To      domain.UserID   `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses the outer envelope. Payload stays raw.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrBadEnvelope)
	}
	return env, nil
}

// Encode builds a wire frame for an event with the given payload.
func Encode(typ string, from, to domain.UserID, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: typ, From: from, To: to, Payload: raw})
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrBadPayload, e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadPayload, e.Type, err)
	}
	return nil
}

// JoinPayload is sent by a client right after the websocket opens.
type JoinPayload struct {
	Name       string `json:"name"`
	Room       string `json:"room,omitempty"`
	AvatarKind string `json:"avatarKind"`
	Color      string `json:"color,omitempty"`
	Status     string `json:"status,omitempty"`
}

// MovePayload carries the mover's new absolute position.
type MovePayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// UserMovedPayload is the relay's re-broadcast of a move.
type UserMovedPayload struct {
	ID domain.UserID `json:"id"`
	X  float64       `json:"x"`
	Y  float64       `json:"y"`
}

// UsersListPayload is the registry snapshot handed to a joiner.
type UsersListPayload struct {
	Users []domain.User `json:"users"`
}

// ChatPayload is both directions: the client sends Text only, the relay
// fills the rest before fan-out.
type ChatPayload struct {
	UserID    domain.UserID `json:"userId,omitempty"`
	UserName  string        `json:"userName,omitempty"`
	Message   string        `json:"message"`
	Timestamp int64         `json:"timestamp,omitempty"`
}

// SignalPayload wraps an SDP blob for call-user/incoming-call and
// answer-call/call-accepted exchanges.
type SignalPayload struct {
	To         domain.UserID `json:"to,omitempty"`
	From       domain.UserID `json:"from,omitempty"`
	CallerName string        `json:"callerName,omitempty"`
	SDPType    string        `json:"sdpType"`
	SDP        string        `json:"sdp"`
}

// CandidatePayload carries one trickle ICE candidate. The sender
// identity travels on the envelope.
type CandidatePayload struct {
	To            domain.UserID `json:"to,omitempty"`
	Candidate     string        `json:"candidate"`
	SDPMid        string        `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16        `json:"sdpMLineIndex,omitempty"`
}

// EndCallPayload addresses a hang-up.
type EndCallPayload struct {
	To domain.UserID `json:"to,omitempty"`
}

// StatusPayload updates the free-form presence line shown next to a
// user's name. The relay fills ID on re-broadcast.
type StatusPayload struct {
	ID     domain.UserID `json:"id,omitempty"`
	Status string        `json:"status"`
}

// ErrorPayload reports a relay-side rejection (rate limit, bad join).
type ErrorPayload struct {
	Error string `json:"error"`
}
