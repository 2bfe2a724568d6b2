package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atriumhq/atrium/internal/domain"
	"github.com/atriumhq/atrium/internal/protocol"
	"github.com/atriumhq/atrium/internal/proximity"
	"github.com/atriumhq/atrium/internal/registry"
)

var (
	ErrUnknownMember = errors.New("unknown member")
	ErrRateLimited   = errors.New("chat rate limited")
)

// Room pairs the position registry with the live connections of one
// shared space. It forwards signaling without inspecting it and applies
// distance filtering only at chat fan-out time.
type Room struct {
	name       domain.RoomName
	reg        *registry.Registry
	chatRadius float64
	limiter    *ChatRateLimiter

	mu    sync.RWMutex
	conns map[domain.UserID]Conn
}

func NewRoom(name domain.RoomName, chatRadius float64, limiter *ChatRateLimiter) *Room {
	return &Room{
		name:       name,
		reg:        registry.New(),
		chatRadius: chatRadius,
		limiter:    limiter,
		conns:      make(map[domain.UserID]Conn),
	}
}

func (r *Room) Name() domain.RoomName { return r.name }

func (r *Room) MemberCount() int { return r.reg.Count() }

func (r *Room) Snapshot() []domain.User { return r.reg.Snapshot() }

// Join registers the member, replies with its assigned identity and the
// current registry snapshot, and announces it to everyone else.
func (r *Room) Join(u domain.User, c Conn) []domain.UserID {
	r.mu.Lock()
	r.conns[u.ID] = c
	r.mu.Unlock()
	r.reg.Join(u)

	if b, err := protocol.Encode(protocol.TypeUserJoined, "", u.ID, u); err == nil {
		_ = c.TrySend(b)
	}
	if b, err := protocol.Encode(protocol.TypeUsersList, "", u.ID, protocol.UsersListPayload{Users: r.reg.Snapshot()}); err == nil {
		_ = c.TrySend(b)
	}

	return r.broadcastExcept(protocol.TypeUserConnected, u.ID, u)
}

// Move mutates the registry and re-broadcasts to every other member.
// The origin already knows where it is.
func (r *Room) Move(id domain.UserID, pos domain.Position) ([]domain.UserID, error) {
	if !r.reg.UpdatePosition(id, pos) {
		return nil, ErrUnknownMember
	}
	dropped := r.broadcastExcept(protocol.TypeUserMoved, id, protocol.UserMovedPayload{ID: id, X: pos.X, Y: pos.Y})
	return dropped, nil
}

// Chat computes the sender's nearby set from the server-known positions
// at send time and delivers only to that set plus the sender. The
// returned ids are the members the message actually went to.
func (r *Room) Chat(id domain.UserID, text string) ([]domain.UserID, error) {
	sender, ok := r.reg.Get(id)
	if !ok {
		return nil, ErrUnknownMember
	}
	if r.limiter != nil && !r.limiter.Allow(id) {
		return nil, ErrRateLimited
	}

	recipients := proximity.Nearby(id, sender.Position, r.reg.Positions(), r.chatRadius)
	recipients[id] = struct{}{}

	msg := protocol.ChatPayload{
		UserID:    id,
		UserName:  sender.Name,
		Message:   text,
		Timestamp: time.Now().UnixMilli(),
	}

	delivered := make([]domain.UserID, 0, len(recipients))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for rid := range recipients {
		c, ok := r.conns[rid]
		if !ok {
			continue
		}
		b, err := protocol.Encode(protocol.TypeChatMessage, id, rid, msg)
		if err != nil {
			return delivered, err
		}
		if err := c.TrySend(b); err != nil {
			log.Warn().Str("module", "relay.room").Str("to", string(rid)).Msg("chat frame dropped")
			continue
		}
		delivered = append(delivered, rid)
	}
	log.Debug().Str("module", "relay.room").Str("from", string(id)).Int("delivered", len(delivered)).Msg("chat fan-out")
	return delivered, nil
}

// SetStatus updates the member's presence line and announces it.
func (r *Room) SetStatus(id domain.UserID, status string) ([]domain.UserID, error) {
	if !r.reg.SetStatus(id, status) {
		return nil, ErrUnknownMember
	}
	return r.broadcastExcept(protocol.TypeUserStatus, id, protocol.StatusPayload{ID: id, Status: status}), nil
}

// signalForward maps a client-to-relay signaling type to the event the
// target receives. The relay performs no distance math here.
var signalForward = map[string]string{
	protocol.TypeCallUser:     protocol.TypeIncomingCall,
	protocol.TypeAnswerCall:   protocol.TypeCallAccepted,
	protocol.TypeEndCall:      protocol.TypeCallEnded,
	protocol.TypeICECandidate: protocol.TypeICECandidate,
}

// ForwardSignal relays a call-signaling envelope to its target with the
// sender identity stamped on. Unknown targets are dropped, a peer may
// disconnect while an envelope is in flight.
func (r *Room) ForwardSignal(from domain.UserID, env protocol.Envelope) {
	outType, ok := signalForward[env.Type]
	if !ok {
		log.Debug().Str("module", "relay.room").Str("type", env.Type).Msg("not a forwardable signal")
		return
	}
	if env.To == "" {
		log.Debug().Str("module", "relay.room").Str("type", env.Type).Str("from", string(from)).Msg("signal without target dropped")
		return
	}

	r.mu.RLock()
	c, ok := r.conns[env.To]
	r.mu.RUnlock()
	if !ok {
		log.Debug().Str("module", "relay.room").Str("type", env.Type).Str("to", string(env.To)).Msg("signal for unknown target dropped")
		return
	}

	payload := env.Payload
	if env.Type == protocol.TypeCallUser {
		payload = r.stampCaller(from, env)
	}

	b, err := protocol.Encode(outType, from, env.To, payload)
	if err != nil {
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Str("module", "relay.room").Str("to", string(env.To)).Str("type", outType).Msg("signal frame dropped")
	}
}

// stampCaller fills the offer payload's sender identity and display
// name so the callee can render the incoming call without a registry
// lookup of its own. Undecodable payloads pass through untouched.
func (r *Room) stampCaller(from domain.UserID, env protocol.Envelope) json.RawMessage {
	var p protocol.SignalPayload
	if err := env.DecodePayload(&p); err != nil {
		return env.Payload
	}
	p.From = from
	if u, ok := r.reg.Get(from); ok {
		p.CallerName = u.Name
	}
	b, err := json.Marshal(p)
	if err != nil {
		return env.Payload
	}
	return b
}

// Leave removes the member and tells everyone. Idempotent; safe to call
// from both the read pump defer and an explicit kick.
func (r *Room) Leave(id domain.UserID) {
	r.mu.Lock()
	c, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	r.reg.Leave(id)
	if r.limiter != nil {
		r.limiter.Forget(id)
	}
	c.Close()
	r.broadcastExcept(protocol.TypeUserDisconnected, id, string(id))
}

// SendError reports a relay-side rejection to one member.
func (r *Room) SendError(id domain.UserID, msg string) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if b, err := protocol.Encode(protocol.TypeError, "", id, protocol.ErrorPayload{Error: msg}); err == nil {
		_ = c.TrySend(b)
	}
}

// broadcastExcept fans an event out to every member but the origin and
// returns the ids whose queues were full.
func (r *Room) broadcastExcept(typ string, origin domain.UserID, payload any) []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var dropped []domain.UserID
	for id, c := range r.conns {
		if id == origin {
			continue
		}
		b, err := protocol.Encode(typ, origin, id, payload)
		if err != nil {
			log.Error().Err(err).Str("module", "relay.room").Str("type", typ).Msg("encode failed")
			return dropped
		}
		if err := c.TrySend(b); err != nil {
			dropped = append(dropped, id)
		}
	}
	if len(dropped) > 0 {
		log.Warn().Str("module", "relay.room").Str("type", typ).Int("dropped", len(dropped)).Msg("backpressure during broadcast")
	}
	return dropped
}
