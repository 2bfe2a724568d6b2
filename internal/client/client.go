// Package client is the peer-side orchestrator. It keeps a local cache
// of everyone's position, turns position deltas into proximity
// enter/exit events for the call manager, feeds the spatial mixer, and
// keeps a bounded chat history.
package client

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atriumhq/atrium/internal/call"
	"github.com/atriumhq/atrium/internal/domain"
	"github.com/atriumhq/atrium/internal/protocol"
	"github.com/atriumhq/atrium/internal/proximity"
	"github.com/atriumhq/atrium/internal/spatial"
)

// MaxChatHistory bounds the locally cached messages.
const MaxChatHistory = 50

type Options struct {
	Name       string
	Room       string
	AvatarKind string
	Color      string
	Status     string

	CallRadius       float64
	AudioMaxDistance float64
	AudioRolloff     float64

	Links        call.LinkFactory
	Media        call.MediaSource
	RetryLimit   int
	RetryBackoff time.Duration

	// ApplyGain drives the embedder's audio output per source.
	ApplyGain func(domain.UserID, float64)

	OnChat     func(domain.ChatMessage)
	OnPeers    func([]domain.UserID)
	OnTerminal func(domain.UserID)
}

// Client drives the proximity-based behaviors for one local user. Wire
// events come in through HandleEnvelope; outbound traffic goes through
// the SignalSender.
type Client struct {
	opts   Options
	sender SignalSender
	mixer  *spatial.Mixer

	mu      sync.Mutex
	self    domain.User
	joined  bool
	peers   map[domain.UserID]domain.User
	nearby  proximity.Set
	mgr     *call.Manager
	history []domain.ChatMessage
}

func New(sender SignalSender, opts Options) *Client {
	if opts.CallRadius <= 0 {
		opts.CallRadius = 150
	}
	return &Client{
		opts:   opts,
		sender: sender,
		mixer:  spatial.NewMixer(opts.AudioMaxDistance, opts.AudioRolloff),
		peers:  make(map[domain.UserID]domain.User),
		nearby: proximity.Set{},
	}
}

// Join announces the local user to the relay. Called after every
// (re)connect; the relay answers with a fresh identity and snapshot.
func (c *Client) Join() error {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
	return c.sender.Send(protocol.TypeJoin, "", protocol.JoinPayload{
		Name:       c.opts.Name,
		Room:       c.opts.Room,
		AvatarKind: c.opts.AvatarKind,
		Color:      c.opts.Color,
		Status:     c.opts.Status,
	})
}

// Move updates the local position, re-derives proximity and gain, and
// reports the move to the relay.
func (c *Client) Move(x, y float64) error {
	pos := domain.Position{X: x, Y: y}
	c.mu.Lock()
	c.self.Position = pos
	mgr, entered, exited := c.recomputeProximityLocked()
	c.mu.Unlock()

	c.mixer.UpdateListenerPosition(pos)
	c.applyProximity(mgr, entered, exited)
	return c.sender.Send(protocol.TypeMove, "", protocol.MovePayload{X: x, Y: y})
}

// SendChat submits a message; the relay stamps identity and timestamp
// and decides the recipients at that moment.
func (c *Client) SendChat(text string) error {
	return c.sender.Send(protocol.TypeChatMessage, "", protocol.ChatPayload{Message: text})
}

// SetStatus publishes a new presence line.
func (c *Client) SetStatus(status string) error {
	c.mu.Lock()
	c.self.Status = status
	c.mu.Unlock()
	return c.sender.Send(protocol.TypeSetStatus, "", protocol.StatusPayload{Status: status})
}

func (c *Client) SetMuted(muted bool) {
	c.mu.Lock()
	mgr := c.mgr
	c.mu.Unlock()
	if mgr != nil {
		mgr.SetMuted(muted)
	}
}

func (c *Client) SetVideoEnabled(enabled bool) {
	c.mu.Lock()
	mgr := c.mgr
	c.mu.Unlock()
	if mgr != nil {
		mgr.SetVideoEnabled(enabled)
	}
}

// Self returns the relay-assigned identity, valid once joined.
func (c *Client) Self() (domain.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self, c.joined
}

func (c *Client) History() []domain.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ChatMessage, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Client) ConnectedPeers() []domain.UserID {
	c.mu.Lock()
	mgr := c.mgr
	c.mu.Unlock()
	if mgr == nil {
		return nil
	}
	return mgr.ConnectedPeers()
}

// Close tears down all call sessions.
func (c *Client) Close() {
	c.mu.Lock()
	mgr := c.mgr
	c.mu.Unlock()
	if mgr != nil {
		mgr.Close()
	}
}

// HandleEnvelope dispatches one inbound relay event.
func (c *Client) HandleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeUserJoined:
		c.handleUserJoined(env)
	case protocol.TypeUsersList:
		c.handleUsersList(env)
	case protocol.TypeUserConnected:
		c.handleUserConnected(env)
	case protocol.TypeUserMoved:
		c.handleUserMoved(env)
	case protocol.TypeUserDisconnected:
		c.handleUserDisconnected(env)
	case protocol.TypeUserStatus:
		c.handleUserStatus(env)
	case protocol.TypeChatMessage:
		c.handleChat(env)
	case protocol.TypeIncomingCall:
		c.handleIncomingCall(env)
	case protocol.TypeCallAccepted:
		c.handleCallAccepted(env)
	case protocol.TypeICECandidate:
		c.handleCandidate(env)
	case protocol.TypeCallEnded:
		c.withManager(func(m *call.Manager) { m.HandleCallEnded(string(env.From)) })
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := env.DecodePayload(&p); err == nil {
			log.Warn().Str("module", "client").Str("error", p.Error).Msg("relay reported error")
		}
	case protocol.TypePong:
	default:
		log.Debug().Str("module", "client").Str("type", env.Type).Msg("unknown envelope dropped")
	}
}

func (c *Client) handleUserJoined(env protocol.Envelope) {
	var u domain.User
	if err := env.DecodePayload(&u); err != nil {
		log.Debug().Err(err).Str("module", "client").Msg("bad user-joined payload")
		return
	}

	mgr, err := call.NewManager(call.Config{
		Self:         u.ID,
		Links:        c.opts.Links,
		Signaler:     relaySignaler{c.sender},
		Media:        c.opts.Media,
		RetryLimit:   c.opts.RetryLimit,
		RetryBackoff: c.opts.RetryBackoff,
		OnPeers:      c.opts.OnPeers,
		OnStream:     c.attachStream,
		OnTerminal:   c.opts.OnTerminal,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "client").Msg("call manager unavailable")
		return
	}

	c.mu.Lock()
	if c.mgr != nil {
		// Duplicate user-joined, the relay re-assigned our identity.
		// Sessions negotiated under the old one are dead; the next
		// recompute re-enters everyone still in range.
		old := c.mgr
		go old.Close()
		c.nearby = proximity.Set{}
	}
	c.self = u
	c.joined = true
	c.mgr = mgr
	c.mu.Unlock()
	c.mixer.UpdateListenerPosition(u.Position)
	log.Info().Str("module", "client").Str("id", string(u.ID)).Msg("joined space")
}

func (c *Client) handleUsersList(env protocol.Envelope) {
	var p protocol.UsersListPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Debug().Err(err).Str("module", "client").Msg("bad users-list payload")
		return
	}
	c.mu.Lock()
	for _, u := range p.Users {
		if u.ID == c.self.ID {
			continue
		}
		c.peers[u.ID] = u
	}
	mgr, entered, exited := c.recomputeProximityLocked()
	c.mu.Unlock()
	for _, u := range p.Users {
		c.mixer.UpdateSourcePosition(u.ID, u.Position)
	}
	c.applyProximity(mgr, entered, exited)
}

func (c *Client) handleUserConnected(env protocol.Envelope) {
	var u domain.User
	if err := env.DecodePayload(&u); err != nil {
		log.Debug().Err(err).Str("module", "client").Msg("bad user-connected payload")
		return
	}
	c.mu.Lock()
	c.peers[u.ID] = u
	mgr, entered, exited := c.recomputeProximityLocked()
	c.mu.Unlock()
	c.applyProximity(mgr, entered, exited)
}

func (c *Client) handleUserMoved(env protocol.Envelope) {
	var p protocol.UserMovedPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Debug().Err(err).Str("module", "client").Msg("bad user-moved payload")
		return
	}
	pos := domain.Position{X: p.X, Y: p.Y}
	c.mu.Lock()
	u, known := c.peers[p.ID]
	if known {
		u.Position = pos
		c.peers[p.ID] = u
	}
	mgr, entered, exited := c.recomputeProximityLocked()
	c.mu.Unlock()
	c.mixer.UpdateSourcePosition(p.ID, pos)
	c.applyProximity(mgr, entered, exited)
}

func (c *Client) handleUserDisconnected(env protocol.Envelope) {
	var id string
	if err := env.DecodePayload(&id); err != nil {
		log.Debug().Err(err).Str("module", "client").Msg("bad user-disconnected payload")
		return
	}
	peer := domain.UserID(id)
	c.mu.Lock()
	delete(c.peers, peer)
	delete(c.nearby, peer)
	mgr := c.mgr
	c.mu.Unlock()
	c.mixer.RemoveSource(peer)
	if mgr != nil {
		mgr.HandlePeerGone(peer)
	}
}

func (c *Client) handleUserStatus(env protocol.Envelope) {
	var p protocol.StatusPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Debug().Err(err).Str("module", "client").Msg("bad user-status payload")
		return
	}
	c.mu.Lock()
	if u, ok := c.peers[p.ID]; ok {
		u.Status = p.Status
		c.peers[p.ID] = u
	}
	c.mu.Unlock()
}

func (c *Client) handleChat(env protocol.Envelope) {
	var p protocol.ChatPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Debug().Err(err).Str("module", "client").Msg("bad chat payload")
		return
	}
	msg := domain.ChatMessage{
		SenderID:   p.UserID,
		SenderName: p.UserName,
		Text:       p.Message,
		Timestamp:  p.Timestamp,
	}
	c.mu.Lock()
	c.history = append(c.history, msg)
	if len(c.history) > MaxChatHistory {
		c.history = c.history[len(c.history)-MaxChatHistory:]
	}
	c.mu.Unlock()
	if c.opts.OnChat != nil {
		c.opts.OnChat(msg)
	}
}

func (c *Client) handleIncomingCall(env protocol.Envelope) {
	var p protocol.SignalPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Debug().Err(err).Str("module", "client").Msg("bad incoming-call payload")
		return
	}
	c.withManager(func(m *call.Manager) { m.HandleIncomingCall(string(env.From), p.SDP) })
}

func (c *Client) handleCallAccepted(env protocol.Envelope) {
	var p protocol.SignalPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Debug().Err(err).Str("module", "client").Msg("bad call-accepted payload")
		return
	}
	c.withManager(func(m *call.Manager) { m.HandleCallAccepted(string(env.From), p.SDP) })
}

func (c *Client) handleCandidate(env protocol.Envelope) {
	var p protocol.CandidatePayload
	if err := env.DecodePayload(&p); err != nil {
		log.Debug().Err(err).Str("module", "client").Msg("bad candidate payload")
		return
	}
	c.withManager(func(m *call.Manager) { m.HandleCandidate(string(env.From), p) })
}

func (c *Client) withManager(fn func(*call.Manager)) {
	c.mu.Lock()
	mgr := c.mgr
	c.mu.Unlock()
	if mgr == nil {
		log.Debug().Str("module", "client").Msg("signaling before join dropped")
		return
	}
	fn(mgr)
}

// recomputeProximityLocked replaces the nearby set wholesale and
// returns the delta. Callers apply it outside the lock so manager
// callbacks cannot deadlock against the client.
func (c *Client) recomputeProximityLocked() (*call.Manager, []domain.UserID, []domain.UserID) {
	if !c.joined {
		return nil, nil, nil
	}
	positions := make(map[domain.UserID]domain.Position, len(c.peers))
	for id, u := range c.peers {
		positions[id] = u.Position
	}
	next := proximity.Nearby(c.self.ID, c.self.Position, positions, c.opts.CallRadius)
	entered, exited := next.Diff(c.nearby)
	c.nearby = next
	return c.mgr, entered, exited
}

func (c *Client) applyProximity(mgr *call.Manager, entered, exited []domain.UserID) {
	if mgr == nil {
		return
	}
	for _, id := range exited {
		mgr.HandleProximityExit(id)
	}
	for _, id := range entered {
		mgr.HandleProximityEnter(id)
	}
}

// attachStream registers a connected remote stream with the mixer so
// its node tracks the peer's cached position from then on. Runs with
// no client lock held; ApplyGain may call back into the client.
func (c *Client) attachStream(peer domain.UserID, _ call.RemoteStream) {
	var apply spatial.ApplyFunc
	if c.opts.ApplyGain != nil {
		p := peer
		apply = func(g float64) { c.opts.ApplyGain(p, g) }
	}
	c.mu.Lock()
	u, known := c.peers[peer]
	c.mu.Unlock()

	c.mixer.AddSource(peer, apply)
	if known {
		c.mixer.UpdateSourcePosition(peer, u.Position)
	}
}

// resetLocked clears per-connection state before a (re)join. Existing
// sessions are dead with the old identity.
func (c *Client) resetLocked() {
	if c.mgr != nil {
		old := c.mgr
		c.mgr = nil
		go old.Close()
	}
	c.joined = false
	c.self = domain.User{}
	c.peers = make(map[domain.UserID]domain.User)
	c.nearby = proximity.Set{}
	c.mixer.Reset()
}

// relaySignaler adapts the SignalSender to the call.Signaler contract.
type relaySignaler struct {
	s SignalSender
}

func (r relaySignaler) SendCallUser(to domain.UserID, sdp string) error {
	return r.s.Send(protocol.TypeCallUser, to, protocol.SignalPayload{To: to, SDPType: "offer", SDP: sdp})
}

func (r relaySignaler) SendAnswer(to domain.UserID, sdp string) error {
	return r.s.Send(protocol.TypeAnswerCall, to, protocol.SignalPayload{To: to, SDPType: "answer", SDP: sdp})
}

func (r relaySignaler) SendCandidate(to domain.UserID, cand protocol.CandidatePayload) error {
	cand.To = to
	return r.s.Send(protocol.TypeICECandidate, to, cand)
}

func (r relaySignaler) SendEndCall(to domain.UserID) error {
	return r.s.Send(protocol.TypeEndCall, to, protocol.EndCallPayload{To: to})
}
