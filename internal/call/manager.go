// Package call orchestrates one peer session per remote user: offer and
// answer exchange, ICE, bounded retries and teardown. Proximity events
// and relay signaling both feed the same state machine; every
// transition runs under the manager's lock so independently-clocked
// inputs cannot interleave mid-transition.
package call

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atriumhq/atrium/internal/domain"
	"github.com/atriumhq/atrium/internal/protocol"
)

var ErrNoMedia = errors.New("no media source")

// Config wires a Manager. RetryLimit/RetryBackoff default to 3 and 2s.
type Config struct {
	Self         domain.UserID
	Links        LinkFactory
	Signaler     Signaler
	Media        MediaSource
	RetryLimit   int
	RetryBackoff time.Duration

	// OnPeers observes the connected-peers list for the UI. OnStream
	// reports a newly connected remote stream. OnTerminal reports a
	// session that exhausted its retries. Callbacks run outside the
	// manager lock and may call back into the manager.
	OnPeers    func([]domain.UserID)
	OnStream   func(domain.UserID, RemoteStream)
	OnTerminal func(domain.UserID)
}

type Manager struct {
	mu       sync.Mutex
	self     domain.UserID
	sessions map[domain.UserID]*PeerSession
	newLink  LinkFactory
	sig      Signaler
	media    MediaSource

	retryLimit   int
	retryBackoff time.Duration

	onPeers    func([]domain.UserID)
	onStream   func(domain.UserID, RemoteStream)
	onTerminal func(domain.UserID)

	pending []func()
	closed  bool
}

// NewManager builds the session manager. A nil media source means the
// user denied camera/microphone access; no sessions can ever be
// created, so construction fails up front.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Media == nil {
		return nil, ErrNoMedia
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	return &Manager{
		self:         cfg.Self,
		sessions:     make(map[domain.UserID]*PeerSession),
		newLink:      cfg.Links,
		sig:          cfg.Signaler,
		media:        cfg.Media,
		retryLimit:   cfg.RetryLimit,
		retryBackoff: cfg.RetryBackoff,
		onPeers:      cfg.OnPeers,
		onStream:     cfg.OnStream,
		onTerminal:   cfg.OnTerminal,
	}, nil
}

// withLock serializes a transition and runs queued callbacks after the
// lock is released.
func (m *Manager) withLock(fn func()) {
	m.mu.Lock()
	fn()
	pend := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, f := range pend {
		f()
	}
}

func (m *Manager) queue(fn func()) {
	if fn != nil {
		m.pending = append(m.pending, fn)
	}
}

// HandleProximityEnter creates a session for a peer that just came into
// call range. The lexicographically smaller id offers; the other side
// creates its session and waits for the inbound offer, so simultaneous
// detection on both sides still yields exactly one offer.
func (m *Manager) HandleProximityEnter(peer domain.UserID) {
	m.withLock(func() {
		if m.closed || peer == m.self {
			return
		}
		if _, ok := m.sessions[peer]; ok {
			return
		}
		s := &PeerSession{
			peerID:  peer,
			state:   StateConnecting,
			offerer: m.self < peer,
		}
		m.sessions[peer] = s
		log.Info().Str("module", "call.manager").Str("peer", string(peer)).Bool("offerer", s.offerer).Msg("session created")
		if s.offerer {
			m.startOfferLocked(s)
		}
	})
}

// HandleProximityExit tears the session down unconditionally: pending
// retry timers are stopped and local track senders released on this
// same turn. Pre-empts any in-flight negotiation.
func (m *Manager) HandleProximityExit(peer domain.UserID) {
	m.withLock(func() {
		if s, ok := m.sessions[peer]; ok {
			if s.state == StateConnecting || s.state == StateConnected {
				_ = m.sig.SendEndCall(peer)
			}
			m.teardownLocked(peer, StateDisconnected)
		}
	})
}

// HandlePeerGone handles a peer disconnecting from the space entirely.
func (m *Manager) HandlePeerGone(peer domain.UserID) {
	m.withLock(func() {
		if _, ok := m.sessions[peer]; ok {
			m.teardownLocked(peer, StateDisconnected)
		}
	})
}

// HandleIncomingCall processes a remote offer. If no session exists one
// is created as answerer. An offer from a peer we should be offering to
// violates the tie-break and is dropped.
func (m *Manager) HandleIncomingCall(from string, sdp string) {
	peer := domain.UserID(from)
	m.withLock(func() {
		if m.closed {
			return
		}
		if m.self < peer {
			log.Warn().Str("module", "call.manager").Str("peer", from).Msg("glare offer from higher id dropped")
			return
		}
		s, ok := m.sessions[peer]
		if ok && s.state == StateTerminated {
			log.Debug().Str("module", "call.manager").Str("peer", from).Msg("offer for terminated session dropped")
			return
		}
		if !ok {
			s = &PeerSession{peerID: peer, state: StateConnecting, offerer: false}
			m.sessions[peer] = s
			log.Info().Str("module", "call.manager").Str("peer", from).Msg("session created by inbound offer")
		}
		// A repeated offer is the offerer renegotiating after a failure;
		// the old link is gone on their side, replace ours too.
		wasConnected := s.state == StateConnected
		s.stopRetry()
		s.closeLink()
		s.state = StateConnecting
		if wasConnected {
			m.notifyPeersLocked()
		}
		link, err := m.attachLinkLocked(s)
		if err != nil {
			m.failLocked(s)
			return
		}
		answer, err := link.ApplyOfferCreateAnswer(sdp)
		if err != nil {
			log.Error().Err(err).Str("module", "call.manager").Str("peer", from).Msg("apply offer failed")
			m.failLocked(s)
			return
		}
		s.remoteDescApplied = true
		m.flushCandidatesLocked(s)
		if err := m.sig.SendAnswer(peer, answer); err != nil {
			log.Error().Err(err).Str("module", "call.manager").Str("peer", from).Msg("send answer failed")
			m.failLocked(s)
		}
	})
}

// HandleCallAccepted applies the remote answer to a sent offer.
func (m *Manager) HandleCallAccepted(from string, sdp string) {
	peer := domain.UserID(from)
	m.withLock(func() {
		s, ok := m.sessions[peer]
		if !ok || !s.offerer || s.link == nil {
			log.Debug().Str("module", "call.manager").Str("peer", from).Msg("unexpected answer dropped")
			return
		}
		if err := s.link.ApplyAnswer(sdp); err != nil {
			log.Error().Err(err).Str("module", "call.manager").Str("peer", from).Msg("apply answer failed")
			m.failLocked(s)
			return
		}
		s.remoteDescApplied = true
		m.flushCandidatesLocked(s)
	})
}

// HandleCandidate applies a trickle ICE candidate. Candidates for
// unknown peers are dropped, never fatal; candidates racing ahead of
// the remote description are buffered.
func (m *Manager) HandleCandidate(from string, cand protocol.CandidatePayload) {
	peer := domain.UserID(from)
	m.withLock(func() {
		s, ok := m.sessions[peer]
		if !ok {
			log.Debug().Str("module", "call.manager").Str("peer", from).Msg("candidate for unknown peer dropped")
			return
		}
		if s.link == nil || !s.remoteDescApplied {
			s.pendingCandidates = append(s.pendingCandidates, cand)
			return
		}
		if err := s.link.AddICECandidate(cand); err != nil {
			log.Debug().Err(err).Str("module", "call.manager").Str("peer", from).Msg("candidate rejected")
		}
	})
}

// HandleCallEnded processes a remote hang-up.
func (m *Manager) HandleCallEnded(from string) {
	peer := domain.UserID(from)
	m.withLock(func() {
		if _, ok := m.sessions[peer]; ok {
			m.teardownLocked(peer, StateDisconnected)
		}
	})
}

// SessionState reports the state of the session for peer, if any.
func (m *Manager) SessionState(peer domain.UserID) (SessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	if !ok {
		return StateIdle, false
	}
	return s.state, true
}

// ConnectedPeers returns the peers whose sessions are Connected.
func (m *Manager) ConnectedPeers() []domain.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectedLocked()
}

func (m *Manager) SetMuted(muted bool) { m.media.SetMuted(muted) }

func (m *Manager) Muted() bool { return m.media.Muted() }

func (m *Manager) SetVideoEnabled(enabled bool) { m.media.SetVideoEnabled(enabled) }

func (m *Manager) VideoEnabled() bool { return m.media.VideoEnabled() }

// Close tears down every session and prevents new ones.
func (m *Manager) Close() {
	m.withLock(func() {
		m.closed = true
		for peer := range m.sessions {
			m.teardownLocked(peer, StateDisconnected)
		}
	})
}

func (m *Manager) startOfferLocked(s *PeerSession) {
	link, err := m.attachLinkLocked(s)
	if err != nil {
		m.failLocked(s)
		return
	}
	offer, err := link.CreateOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "call.manager").Str("peer", string(s.peerID)).Msg("create offer failed")
		m.failLocked(s)
		return
	}
	if err := m.sig.SendCallUser(s.peerID, offer); err != nil {
		log.Error().Err(err).Str("module", "call.manager").Str("peer", string(s.peerID)).Msg("send offer failed")
		m.failLocked(s)
	}
}

func (m *Manager) attachLinkLocked(s *PeerSession) (PeerLink, error) {
	link, err := m.newLink(s.peerID)
	if err != nil {
		log.Error().Err(err).Str("module", "call.manager").Str("peer", string(s.peerID)).Msg("link creation failed")
		return nil, err
	}
	peer := s.peerID
	link.OnICECandidate(func(c protocol.CandidatePayload) {
		_ = m.sig.SendCandidate(peer, c)
	})
	link.OnStateChange(func(st LinkState) {
		m.onLinkState(peer, s, st)
	})
	link.OnRemoteStream(func(rs RemoteStream) {
		if m.onStream != nil {
			m.onStream(peer, rs)
		}
	})
	if err := link.AttachLocalTracks(m.media); err != nil {
		link.Close()
		return nil, err
	}
	s.link = link
	s.localTracksAttached = true
	return link, nil
}

// onLinkState folds transport state changes into the session machine.
// Stale callbacks from links that were already replaced or torn down
// are ignored.
func (m *Manager) onLinkState(peer domain.UserID, s *PeerSession, st LinkState) {
	m.withLock(func() {
		cur, ok := m.sessions[peer]
		if !ok || cur != s {
			return
		}
		switch st {
		case LinkConnected:
			s.state = StateConnected
			s.retryCount = 0
			log.Info().Str("module", "call.manager").Str("peer", string(peer)).Msg("session connected")
			m.notifyPeersLocked()
		case LinkFailed:
			m.failLocked(s)
		case LinkDisconnected:
			if s.state == StateConnected {
				s.state = StateDisconnected
				m.notifyPeersLocked()
			}
		case LinkConnecting, LinkClosed:
		}
	})
}

// failLocked counts a failed transition and either schedules a retry
// with linear backoff or terminates the session for good.
func (m *Manager) failLocked(s *PeerSession) {
	s.retryCount++
	s.closeLink()
	if int(s.retryCount) < m.retryLimit {
		s.state = StateRetrying
		backoff := m.retryBackoff * time.Duration(s.retryCount)
		peer := s.peerID
		s.retryTimer = time.AfterFunc(backoff, func() {
			m.retryFire(peer, s)
		})
		log.Warn().Str("module", "call.manager").Str("peer", string(peer)).
			Uint8("attempt", s.retryCount).Dur("backoff", backoff).Msg("session failed, retry scheduled")
		return
	}

	s.state = StateTerminated
	s.stopRetry()
	log.Error().Str("module", "call.manager").Str("peer", string(s.peerID)).Msg("session terminated, retries exhausted")
	if m.onTerminal != nil {
		peer := s.peerID
		m.queue(func() { m.onTerminal(peer) })
	}
	m.notifyPeersLocked()
}

// retryFire runs when a backoff timer expires. The session must still
// be the same instance, still registered and still Retrying; teardown
// in the meantime makes this a no-op.
func (m *Manager) retryFire(peer domain.UserID, s *PeerSession) {
	m.withLock(func() {
		cur, ok := m.sessions[peer]
		if !ok || cur != s || s.state != StateRetrying {
			return
		}
		s.retryTimer = nil
		s.state = StateConnecting
		log.Info().Str("module", "call.manager").Str("peer", string(peer)).Uint8("attempt", s.retryCount).Msg("retrying session")
		if s.offerer {
			m.startOfferLocked(s)
		}
		// The answerer resets and waits for the offerer's next offer.
	})
}

func (m *Manager) teardownLocked(peer domain.UserID, final SessionState) {
	s, ok := m.sessions[peer]
	if !ok {
		return
	}
	s.stopRetry()
	s.closeLink()
	s.state = final
	delete(m.sessions, peer)
	log.Info().Str("module", "call.manager").Str("peer", string(peer)).Str("state", final.String()).Msg("session removed")
	m.notifyPeersLocked()
}

func (m *Manager) flushCandidatesLocked(s *PeerSession) {
	for _, c := range s.pendingCandidates {
		if err := s.link.AddICECandidate(c); err != nil {
			log.Debug().Err(err).Str("module", "call.manager").Str("peer", string(s.peerID)).Msg("buffered candidate rejected")
		}
	}
	s.pendingCandidates = nil
}

func (m *Manager) connectedLocked() []domain.UserID {
	out := make([]domain.UserID, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.state == StateConnected {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) notifyPeersLocked() {
	if m.onPeers == nil {
		return
	}
	peers := m.connectedLocked()
	m.queue(func() { m.onPeers(peers) })
}
