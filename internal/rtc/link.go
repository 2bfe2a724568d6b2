// Package rtc implements call.PeerLink and call.MediaSource on top of
// pion/webrtc.
package rtc

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/atriumhq/atrium/internal/call"
	"github.com/atriumhq/atrium/internal/domain"
	"github.com/atriumhq/atrium/internal/protocol"
)

var ErrUnsupportedMedia = errors.New("unsupported media source")

func DefaultConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// NewLinkFactory returns a call.LinkFactory building pion-backed links
// with the given configuration.
func NewLinkFactory(cfg webrtc.Configuration) call.LinkFactory {
	return func(peer domain.UserID) (call.PeerLink, error) {
		return NewLink(cfg, peer)
	}
}

// Link owns one RTCPeerConnection. Exactly one Link exists per peer
// session; the session replaces the whole Link on retry.
type Link struct {
	pc   *webrtc.PeerConnection
	peer domain.UserID

	mu       sync.Mutex
	senders  []*webrtc.RTPSender
	onICE    func(protocol.CandidatePayload)
	onState  func(call.LinkState)
	onStream func(call.RemoteStream)

	closeOnce sync.Once
}

func NewLink(cfg webrtc.Configuration, peer domain.UserID) (*Link, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	l := &Link{pc: pc, peer: peer}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		l.mu.Lock()
		fn := l.onICE
		l.mu.Unlock()
		if fn != nil {
			ci := cand.ToJSON()
			p := protocol.CandidatePayload{Candidate: ci.Candidate}
			if ci.SDPMid != nil {
				p.SDPMid = *ci.SDPMid
			}
			if ci.SDPMLineIndex != nil {
				p.SDPMLineIndex = *ci.SDPMLineIndex
			}
			fn(p)
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc.link").Str("peer", string(peer)).Str("state", st.String()).Msg("peer state")
		l.mu.Lock()
		fn := l.onState
		l.mu.Unlock()
		if fn != nil {
			fn(mapState(st))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc.link").
			Str("peer", string(peer)).
			Str("kind", track.Kind().String()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		l.mu.Lock()
		fn := l.onStream
		l.mu.Unlock()
		if fn != nil {
			fn(remoteTrack{track: track})
		}
	})

	return l, nil
}

func mapState(st webrtc.PeerConnectionState) call.LinkState {
	switch st {
	case webrtc.PeerConnectionStateConnected:
		return call.LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return call.LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return call.LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return call.LinkClosed
	default:
		return call.LinkConnecting
	}
}

// remoteTrack adapts a pion remote track to call.RemoteStream.
type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (r remoteTrack) ID() string { return r.track.StreamID() }

// Track exposes the underlying pion track for media consumers.
func (r remoteTrack) Track() *webrtc.TrackRemote { return r.track }

func (l *Link) AttachLocalTracks(src call.MediaSource) error {
	media, ok := src.(*LocalMedia)
	if !ok {
		return ErrUnsupportedMedia
	}
	for _, track := range media.Tracks() {
		sender, err := l.pc.AddTrack(track)
		if err != nil {
			return err
		}
		l.mu.Lock()
		l.senders = append(l.senders, sender)
		l.mu.Unlock()
	}
	return nil
}

func (l *Link) CreateOffer() (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	// Trickle ICE: candidates travel as separate envelopes, no need to
	// wait for gathering to complete.
	return offer.SDP, nil
}

func (l *Link) ApplyOfferCreateAnswer(sdp string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return "", err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (l *Link) ApplyAnswer(sdp string) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (l *Link) AddICECandidate(p protocol.CandidatePayload) error {
	ci := webrtc.ICECandidateInit{Candidate: p.Candidate}
	if p.SDPMid != "" {
		mid := p.SDPMid
		ci.SDPMid = &mid
	}
	idx := p.SDPMLineIndex
	ci.SDPMLineIndex = &idx
	return l.pc.AddICECandidate(ci)
}

func (l *Link) OnICECandidate(fn func(protocol.CandidatePayload)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onICE = fn
}

func (l *Link) OnStateChange(fn func(call.LinkState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onState = fn
}

func (l *Link) OnRemoteStream(fn func(call.RemoteStream)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onStream = fn
}

// Close detaches the shared local tracks from this connection and
// releases it. The tracks themselves stay alive for other sessions.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		senders := l.senders
		l.senders = nil
		l.onState = nil
		l.mu.Unlock()

		for _, s := range senders {
			if err := l.pc.RemoveTrack(s); err != nil {
				log.Debug().Err(err).Str("module", "rtc.link").Str("peer", string(l.peer)).Msg("remove track")
			}
		}
		if err := l.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc.link").Str("peer", string(l.peer)).Msg("close error")
		}
	})
}
