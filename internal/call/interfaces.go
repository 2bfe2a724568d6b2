package call

import (
	"github.com/atriumhq/atrium/internal/domain"
	"github.com/atriumhq/atrium/internal/protocol"
)

// LinkState is the transport-level connection state reported by a
// PeerLink. The manager folds it into the session state machine.
type LinkState int

const (
	LinkConnecting LinkState = iota
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RemoteStream is an opaque handle to a connected peer's inbound media.
type RemoteStream interface {
	ID() string
}

// MediaSource is the locally acquired camera/microphone. It is owned by
// the Manager as a whole and attached by reference to every session, so
// mute toggles hit all sessions at once.
type MediaSource interface {
	SetMuted(bool)
	Muted() bool
	SetVideoEnabled(bool)
	VideoEnabled() bool
}

// PeerLink is one peer-to-peer transport (an RTCPeerConnection in the
// real implementation). Callbacks fire on the link's own goroutines;
// the Manager serializes them.
type PeerLink interface {
	// AttachLocalTracks wires the shared media source's outbound tracks.
	AttachLocalTracks(src MediaSource) error
	// CreateOffer returns the local SDP offer.
	CreateOffer() (string, error)
	// ApplyOfferCreateAnswer applies a remote offer and returns the SDP answer.
	ApplyOfferCreateAnswer(sdp string) (string, error)
	// ApplyAnswer applies the remote answer to a sent offer.
	ApplyAnswer(sdp string) error
	AddICECandidate(protocol.CandidatePayload) error

	OnICECandidate(func(protocol.CandidatePayload))
	OnStateChange(func(LinkState))
	OnRemoteStream(func(RemoteStream))

	// Close releases the link and detaches local track senders. Safe to
	// call more than once.
	Close()
}

// LinkFactory builds a fresh PeerLink for a peer. Each retry attempt
// gets a brand new link.
type LinkFactory func(peer domain.UserID) (PeerLink, error)

// Signaler carries outbound call signaling through the relay.
type Signaler interface {
	SendCallUser(to domain.UserID, sdp string) error
	SendAnswer(to domain.UserID, sdp string) error
	SendCandidate(to domain.UserID, cand protocol.CandidatePayload) error
	SendEndCall(to domain.UserID) error
}
