package call

import (
	"time"

	"github.com/atriumhq/atrium/internal/domain"
	"github.com/atriumhq/atrium/internal/protocol"
)

// SessionState is the lifecycle of one peer session.
//
//	Idle → Connecting → Connected → {Disconnected, Failed}
//	Failed → Retrying (bounded) → Terminated
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateRetrying
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateRetrying:
		return "retrying"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// PeerSession is the per-remote-peer negotiation state. At most one
// exists per peer id; it owns its PeerLink exclusively.
type PeerSession struct {
	peerID     domain.UserID
	state      SessionState
	retryCount uint8
	offerer    bool

	link                PeerLink
	localTracksAttached bool
	remoteDescApplied   bool

	// Candidates that arrived before the remote description; flushed
	// once it is applied.
	pendingCandidates []protocol.CandidatePayload

	// Pending retry timer, stopped unconditionally on teardown.
	retryTimer *time.Timer
}

func (s *PeerSession) PeerID() domain.UserID { return s.peerID }
func (s *PeerSession) State() SessionState   { return s.state }
func (s *PeerSession) Offerer() bool         { return s.offerer }
func (s *PeerSession) RetryCount() uint8     { return s.retryCount }

// stopRetry cancels a scheduled retry if any. Must run before the
// session leaves the map so no timer can resurrect it.
func (s *PeerSession) stopRetry() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *PeerSession) closeLink() {
	if s.link != nil {
		s.link.Close()
		s.link = nil
	}
	s.localTracksAttached = false
	s.remoteDescApplied = false
	s.pendingCandidates = nil
}
