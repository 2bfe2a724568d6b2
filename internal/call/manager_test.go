package call

import (
	"sync"
	"testing"
	"time"

	"github.com/atriumhq/atrium/internal/domain"
	"github.com/atriumhq/atrium/internal/protocol"
)

type fakeLink struct {
	mu         sync.Mutex
	attached   bool
	closed     bool
	candidates []protocol.CandidatePayload
	onICE      func(protocol.CandidatePayload)
	onState    func(LinkState)
	onStream   func(RemoteStream)
}

func (l *fakeLink) AttachLocalTracks(MediaSource) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attached = true
	return nil
}

func (l *fakeLink) CreateOffer() (string, error) { return "offer-sdp", nil }

func (l *fakeLink) ApplyOfferCreateAnswer(string) (string, error) { return "answer-sdp", nil }

func (l *fakeLink) ApplyAnswer(string) error { return nil }

func (l *fakeLink) AddICECandidate(c protocol.CandidatePayload) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, c)
	return nil
}

func (l *fakeLink) OnICECandidate(fn func(protocol.CandidatePayload)) { l.onICE = fn }
func (l *fakeLink) OnStateChange(fn func(LinkState))                  { l.onState = fn }
func (l *fakeLink) OnRemoteStream(fn func(RemoteStream))              { l.onStream = fn }

func (l *fakeLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) candidateCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.candidates)
}

type linkFactory struct {
	mu    sync.Mutex
	links []*fakeLink
}

func (f *linkFactory) new(domain.UserID) (PeerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := &fakeLink{}
	f.links = append(f.links, l)
	return l, nil
}

func (f *linkFactory) latest() *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.links) == 0 {
		return nil
	}
	return f.links[len(f.links)-1]
}

func (f *linkFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

type sigRecord struct {
	typ  string
	to   domain.UserID
	sdp  string
	cand protocol.CandidatePayload
}

type fakeSignaler struct {
	mu      sync.Mutex
	records []sigRecord
}

func (s *fakeSignaler) SendCallUser(to domain.UserID, sdp string) error {
	s.record(sigRecord{typ: "call-user", to: to, sdp: sdp})
	return nil
}

func (s *fakeSignaler) SendAnswer(to domain.UserID, sdp string) error {
	s.record(sigRecord{typ: "answer", to: to, sdp: sdp})
	return nil
}

func (s *fakeSignaler) SendCandidate(to domain.UserID, c protocol.CandidatePayload) error {
	s.record(sigRecord{typ: "candidate", to: to, cand: c})
	return nil
}

func (s *fakeSignaler) SendEndCall(to domain.UserID) error {
	s.record(sigRecord{typ: "end-call", to: to})
	return nil
}

func (s *fakeSignaler) record(r sigRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

func (s *fakeSignaler) countType(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.typ == typ {
			n++
		}
	}
	return n
}

type fakeMedia struct {
	mu    sync.Mutex
	muted bool
	video bool
}

func (m *fakeMedia) SetMuted(b bool) { m.mu.Lock(); defer m.mu.Unlock(); m.muted = b }
func (m *fakeMedia) Muted() bool     { m.mu.Lock(); defer m.mu.Unlock(); return m.muted }
func (m *fakeMedia) SetVideoEnabled(b bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.video = b
}
func (m *fakeMedia) VideoEnabled() bool { m.mu.Lock(); defer m.mu.Unlock(); return m.video }

func newTestManager(t *testing.T, self domain.UserID) (*Manager, *linkFactory, *fakeSignaler) {
	t.Helper()
	f := &linkFactory{}
	sig := &fakeSignaler{}
	m, err := NewManager(Config{
		Self:         self,
		Links:        f.new,
		Signaler:     sig,
		Media:        &fakeMedia{},
		RetryLimit:   3,
		RetryBackoff: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m, f, sig
}

func TestNoMediaNoManager(t *testing.T) {
	_, err := NewManager(Config{Self: "a"})
	if err != ErrNoMedia {
		t.Errorf("expected ErrNoMedia, got %v", err)
	}
}

func TestEnterAsOffererSendsOffer(t *testing.T) {
	m, f, sig := newTestManager(t, "a")
	m.HandleProximityEnter("b")

	if st, ok := m.SessionState("b"); !ok || st != StateConnecting {
		t.Errorf("expected Connecting session, got %v ok=%v", st, ok)
	}
	if sig.countType("call-user") != 1 {
		t.Errorf("expected exactly one offer, got %d", sig.countType("call-user"))
	}
	link := f.latest()
	if link == nil || !link.attached {
		t.Error("local tracks not attached to the new link")
	}
}

func TestEnterAsAnswererWaits(t *testing.T) {
	m, f, sig := newTestManager(t, "b")
	m.HandleProximityEnter("a")

	if st, ok := m.SessionState("a"); !ok || st != StateConnecting {
		t.Errorf("expected Connecting session, got %v ok=%v", st, ok)
	}
	if sig.countType("call-user") != 0 {
		t.Error("answerer must not send an offer")
	}
	if f.count() != 0 {
		t.Error("answerer must not create a link before the offer arrives")
	}
}

func TestEnterIdempotent(t *testing.T) {
	m, _, sig := newTestManager(t, "a")
	m.HandleProximityEnter("b")
	m.HandleProximityEnter("b")
	if sig.countType("call-user") != 1 {
		t.Errorf("duplicate enter produced %d offers", sig.countType("call-user"))
	}
}

func TestGlareExactlyOneOffer(t *testing.T) {
	// Both peers detect enter in the same tick; only the smaller id offers.
	ma, _, sigA := newTestManager(t, "a")
	mb, _, sigB := newTestManager(t, "b")

	ma.HandleProximityEnter("b")
	mb.HandleProximityEnter("a")

	total := sigA.countType("call-user") + sigB.countType("call-user")
	if total != 1 {
		t.Errorf("expected exactly one offer across both sides, got %d", total)
	}
	if sigB.countType("call-user") != 0 {
		t.Error("the higher id must never offer")
	}
}

func TestGlareOfferFromHigherIdDropped(t *testing.T) {
	m, f, sig := newTestManager(t, "a")
	m.HandleIncomingCall("b", "offer-sdp")

	if _, ok := m.SessionState("b"); ok {
		t.Error("offer violating the tie-break must not create a session")
	}
	if f.count() != 0 || sig.countType("answer") != 0 {
		t.Error("offer violating the tie-break must be a pure no-op")
	}
}

func TestIncomingOfferCreatesAnswererSession(t *testing.T) {
	m, f, sig := newTestManager(t, "b")
	m.HandleIncomingCall("a", "offer-sdp")

	if st, ok := m.SessionState("a"); !ok || st != StateConnecting {
		t.Errorf("expected Connecting session, got %v ok=%v", st, ok)
	}
	if sig.countType("answer") != 1 {
		t.Errorf("expected one answer, got %d", sig.countType("answer"))
	}
	if link := f.latest(); link == nil || !link.attached {
		t.Error("answerer link missing or tracks not attached")
	}
}

func TestFullHandshakeBothConnected(t *testing.T) {
	ma, fa, sigA := newTestManager(t, "a")
	mb, fb, _ := newTestManager(t, "b")

	ma.HandleProximityEnter("b")
	mb.HandleProximityEnter("a")

	// Relay the offer to b and the answer back to a.
	sigA.mu.Lock()
	offer := sigA.records[0].sdp
	sigA.mu.Unlock()
	mb.HandleIncomingCall("a", offer)

	ma.HandleCallAccepted("b", "answer-sdp")

	fa.latest().onState(LinkConnected)
	fb.latest().onState(LinkConnected)

	if st, _ := ma.SessionState("b"); st != StateConnected {
		t.Errorf("offerer state = %v, want Connected", st)
	}
	if st, _ := mb.SessionState("a"); st != StateConnected {
		t.Errorf("answerer state = %v, want Connected", st)
	}
	if peers := ma.ConnectedPeers(); len(peers) != 1 || peers[0] != "b" {
		t.Errorf("offerer connected peers = %v", peers)
	}
}

func TestCandidateForUnknownPeerDropped(t *testing.T) {
	m, _, _ := newTestManager(t, "a")
	// Must not crash and must not create a session.
	m.HandleCandidate("ghost", protocol.CandidatePayload{Candidate: "c"})
	if _, ok := m.SessionState("ghost"); ok {
		t.Error("candidate must not create a session")
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	m, f, _ := newTestManager(t, "a")
	m.HandleProximityEnter("b")

	// Answer not applied yet: candidates buffer instead of hitting the link.
	m.HandleCandidate("b", protocol.CandidatePayload{Candidate: "c1"})
	m.HandleCandidate("b", protocol.CandidatePayload{Candidate: "c2"})
	if n := f.latest().candidateCount(); n != 0 {
		t.Errorf("expected 0 candidates before remote description, got %d", n)
	}

	m.HandleCallAccepted("b", "answer-sdp")
	if n := f.latest().candidateCount(); n != 2 {
		t.Errorf("expected 2 flushed candidates, got %d", n)
	}

	m.HandleCandidate("b", protocol.CandidatePayload{Candidate: "c3"})
	if n := f.latest().candidateCount(); n != 3 {
		t.Errorf("expected direct apply after remote description, got %d", n)
	}
}

func TestProximityExitTearsDownAndCancelsRetry(t *testing.T) {
	m, f, sig := newTestManager(t, "a")
	m.HandleProximityEnter("b")

	// Fail once so a retry timer is pending.
	f.latest().onState(LinkFailed)
	if st, _ := m.SessionState("b"); st != StateRetrying {
		t.Fatalf("state = %v, want Retrying", st)
	}

	m.HandleProximityExit("b")
	if _, ok := m.SessionState("b"); ok {
		t.Fatal("session survived proximity exit")
	}

	offersBefore := sig.countType("call-user")
	linksBefore := f.count()
	time.Sleep(40 * time.Millisecond)
	if sig.countType("call-user") != offersBefore || f.count() != linksBefore {
		t.Error("retry timer fired after teardown")
	}
}

func TestExitClosesLinkAndSendsEndCall(t *testing.T) {
	m, f, sig := newTestManager(t, "a")
	m.HandleProximityEnter("b")
	m.HandleCallAccepted("b", "answer-sdp")
	f.latest().onState(LinkConnected)

	m.HandleProximityExit("b")

	if !f.latest().isClosed() {
		t.Error("link not closed on exit")
	}
	if sig.countType("end-call") != 1 {
		t.Errorf("expected one end-call, got %d", sig.countType("end-call"))
	}
}

func TestRemoteHangUpTearsDown(t *testing.T) {
	m, f, _ := newTestManager(t, "b")
	m.HandleIncomingCall("a", "offer-sdp")
	f.latest().onState(LinkConnected)

	m.HandleCallEnded("a")
	if _, ok := m.SessionState("a"); ok {
		t.Error("session survived remote hang-up")
	}
	if !f.latest().isClosed() {
		t.Error("link not closed after call-ended")
	}
}

func TestPeerGoneTearsDownWithoutEndCall(t *testing.T) {
	m, _, sig := newTestManager(t, "a")
	m.HandleProximityEnter("b")
	m.HandlePeerGone("b")

	if _, ok := m.SessionState("b"); ok {
		t.Error("session survived peer disconnect")
	}
	if sig.countType("end-call") != 0 {
		t.Error("no point signaling a peer that already disconnected")
	}
}

func TestRetryRecreatesLinkAndResends(t *testing.T) {
	m, f, sig := newTestManager(t, "a")
	m.HandleProximityEnter("b")
	first := f.latest()

	first.onState(LinkFailed)
	if !first.isClosed() {
		t.Error("failed link must be released before the retry")
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for f.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if f.count() != 2 {
		t.Fatalf("expected a fresh link after backoff, have %d", f.count())
	}
	if sig.countType("call-user") != 2 {
		t.Errorf("expected re-offer after retry, got %d offers", sig.countType("call-user"))
	}
	if st, _ := m.SessionState("b"); st != StateConnecting {
		t.Errorf("state after retry = %v, want Connecting", st)
	}
}

func TestRetryExhaustionTerminates(t *testing.T) {
	var terminalMu sync.Mutex
	var terminal []domain.UserID

	f := &linkFactory{}
	sig := &fakeSignaler{}
	m, err := NewManager(Config{
		Self:         "a",
		Links:        f.new,
		Signaler:     sig,
		Media:        &fakeMedia{},
		RetryLimit:   3,
		RetryBackoff: 2 * time.Millisecond,
		OnTerminal: func(peer domain.UserID) {
			terminalMu.Lock()
			terminal = append(terminal, peer)
			terminalMu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	m.HandleProximityEnter("b")

	// Drive consecutive failures, waiting out each backoff.
	for i := 0; i < 3; i++ {
		link := f.latest()
		link.onState(LinkFailed)
		deadline := time.Now().Add(500 * time.Millisecond)
		for f.latest() == link && time.Now().Before(deadline) {
			st, ok := m.SessionState("b")
			if ok && st == StateTerminated {
				break
			}
			time.Sleep(2 * time.Millisecond)
		}
	}

	st, ok := m.SessionState("b")
	if !ok || st != StateTerminated {
		t.Fatalf("state = %v ok=%v, want Terminated", st, ok)
	}

	terminalMu.Lock()
	gotTerminal := len(terminal)
	terminalMu.Unlock()
	if gotTerminal != 1 {
		t.Errorf("expected one terminal notification, got %d", gotTerminal)
	}

	links := f.count()
	offers := sig.countType("call-user")
	time.Sleep(30 * time.Millisecond)
	if f.count() != links || sig.countType("call-user") != offers {
		t.Error("a retry was scheduled after termination")
	}

	// Re-enter while Terminated is a no-op; exit clears the tombstone.
	m.HandleProximityEnter("b")
	if sig.countType("call-user") != offers {
		t.Error("enter resurrected a terminated session")
	}
	m.HandleProximityExit("b")
	if _, stillThere := m.SessionState("b"); stillThere {
		t.Error("exit did not clear the terminated session")
	}
}

func TestOnPeersObservable(t *testing.T) {
	var mu sync.Mutex
	var last []domain.UserID

	f := &linkFactory{}
	m, err := NewManager(Config{
		Self:     "a",
		Links:    f.new,
		Signaler: &fakeSignaler{},
		Media:    &fakeMedia{},
		OnPeers: func(peers []domain.UserID) {
			mu.Lock()
			last = peers
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	m.HandleProximityEnter("b")
	f.latest().onState(LinkConnected)

	mu.Lock()
	got := len(last)
	mu.Unlock()
	if got != 1 {
		t.Errorf("expected 1 connected peer observed, got %d", got)
	}

	m.HandleProximityExit("b")
	mu.Lock()
	got = len(last)
	mu.Unlock()
	if got != 0 {
		t.Errorf("expected 0 connected peers after exit, got %d", got)
	}
}

func TestMuteSharedAcrossSessions(t *testing.T) {
	media := &fakeMedia{}
	f := &linkFactory{}
	m, err := NewManager(Config{Self: "a", Links: f.new, Signaler: &fakeSignaler{}, Media: media})
	if err != nil {
		t.Fatal(err)
	}
	m.HandleProximityEnter("b")
	m.HandleProximityEnter("c")

	m.SetMuted(true)
	if !media.Muted() || !m.Muted() {
		t.Error("mute did not reach the shared media source")
	}
}

func TestCloseTearsDownAll(t *testing.T) {
	m, f, _ := newTestManager(t, "a")
	m.HandleProximityEnter("b")
	m.HandleProximityEnter("c")

	m.Close()
	if _, ok := m.SessionState("b"); ok {
		t.Error("session b survived Close")
	}
	if _, ok := m.SessionState("c"); ok {
		t.Error("session c survived Close")
	}
	for _, l := range f.links {
		if !l.isClosed() {
			t.Error("link not closed by Close")
		}
	}

	m.HandleProximityEnter("d")
	if _, ok := m.SessionState("d"); ok {
		t.Error("closed manager accepted a new session")
	}
}
