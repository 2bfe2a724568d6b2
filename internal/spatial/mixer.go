// Package spatial computes distance-based gain for remote audio
// sources. The mixer holds one node per source, created when the
// source's stream connects and adjusted in place on every position
// delta; nodes are never rebuilt per update.
package spatial

import (
	"math"
	"sync"

	"github.com/atriumhq/atrium/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxDistance   = 500.0
	DefaultRolloffFactor = 2.0
)

// ApplyFunc pushes a computed gain into the actual audio output node.
// It is called with values in [0,1] on the mixer's caller goroutine,
// outside the mixer lock, so it may call back into the mixer.
type ApplyFunc func(gain float64)

type source struct {
	pos   domain.Position
	known bool
	gain  float64
	apply ApplyFunc
}

// Mixer tracks the listener and all connected sources and keeps each
// source's gain consistent with the current distances.
type Mixer struct {
	mu            sync.Mutex
	listener      domain.Position
	listenerKnown bool
	sources       map[domain.UserID]*source
	maxDistance   float64
	rolloff       float64

	// Apply callbacks gathered during a locked update, run after the
	// lock is released so they may call back into the mixer or its
	// owner.
	pending []func()
}

func NewMixer(maxDistance, rolloff float64) *Mixer {
	if maxDistance <= 0 {
		maxDistance = DefaultMaxDistance
	}
	if rolloff <= 0 {
		rolloff = DefaultRolloffFactor
	}
	return &Mixer{
		sources:     make(map[domain.UserID]*source),
		maxDistance: maxDistance,
		rolloff:     rolloff,
	}
}

// Gain maps a distance to a scalar volume multiplier. Anything at or
// beyond maxDistance is silent.
func Gain(distance, maxDistance, rolloff float64) float64 {
	if math.IsNaN(distance) || distance >= maxDistance {
		return 0
	}
	g := 1 - math.Pow(distance/maxDistance, rolloff)
	return math.Max(0, g)
}

// withLock serializes an update and runs the gathered apply callbacks
// after the lock is released.
func (m *Mixer) withLock(fn func()) {
	m.mu.Lock()
	fn()
	pend := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, f := range pend {
		f()
	}
}

// AddSource registers a remote stream's gain node. If a node already
// exists for the id it is replaced, the stream was renegotiated.
func (m *Mixer) AddSource(id domain.UserID, apply ApplyFunc) {
	m.withLock(func() {
		s := &source{apply: apply, gain: -1}
		m.sources[id] = s
		m.recomputeLocked(id, s)
	})
}

func (m *Mixer) RemoveSource(id domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, id)
}

// Reset drops every source, used when the owning client re-joins under
// a new identity.
func (m *Mixer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = make(map[domain.UserID]*source)
	m.listenerKnown = false
}

func (m *Mixer) UpdateListenerPosition(pos domain.Position) {
	if !pos.Valid() {
		log.Debug().Str("module", "spatial.mixer").Msg("ignoring invalid listener position")
		return
	}
	m.withLock(func() {
		m.listener = pos
		m.listenerKnown = true
		for id, s := range m.sources {
			m.recomputeLocked(id, s)
		}
	})
}

func (m *Mixer) UpdateSourcePosition(id domain.UserID, pos domain.Position) {
	m.withLock(func() {
		s, ok := m.sources[id]
		if !ok {
			return
		}
		if !pos.Valid() {
			// Garbled position degrades to silence, never an error.
			s.known = false
			m.recomputeLocked(id, s)
			return
		}
		s.pos = pos
		s.known = true
		m.recomputeLocked(id, s)
	})
}

// SourceGain reports the last applied gain, or 0 for unknown sources.
func (m *Mixer) SourceGain(id domain.UserID) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok || s.gain < 0 {
		return 0
	}
	return s.gain
}

func (m *Mixer) recomputeLocked(id domain.UserID, s *source) {
	dist := m.maxDistance
	if s.known && m.listenerKnown {
		dx := s.pos.X - m.listener.X
		dy := s.pos.Y - m.listener.Y
		dist = math.Hypot(dx, dy)
	}
	g := Gain(dist, m.maxDistance, m.rolloff)
	if g == s.gain {
		return
	}
	s.gain = g
	if fn := s.apply; fn != nil {
		m.pending = append(m.pending, func() { fn(g) })
	}
	log.Trace().Str("module", "spatial.mixer").Str("source", string(id)).Float64("gain", g).Msg("gain applied")
}
