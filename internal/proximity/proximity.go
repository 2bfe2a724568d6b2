// Package proximity derives "who is near whom" sets from position
// snapshots. It is the single definition of nearness for call
// management, chat fan-out and spatial audio; each caller passes its
// own radius.
package proximity

import (
	"math"

	"github.com/atriumhq/atrium/internal/domain"
)

// Set is a canonical, order-free proximity set. It is always replaced
// wholesale, never mutated in place.
type Set map[domain.UserID]struct{}

func (s Set) Contains(id domain.UserID) bool {
	_, ok := s[id]
	return ok
}

// Diff compares the receiver (the new set) against old and returns who
// entered and who exited.
func (s Set) Diff(old Set) (entered, exited []domain.UserID) {
	for id := range s {
		if !old.Contains(id) {
			entered = append(entered, id)
		}
	}
	for id := range old {
		if !s.Contains(id) {
			exited = append(exited, id)
		}
	}
	return entered, exited
}

// Distance is plain Euclidean distance between two positions.
func Distance(a, b domain.Position) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return math.Hypot(dx, dy)
}

// Nearby returns the ids within radius of selfPos, boundary inclusive,
// excluding self. Positions that fail validation are skipped, they can
// never be near anyone. O(n) over the snapshot, no caching.
func Nearby(self domain.UserID, selfPos domain.Position, positions map[domain.UserID]domain.Position, radius float64) Set {
	out := make(Set, len(positions))
	if !selfPos.Valid() {
		return out
	}
	for id, pos := range positions {
		if id == self || !pos.Valid() {
			continue
		}
		if Distance(selfPos, pos) <= radius {
			out[id] = struct{}{}
		}
	}
	return out
}
