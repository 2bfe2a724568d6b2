// Package registry holds the relay's authoritative view of connected
// users and their last-known positions. Entries live exactly as long as
// the owning connection; nothing is persisted.
package registry

import (
	"sync"

	"github.com/atriumhq/atrium/internal/domain"
	"github.com/rs/zerolog/log"
)

type Registry struct {
	mu    sync.RWMutex
	users map[domain.UserID]*domain.User
}

func New() *Registry {
	return &Registry{
		users: make(map[domain.UserID]*domain.User),
	}
}

// Join stores a new user entry. The id is assigned by the relay before
// the call; the default position is the origin until the first move.
func (r *Registry) Join(u domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := u
	r.users[u.ID] = &stored
	log.Info().Str("module", "registry").Str("id", string(u.ID)).Str("name", u.Name).Msg("user joined")
}

// UpdatePosition mutates the entry for id. Only the owning client's
// move events reach this method; the relay enforces that. Returns false
// for unknown ids or invalid coordinates.
func (r *Registry) UpdatePosition(id domain.UserID, pos domain.Position) bool {
	if !pos.Valid() {
		log.Debug().Str("module", "registry").Str("id", string(id)).Msg("rejected invalid position")
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return false
	}
	u.Position = pos
	return true
}

func (r *Registry) SetStatus(id domain.UserID, status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return false
	}
	u.Status = status
	return true
}

// Leave deletes the entry. Idempotent.
func (r *Registry) Leave(id domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[id]; ok {
		delete(r.users, id)
		log.Info().Str("module", "registry").Str("id", string(id)).Msg("user left")
	}
}

func (r *Registry) Get(id domain.UserID) (domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return domain.User{}, false
	}
	return *u, true
}

// Snapshot returns a copy of every entry. Mutating the result does not
// touch the registry.
func (r *Registry) Snapshot() []domain.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, *u)
	}
	return out
}

// Positions returns the id→position map consumed by the proximity
// engine. Copied so fan-out math never races with moves.
func (r *Registry) Positions() map[domain.UserID]domain.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.UserID]domain.Position, len(r.users))
	for id, u := range r.users {
		out[id] = u.Position
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
