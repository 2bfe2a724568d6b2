// Package domain contains entity types without logic, just meta-data.
package domain

import (
	"errors"
	"math"
)

const MaxNameLen = 36

var (
	ErrNameTooLong = errors.New("name too long")
	ErrNameEmpty   = errors.New("name empty")
)

type UserID string

// Position is a point in the shared 2D space, in pixels.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Valid reports whether both coordinates are finite numbers.
// Garbled positions from the wire must never reach distance math.
func (p Position) Valid() bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) &&
		!math.IsNaN(p.Y) && !math.IsInf(p.Y, 0)
}

type User struct {
	ID         UserID   `json:"id"`
	Name       string   `json:"name"`
	Position   Position `json:"position"`
	Color      string   `json:"color"`
	AvatarKind string   `json:"avatarKind"`
	Status     string   `json:"status"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
// Identity is assigned by the relay on join, not here.
func NewUser(id UserID, name string) (*User, error) {
	if len(name) == 0 {
		return nil, ErrNameEmpty
	}
	if len(name) > MaxNameLen {
		return nil, ErrNameTooLong
	}
	return &User{ID: id, Name: name}, nil
}

func (u *User) SetName(name string) error {
	if len(name) == 0 {
		return ErrNameEmpty
	}
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	u.Name = name
	return nil
}
