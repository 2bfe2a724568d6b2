package relay

import (
	"sync"

	"github.com/atriumhq/atrium/internal/domain"
)

type RoomInfo struct {
	Name        domain.RoomName `json:"name"`
	MemberCount int             `json:"member_count"`
}

// RoomManager creates rooms on demand. Each room is an independent
// space with its own registry, so tests and deployments can run many
// rooms in one process without shared state.
type RoomManager struct {
	mu         sync.RWMutex
	rooms      map[domain.RoomName]*Room
	chatRadius float64
	chatLimit  func() *ChatRateLimiter
}

func NewRoomManager(chatRadius float64, chatLimit func() *ChatRateLimiter) *RoomManager {
	return &RoomManager{
		rooms:      make(map[domain.RoomName]*Room),
		chatRadius: chatRadius,
		chatLimit:  chatLimit,
	}
}

func (rm *RoomManager) GetOrCreate(name domain.RoomName) *Room {
	rm.mu.RLock()
	room, ok := rm.rooms[name]
	rm.mu.RUnlock()
	if ok {
		return room
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if room, ok = rm.rooms[name]; !ok {
		var limiter *ChatRateLimiter
		if rm.chatLimit != nil {
			limiter = rm.chatLimit()
		}
		room = NewRoom(name, rm.chatRadius, limiter)
		rm.rooms[name] = room
	}
	return room
}

func (rm *RoomManager) List() []RoomInfo {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make([]RoomInfo, 0, len(rm.rooms))
	for _, r := range rm.rooms {
		out = append(out, RoomInfo{Name: r.Name(), MemberCount: r.MemberCount()})
	}
	return out
}
