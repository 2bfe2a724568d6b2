package relay

import "github.com/atriumhq/atrium/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to members whose outbound queue is full.
type Policy interface {
	OnBackpressure(room domain.RoomName, member domain.UserID) BackpressureAction
}

// KickSlowPolicy evicts members that cannot keep up. Position traffic
// is high-frequency; a stalled reader only falls further behind.
type KickSlowPolicy struct{}

func (KickSlowPolicy) OnBackpressure(domain.RoomName, domain.UserID) BackpressureAction {
	return KickMember
}
