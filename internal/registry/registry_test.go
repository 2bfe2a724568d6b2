package registry

import (
	"math"
	"testing"

	"github.com/atriumhq/atrium/internal/domain"
)

func TestJoinAndGet(t *testing.T) {
	r := New()
	r.Join(domain.User{ID: "u1", Name: "ada", Color: "#fa0"})

	u, ok := r.Get("u1")
	if !ok {
		t.Fatal("expected user after join")
	}
	if u.Name != "ada" || u.Color != "#fa0" {
		t.Errorf("unexpected stored user: %+v", u)
	}
	if u.Position != (domain.Position{}) {
		t.Errorf("expected default position, got %+v", u.Position)
	}
}

func TestUpdatePositionVisibleToReads(t *testing.T) {
	r := New()
	r.Join(domain.User{ID: "u1", Name: "ada"})

	if !r.UpdatePosition("u1", domain.Position{X: 42, Y: 7}) {
		t.Fatal("expected update to succeed")
	}
	u, _ := r.Get("u1")
	if u.Position.X != 42 || u.Position.Y != 7 {
		t.Errorf("mutation not visible to subsequent read: %+v", u.Position)
	}
}

func TestUpdatePositionUnknownUser(t *testing.T) {
	r := New()
	if r.UpdatePosition("ghost", domain.Position{X: 1, Y: 1}) {
		t.Error("expected update for unknown id to fail")
	}
}

func TestUpdatePositionRejectsGarbage(t *testing.T) {
	r := New()
	r.Join(domain.User{ID: "u1", Name: "ada"})
	if r.UpdatePosition("u1", domain.Position{X: math.NaN(), Y: 0}) {
		t.Error("expected NaN position to be rejected")
	}
	u, _ := r.Get("u1")
	if u.Position != (domain.Position{}) {
		t.Errorf("rejected update must not mutate entry: %+v", u.Position)
	}
}

func TestLeaveDeletesEntry(t *testing.T) {
	r := New()
	r.Join(domain.User{ID: "u1", Name: "ada"})
	r.Leave("u1")
	if _, ok := r.Get("u1"); ok {
		t.Error("expected entry gone after leave")
	}
	r.Leave("u1") // idempotent
	if r.Count() != 0 {
		t.Errorf("expected count 0, got %d", r.Count())
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := New()
	r.Join(domain.User{ID: "u1", Name: "ada"})

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 user in snapshot, got %d", len(snap))
	}
	snap[0].Name = "mutated"

	u, _ := r.Get("u1")
	if u.Name != "ada" {
		t.Error("snapshot mutation leaked into registry")
	}
}

func TestPositions(t *testing.T) {
	r := New()
	r.Join(domain.User{ID: "u1", Name: "ada"})
	r.Join(domain.User{ID: "u2", Name: "bob"})
	r.UpdatePosition("u2", domain.Position{X: 5, Y: 5})

	pos := r.Positions()
	if len(pos) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(pos))
	}
	if pos["u2"].X != 5 {
		t.Errorf("expected u2 at x=5, got %+v", pos["u2"])
	}
}
