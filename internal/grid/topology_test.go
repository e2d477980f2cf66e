package grid

import "testing"

func TestLayoutWallsAreSymmetric(t *testing.T) {
	layout := NewLayout(5, 5).WithWall(Pos(1, 1), Pos(2, 1))
	if !layout.Blocked(Pos(1, 1), Pos(2, 1)) {
		t.Fatalf("expected wall from (1,1) to (2,1)")
	}
	if !layout.Blocked(Pos(2, 1), Pos(1, 1)) {
		t.Fatalf("expected wall from (2,1) to (1,1)")
	}
	if layout.Blocked(Pos(1, 1), Pos(1, 2)) {
		t.Fatalf("unexpected wall from (1,1) to (1,2)")
	}
}

func TestLayoutIgnoresNonAdjacentWalls(t *testing.T) {
	layout := NewLayout(5, 5).WithWall(Pos(0, 0), Pos(2, 0))
	if layout.WallCount() != 0 {
		t.Fatalf("expected no walls, got %d", layout.WallCount())
	}
}

func TestInBounds(t *testing.T) {
	layout := NewLayout(3, 4)
	cases := []struct {
		pos  Position
		want bool
	}{
		{Pos(0, 0), true},
		{Pos(2, 3), true},
		{Pos(3, 0), false},
		{Pos(0, 4), false},
		{Pos(-1, 0), false},
	}
	for _, tc := range cases {
		if got := InBounds(layout, tc.pos); got != tc.want {
			t.Fatalf("InBounds(%s) = %v, want %v", tc.pos, got, tc.want)
		}
	}
	if InBounds(nil, Pos(0, 0)) {
		t.Fatalf("nil topology must not contain positions")
	}
}

func TestNewParticipantIDIsUnique(t *testing.T) {
	seen := make(map[ParticipantID]struct{})
	for i := 0; i < 100; i++ {
		id := NewParticipantID()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate participant id %s", id)
		}
		seen[id] = struct{}{}
	}
}
