package grid

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Position is a cell coordinate inside the grid.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Pos is shorthand for constructing a Position.
func Pos(x, y int) Position {
	return Position{X: x, Y: y}
}

// Manhattan returns the grid step distance between two cells.
func (p Position) Manhattan(other Position) int {
	return abs(p.X-other.X) + abs(p.Y-other.Y)
}

func (p Position) String() string {
	return fmt.Sprintf("(%d, %d)", p.X, p.Y)
}

// ParticipantID identifies one registered connection for the lifetime of its session.
type ParticipantID string

// NewParticipantID returns a fresh, time-ordered participant identity.
func NewParticipantID() ParticipantID {
	return ParticipantID(ulid.Make().String())
}

func (id ParticipantID) String() string {
	return string(id)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
