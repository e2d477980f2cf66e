package world

import "gridsync/server/internal/grid"

// ValidateMove reports whether a participant standing at from may step to
// target. Staying in place is always legal. An illegal step is an ordinary
// outcome and never an error.
func ValidateMove(topology grid.Topology, from, target grid.Position) bool {
	if !grid.InBounds(topology, target) {
		return false
	}
	switch from.Manhattan(target) {
	case 0:
		return true
	case 1:
		return !topology.Blocked(from, target)
	default:
		return false
	}
}
