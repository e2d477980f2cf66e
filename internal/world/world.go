package world

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"gridsync/server/internal/grid"
)

var (
	// ErrUnknownParticipant is returned when an id has no live record.
	ErrUnknownParticipant = errors.New("world: unknown participant")
	// ErrDuplicateParticipant is returned when an id is registered twice.
	ErrDuplicateParticipant = errors.New("world: participant already registered")
	// ErrOutOfBounds is returned when a requested start cell is outside the grid.
	ErrOutOfBounds = errors.New("world: start position out of bounds")
)

// Liveness tracks whether a participant still counts toward occupancy.
type Liveness int

const (
	LivenessAlive Liveness = iota
	LivenessGrace
	LivenessEvicted
)

func (l Liveness) String() string {
	switch l {
	case LivenessAlive:
		return "alive"
	case LivenessGrace:
		return "grace"
	case LivenessEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Record is the authority's view of one participant.
type Record struct {
	ID       grid.ParticipantID `json:"id"`
	Position grid.Position      `json:"position"`
	Liveness Liveness           `json:"liveness"`
}

// Deps bundles optional runtime dependencies for a World.
type Deps struct {
	// RNG picks random start cells. Defaults to a process-seeded source.
	RNG *rand.Rand
}

// World owns the occupancy grid and the participant records. Every mutation
// and every capture goes through mu, so a captured grid never observes half
// of a move.
type World struct {
	mu        sync.Mutex
	topology  grid.Topology
	occupancy *grid.Occupancy
	records   map[grid.ParticipantID]*Record
	rng       *rand.Rand
}

// New constructs an empty world over the given topology.
func New(topology grid.Topology, deps Deps) *World {
	rng := deps.RNG
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	width, height := 0, 0
	if topology != nil {
		width, height = topology.Width(), topology.Height()
	}
	return &World{
		topology:  topology,
		occupancy: grid.NewOccupancy(width, height),
		records:   make(map[grid.ParticipantID]*Record),
		rng:       rng,
	}
}

// Topology returns the immutable topology backing the world.
func (w *World) Topology() grid.Topology {
	return w.topology
}

// Register places a new participant at start, or at a random interior cell
// when start is nil, and returns the chosen position.
func (w *World) Register(id grid.ParticipantID, start *grid.Position) (grid.Position, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.records[id]; exists {
		return grid.Position{}, fmt.Errorf("%w: %s", ErrDuplicateParticipant, id)
	}

	var pos grid.Position
	if start != nil {
		pos = *start
		if !grid.InBounds(w.topology, pos) {
			return grid.Position{}, fmt.Errorf("%w: %s", ErrOutOfBounds, pos)
		}
	} else {
		var ok bool
		pos, ok = w.randomStartLocked()
		if !ok {
			return grid.Position{}, fmt.Errorf("%w: empty grid", ErrOutOfBounds)
		}
	}

	if err := w.occupancy.Increment(pos); err != nil {
		return grid.Position{}, err
	}
	w.records[id] = &Record{ID: id, Position: pos, Liveness: LivenessAlive}
	return pos, nil
}

// randomStartLocked picks from the interior so new participants do not spawn
// on the outer ring; grids too small for an interior fall back to any cell.
func (w *World) randomStartLocked() (grid.Position, bool) {
	width, height := w.occupancy.Width(), w.occupancy.Height()
	if width <= 0 || height <= 0 {
		return grid.Position{}, false
	}
	pick := func(dim int) int {
		if dim >= 3 {
			return w.rng.IntN(dim-2) + 1
		}
		return w.rng.IntN(dim)
	}
	return grid.Pos(pick(width), pick(height)), true
}

// TryMove applies a single validated step. It returns false, without side
// effects, for unknown participants and illegal steps.
func (w *World) TryMove(id grid.ParticipantID, target grid.Position) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	record, ok := w.records[id]
	if !ok || record.Liveness == LivenessEvicted {
		return false
	}
	if !ValidateMove(w.topology, record.Position, target) {
		return false
	}
	if record.Position == target {
		return true
	}
	if err := w.occupancy.Move(record.Position, target); err != nil {
		return false
	}
	record.Position = target
	return true
}

// Remove evicts a participant and frees its cell. It reports the final
// record and whether the participant was present.
func (w *World) Remove(id grid.ParticipantID) (Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	record, ok := w.records[id]
	if !ok {
		return Record{}, false
	}
	delete(w.records, id)
	_ = w.occupancy.Decrement(record.Position)
	record.Liveness = LivenessEvicted
	return *record, true
}

// SetLiveness updates the liveness flag of a live participant. Eviction must
// go through Remove so occupancy stays consistent.
func (w *World) SetLiveness(id grid.ParticipantID, liveness Liveness) bool {
	if liveness == LivenessEvicted {
		_, ok := w.Remove(id)
		return ok
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	record, ok := w.records[id]
	if !ok {
		return false
	}
	record.Liveness = liveness
	return true
}

// Record returns a copy of the participant's record.
func (w *World) Record(id grid.ParticipantID) (Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	record, ok := w.records[id]
	if !ok {
		return Record{}, false
	}
	return *record, true
}

// Records returns copies of every live record.
func (w *World) Records() []Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Record, 0, len(w.records))
	for _, record := range w.records {
		out = append(out, *record)
	}
	return out
}

// Count returns the number of participants that are not evicted.
func (w *World) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

// Capture clones the occupancy grid. The lock is held only for the copy.
func (w *World) Capture() *grid.Occupancy {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.occupancy.Clone()
}

// Dimensions returns the grid size.
func (w *World) Dimensions() (int, int) {
	return w.occupancy.Width(), w.occupancy.Height()
}
