package grid

// Topology answers adjacency questions about the maze. Implementations are
// immutable once handed to the world.
type Topology interface {
	Width() int
	Height() int
	// Blocked reports whether a wall separates two orthogonally adjacent cells.
	Blocked(from, to Position) bool
}

// InBounds reports whether p lies inside the topology.
func InBounds(t Topology, p Position) bool {
	if t == nil {
		return false
	}
	return p.X >= 0 && p.Y >= 0 && p.X < t.Width() && p.Y < t.Height()
}

type edge struct {
	a, b Position
}

func newEdge(a, b Position) edge {
	if b.X < a.X || (b.X == a.X && b.Y < a.Y) {
		a, b = b, a
	}
	return edge{a: a, b: b}
}

// Layout is a rectangular topology with an explicit wall set. Walls are
// symmetric: a wall between a and b also blocks b to a.
type Layout struct {
	width  int
	height int
	walls  map[edge]struct{}
}

// NewLayout returns an open layout of the given size.
func NewLayout(width, height int) *Layout {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &Layout{width: width, height: height, walls: make(map[edge]struct{})}
}

// WithWall adds a wall between two adjacent cells and returns the layout for chaining.
// It must be called before the layout is shared.
func (l *Layout) WithWall(a, b Position) *Layout {
	if l == nil || a.Manhattan(b) != 1 {
		return l
	}
	l.walls[newEdge(a, b)] = struct{}{}
	return l
}

func (l *Layout) Width() int {
	if l == nil {
		return 0
	}
	return l.width
}

func (l *Layout) Height() int {
	if l == nil {
		return 0
	}
	return l.height
}

func (l *Layout) Blocked(from, to Position) bool {
	if l == nil {
		return true
	}
	_, ok := l.walls[newEdge(from, to)]
	return ok
}

// WallCount returns the number of walls in the layout.
func (l *Layout) WallCount() int {
	if l == nil {
		return 0
	}
	return len(l.walls)
}
