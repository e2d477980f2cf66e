package grid

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfBounds is returned when a delta or cell lookup falls outside the grid.
	ErrOutOfBounds = errors.New("grid: position out of bounds")
	// ErrNegativeCount is returned when applying a delta would drive a cell below zero.
	ErrNegativeCount = errors.New("grid: negative occupancy")
	// ErrDimensionMismatch is returned when two grids of different size are compared.
	ErrDimensionMismatch = errors.New("grid: dimension mismatch")
)

// Occupancy is a dense per-cell participant count. It is not safe for
// concurrent use; the owner serializes access.
type Occupancy struct {
	width  int
	height int
	cells  []int
}

// NewOccupancy returns an empty grid.
func NewOccupancy(width, height int) *Occupancy {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &Occupancy{width: width, height: height, cells: make([]int, width*height)}
}

// FromCells builds an occupancy grid from a column-major [x][y] matrix.
func FromCells(width, height int, cells [][]int) (*Occupancy, error) {
	if len(cells) != width {
		return nil, fmt.Errorf("%w: want %d columns, got %d", ErrDimensionMismatch, width, len(cells))
	}
	o := NewOccupancy(width, height)
	for x, column := range cells {
		if len(column) != height {
			return nil, fmt.Errorf("%w: column %d has %d rows, want %d", ErrDimensionMismatch, x, len(column), height)
		}
		for y, count := range column {
			if count < 0 {
				return nil, fmt.Errorf("%w at (%d, %d)", ErrNegativeCount, x, y)
			}
			o.cells[o.index(x, y)] = count
		}
	}
	return o, nil
}

func (o *Occupancy) Width() int  { return o.width }
func (o *Occupancy) Height() int { return o.height }

func (o *Occupancy) index(x, y int) int {
	return x*o.height + y
}

func (o *Occupancy) contains(p Position) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < o.width && p.Y < o.height
}

// At returns the count at p, or zero outside the grid.
func (o *Occupancy) At(p Position) int {
	if o == nil || !o.contains(p) {
		return 0
	}
	return o.cells[o.index(p.X, p.Y)]
}

// Increment adds one participant to p.
func (o *Occupancy) Increment(p Position) error {
	return o.add(p, 1)
}

// Decrement removes one participant from p.
func (o *Occupancy) Decrement(p Position) error {
	return o.add(p, -1)
}

// Move shifts one participant from one cell to another as a single step.
// Neither cell is modified when the move is invalid.
func (o *Occupancy) Move(from, to Position) error {
	if !o.contains(from) || !o.contains(to) {
		return ErrOutOfBounds
	}
	src := o.index(from.X, from.Y)
	if o.cells[src] == 0 {
		return fmt.Errorf("%w at %s", ErrNegativeCount, from)
	}
	o.cells[src]--
	o.cells[o.index(to.X, to.Y)]++
	return nil
}

func (o *Occupancy) add(p Position, delta int) error {
	if o == nil || !o.contains(p) {
		return ErrOutOfBounds
	}
	i := o.index(p.X, p.Y)
	if o.cells[i]+delta < 0 {
		return fmt.Errorf("%w at %s", ErrNegativeCount, p)
	}
	o.cells[i] += delta
	return nil
}

// Sum returns the total number of participants on the grid.
func (o *Occupancy) Sum() int {
	if o == nil {
		return 0
	}
	total := 0
	for _, c := range o.cells {
		total += c
	}
	return total
}

// Clone returns an independent copy.
func (o *Occupancy) Clone() *Occupancy {
	if o == nil {
		return nil
	}
	cloned := &Occupancy{width: o.width, height: o.height, cells: make([]int, len(o.cells))}
	copy(cloned.cells, o.cells)
	return cloned
}

// Equal reports whether both grids have the same size and counts.
func (o *Occupancy) Equal(other *Occupancy) bool {
	if o == nil || other == nil {
		return o == other
	}
	if o.width != other.width || o.height != other.height {
		return false
	}
	for i, c := range o.cells {
		if other.cells[i] != c {
			return false
		}
	}
	return true
}

// Cells returns a column-major [x][y] copy suitable for wire encoding.
func (o *Occupancy) Cells() [][]int {
	if o == nil {
		return nil
	}
	out := make([][]int, o.width)
	for x := 0; x < o.width; x++ {
		column := make([]int, o.height)
		copy(column, o.cells[o.index(x, 0):o.index(x, 0)+o.height])
		out[x] = column
	}
	return out
}

// Snapshot tags a copy of the grid with a sequence number.
func (o *Occupancy) Snapshot(sequence uint64) Snapshot {
	return Snapshot{Sequence: sequence, Width: o.width, Height: o.height, Cells: o.Cells()}
}

// Diff returns the non-zero cell differences next-prev in x-major order.
func Diff(prev, next *Occupancy) ([]DeltaEntry, error) {
	if prev == nil || next == nil || prev.width != next.width || prev.height != next.height {
		return nil, ErrDimensionMismatch
	}
	var entries []DeltaEntry
	for x := 0; x < next.width; x++ {
		for y := 0; y < next.height; y++ {
			i := next.index(x, y)
			if d := next.cells[i] - prev.cells[i]; d != 0 {
				entries = append(entries, DeltaEntry{X: x, Y: y, Change: d})
			}
		}
	}
	return entries, nil
}

// Apply folds delta entries into the grid. Entries are validated first so a
// bad change set leaves the grid untouched.
func (o *Occupancy) Apply(entries []DeltaEntry) error {
	if o == nil {
		return ErrOutOfBounds
	}
	for _, e := range entries {
		p := Position{X: e.X, Y: e.Y}
		if !o.contains(p) {
			return fmt.Errorf("%w: %s", ErrOutOfBounds, p)
		}
	}
	pending := make(map[int]int, len(entries))
	for _, e := range entries {
		pending[o.index(e.X, e.Y)] += e.Change
	}
	for i, d := range pending {
		if o.cells[i]+d < 0 {
			return fmt.Errorf("%w at index %d", ErrNegativeCount, i)
		}
	}
	for i, d := range pending {
		o.cells[i] += d
	}
	return nil
}
