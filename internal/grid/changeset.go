package grid

// DeltaEntry is the signed change of one cell between two snapshots.
type DeltaEntry struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Change int `json:"change"`
}

// ChangeSet is the ordered delta produced by one tick. Sequence is only
// assigned when Entries is non-empty.
type ChangeSet struct {
	Sequence uint64       `json:"sequence"`
	Entries  []DeltaEntry `json:"entries"`
}

// Empty reports whether the change set carries no deltas.
func (c ChangeSet) Empty() bool {
	return len(c.Entries) == 0
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c ChangeSet) Clone() ChangeSet {
	cloned := ChangeSet{Sequence: c.Sequence}
	if len(c.Entries) > 0 {
		cloned.Entries = append([]DeltaEntry(nil), c.Entries...)
	}
	return cloned
}

// Snapshot is a full copy of the occupancy grid tagged with the sequence of
// the last change set folded into it.
type Snapshot struct {
	Sequence uint64  `json:"sequence"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Cells    [][]int `json:"cells"`
}

// Occupancy rebuilds a dense grid from the snapshot.
func (s Snapshot) Occupancy() (*Occupancy, error) {
	return FromCells(s.Width, s.Height, s.Cells)
}
