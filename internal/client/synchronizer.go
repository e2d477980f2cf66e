// Package client reassembles the authority's change-set stream into a local
// occupancy mirror. Change sets apply strictly in sequence order; early
// arrivals wait in a sorted buffer and stale ones are dropped. A full
// snapshot is refetched on invalidation, on a local apply failure, or when
// the buffer grows past the point where reordering explains the gap.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gridsync/server/internal/grid"
	"gridsync/server/internal/telemetry"
)

// ErrNoSource is returned when a resync is requested without a state source.
var ErrNoSource = errors.New("client: no state source")

// StateSource fetches the authority's full snapshot.
type StateSource interface {
	FullState(ctx context.Context) (grid.Snapshot, error)
}

// StateSourceFunc adapts a function into a StateSource.
type StateSourceFunc func(ctx context.Context) (grid.Snapshot, error)

// FullState implements StateSource.
func (f StateSourceFunc) FullState(ctx context.Context) (grid.Snapshot, error) {
	return f(ctx)
}

// Config tunes the synchronizer.
type Config struct {
	// MaxPending is the buffer depth that is treated as data loss.
	MaxPending int
	// FetchTimeout bounds resyncs triggered from Receive.
	FetchTimeout time.Duration
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{MaxPending: 64, FetchTimeout: 5 * time.Second}
}

// Action describes what Receive did with a change set.
type Action int

const (
	ActionApplied Action = iota
	ActionBuffered
	ActionDiscarded
	ActionResync
)

func (a Action) String() string {
	switch a {
	case ActionApplied:
		return "applied"
	case ActionBuffered:
		return "buffered"
	case ActionDiscarded:
		return "discarded"
	case ActionResync:
		return "resync"
	default:
		return "unknown"
	}
}

// Result reports the effect of one Receive.
type Result struct {
	Action Action
	// Applied counts change sets applied, including drained buffered ones.
	Applied int
	// Sequence is appliedSequence after the call.
	Sequence uint64
}

// Stats are cumulative counters.
type Stats struct {
	Applied    uint64 `json:"applied"`
	Buffered   uint64 `json:"buffered"`
	Discarded  uint64 `json:"discarded"`
	Resyncs    uint64 `json:"resyncs"`
	Failures   uint64 `json:"resyncFailures"`
	Superseded uint64 `json:"resyncsSuperseded"`
}

// Option customises a Synchronizer.
type Option func(*Synchronizer)

// WithDispatcher controls how resyncs triggered by Receive run. The default
// runs them inline; transports whose snapshot reply arrives on the same
// goroutine that calls Receive must dispatch asynchronously.
func WithDispatcher(dispatch func(func())) Option {
	return func(s *Synchronizer) {
		if dispatch != nil {
			s.dispatch = dispatch
		}
	}
}

// WithLogger attaches an operational logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Synchronizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Synchronizer is the client-side SyncState.
type Synchronizer struct {
	source   StateSource
	cfg      Config
	dispatch func(func())
	logger   telemetry.Logger

	mu         sync.Mutex
	ready      bool
	resyncing  bool
	generation uint64
	applied    uint64
	local      *grid.Occupancy
	pending    []grid.ChangeSet
	policy     *resyncPolicy
	last       ResyncSignal
	stats      Stats
}

// New constructs a synchronizer. Until the first snapshot is installed every
// change set is buffered.
func New(source StateSource, cfg Config, opts ...Option) *Synchronizer {
	def := DefaultConfig()
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	s := &Synchronizer{
		source:   source,
		cfg:      cfg,
		dispatch: func(fn func()) { fn() },
		logger:   telemetry.Discard(),
		policy:   newResyncPolicy(cfg.MaxPending),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reset performs the initial fetch: install the snapshot, set
// appliedSequence to its sequence and drain anything buffered meanwhile.
func (s *Synchronizer) Reset(ctx context.Context) error {
	if s == nil {
		return ErrNoSource
	}
	s.mu.Lock()
	s.policy.request(ReasonInitial, s.applied)
	generation := s.startResyncLocked()
	s.mu.Unlock()
	return s.resync(ctx, generation)
}

// Invalidate discards the buffer and refetches the snapshot. It is the
// response to the authority's out-of-band invalidation signal.
func (s *Synchronizer) Invalidate(ctx context.Context) error {
	if s == nil {
		return ErrNoSource
	}
	s.mu.Lock()
	s.pending = nil
	s.policy.request(ReasonInvalidate, s.applied)
	generation := s.startResyncLocked()
	s.mu.Unlock()
	return s.resync(ctx, generation)
}

// Receive handles one change set.
func (s *Synchronizer) Receive(cs grid.ChangeSet) Result {
	if s == nil {
		return Result{Action: ActionDiscarded}
	}
	s.mu.Lock()
	s.policy.noteReceived()

	if !s.ready || s.resyncing {
		if s.ready && cs.Sequence <= s.applied {
			s.stats.Discarded++
			result := Result{Action: ActionDiscarded, Sequence: s.applied}
			s.mu.Unlock()
			return result
		}
		s.insertLocked(cs)
		result := Result{Action: ActionBuffered, Sequence: s.applied}
		s.mu.Unlock()
		return result
	}

	switch {
	case cs.Sequence <= s.applied:
		s.stats.Discarded++
		result := Result{Action: ActionDiscarded, Sequence: s.applied}
		s.mu.Unlock()
		return result
	case cs.Sequence > s.applied+1:
		s.insertLocked(cs)
		if s.policy.noteGap(cs.Sequence, len(s.pending)) {
			result := Result{Action: ActionResync, Sequence: s.applied}
			s.beginResyncLocked()
			return result
		}
		result := Result{Action: ActionBuffered, Sequence: s.applied}
		s.mu.Unlock()
		return result
	}

	if err := s.applyLocked(cs); err != nil {
		s.logger.Printf("[sync] change set %d does not apply: %v", cs.Sequence, err)
		s.pending = nil
		s.policy.request(ReasonDesync, cs.Sequence)
		result := Result{Action: ActionResync, Sequence: s.applied}
		s.beginResyncLocked()
		return result
	}
	drained, err := s.drainLocked()
	if err != nil {
		result := Result{Action: ActionResync, Applied: 1 + drained, Sequence: s.applied}
		s.desyncLocked()
		return result
	}
	result := Result{Action: ActionApplied, Applied: 1 + drained, Sequence: s.applied}
	s.mu.Unlock()
	return result
}

// startResyncLocked marks a resync in flight and supersedes any fetch
// already running.
func (s *Synchronizer) startResyncLocked() uint64 {
	s.resyncing = true
	s.generation++
	return s.generation
}

// desyncLocked drops the buffer after a buffered change set failed to apply
// and refetches. It releases the lock.
func (s *Synchronizer) desyncLocked() {
	s.pending = nil
	s.policy.request(ReasonDesync, s.applied+1)
	s.beginResyncLocked()
}

// beginResyncLocked marks a resync in flight, releases the lock and hands the
// fetch to the dispatcher.
func (s *Synchronizer) beginResyncLocked() {
	generation := s.startResyncLocked()
	s.mu.Unlock()
	s.dispatch(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FetchTimeout)
		defer cancel()
		if err := s.resync(ctx, generation); err != nil {
			s.logger.Printf("[sync] resync failed: %v", err)
		}
	})
}

// resync fetches and installs a snapshot. A fetch whose generation has been
// superseded by a later request is dropped so an older snapshot never
// replaces a newer one.
func (s *Synchronizer) resync(ctx context.Context, generation uint64) error {
	if s.source == nil {
		s.mu.Lock()
		if generation == s.generation {
			s.resyncing = false
		}
		s.stats.Failures++
		s.mu.Unlock()
		return ErrNoSource
	}
	snapshot, err := s.source.FullState(ctx)
	var local *grid.Occupancy
	if err == nil {
		local, err = snapshot.Occupancy()
	}

	s.mu.Lock()
	if generation != s.generation {
		s.stats.Superseded++
		s.mu.Unlock()
		return nil
	}
	s.resyncing = false
	if err != nil {
		s.stats.Failures++
		s.mu.Unlock()
		return fmt.Errorf("fetch full state: %w", err)
	}
	s.local = local
	s.applied = snapshot.Sequence
	s.ready = true
	s.stats.Resyncs++
	if signal, ok := s.policy.consume(); ok {
		s.last = signal
		if summary := signal.summary(); summary != "" {
			s.logger.Printf("[sync] resynced at sequence %d (%s)", s.applied, summary)
		}
	}

	kept := s.pending[:0]
	for _, cs := range s.pending {
		if cs.Sequence > s.applied {
			kept = append(kept, cs)
		} else {
			s.stats.Discarded++
		}
	}
	s.pending = kept
	if _, err := s.drainLocked(); err != nil {
		s.desyncLocked()
		return nil
	}
	s.mu.Unlock()
	return nil
}

func (s *Synchronizer) applyLocked(cs grid.ChangeSet) error {
	if err := s.local.Apply(cs.Entries); err != nil {
		return err
	}
	s.applied = cs.Sequence
	s.stats.Applied++
	return nil
}

// drainLocked applies buffered change sets while they are contiguous. It
// stops at the first one that does not apply and returns its error.
func (s *Synchronizer) drainLocked() (int, error) {
	applied := 0
	for len(s.pending) > 0 {
		head := s.pending[0]
		if head.Sequence <= s.applied {
			s.pending = s.pending[1:]
			s.stats.Discarded++
			continue
		}
		if head.Sequence != s.applied+1 {
			break
		}
		if err := s.applyLocked(head); err != nil {
			s.logger.Printf("[sync] buffered change set %d does not apply: %v", head.Sequence, err)
			return applied, err
		}
		s.pending = s.pending[1:]
		applied++
	}
	return applied, nil
}

// insertLocked keeps pending sorted by sequence and free of duplicates.
func (s *Synchronizer) insertLocked(cs grid.ChangeSet) {
	idx := sort.Search(len(s.pending), func(i int) bool {
		return s.pending[i].Sequence >= cs.Sequence
	})
	if idx < len(s.pending) && s.pending[idx].Sequence == cs.Sequence {
		s.stats.Discarded++
		return
	}
	s.pending = append(s.pending, grid.ChangeSet{})
	copy(s.pending[idx+1:], s.pending[idx:])
	s.pending[idx] = cs.Clone()
	s.stats.Buffered++
}

// Applied returns appliedSequence.
func (s *Synchronizer) Applied() uint64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// Ready reports whether a snapshot has been installed.
func (s *Synchronizer) Ready() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Resyncing reports whether a snapshot fetch is in flight.
func (s *Synchronizer) Resyncing() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resyncing
}

// Pending returns the buffered sequences in order.
func (s *Synchronizer) Pending() []uint64 {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.pending))
	for i, cs := range s.pending {
		out[i] = cs.Sequence
	}
	return out
}

// Grid returns a copy of the local mirror, or nil before the first snapshot.
func (s *Synchronizer) Grid() *grid.Occupancy {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil {
		return nil
	}
	return s.local.Clone()
}

// Stats returns cumulative counters.
func (s *Synchronizer) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// LastResync returns the reasons recorded for the most recent resync.
func (s *Synchronizer) LastResync() ResyncSignal {
	if s == nil {
		return ResyncSignal{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
