package broadcast

import (
	"context"
	"sort"
	"sync"
	"time"

	"gridsync/server/internal/grid"
	"gridsync/server/internal/remote"
)

// RelayConfig tunes a relay node.
type RelayConfig struct {
	Capacity        int
	Workers         int
	DeliveryTimeout time.Duration
}

// RelayNode is a fan-out node that owns a partition of participants. A node
// may run outside the authority process; Forward reports Unreachable when
// the node cannot accept a message, which the broadcaster treats as a relay
// fault.
type RelayNode interface {
	ID() string
	// Capacity is the maximum number of members; zero means unbounded.
	Capacity() int
	Len() int
	Members() []grid.ParticipantID
	Member(id grid.ParticipantID) (remote.Participant, bool)
	// Add reports false when the node is full.
	Add(p remote.Participant) bool
	Remove(id grid.ParticipantID) (remote.Participant, bool)
	Forward(ctx context.Context, msg Message, eligible func(grid.ParticipantID) bool, report func(Outcome)) remote.Result[remote.Done]
	// Pending is the number of accepted deliveries still running.
	Pending() int
	Wait()
}

var _ RelayNode = (*Relay)(nil)

// Relay is the in-process RelayNode, a subordinate broadcaster that owns a partition of participants.
// The authority hands it each message once; the relay fans it out with the
// same per-recipient isolation as the authority.
type Relay struct {
	id       string
	capacity int
	fan      *fanout

	mu      sync.RWMutex
	members map[grid.ParticipantID]remote.Participant
	down    bool
}

// NewRelay constructs an in-process relay node.
func NewRelay(id string, cfg RelayConfig) *Relay {
	return &Relay{
		id:       id,
		capacity: cfg.Capacity,
		fan:      newFanout(cfg.Workers, cfg.DeliveryTimeout),
		members:  make(map[grid.ParticipantID]remote.Participant),
	}
}

// ID returns the relay identifier.
func (r *Relay) ID() string {
	if r == nil {
		return ""
	}
	return r.id
}

// Capacity returns the maximum number of members; zero means unbounded.
func (r *Relay) Capacity() int {
	if r == nil {
		return 0
	}
	return r.capacity
}

// Len returns the number of assigned members.
func (r *Relay) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Members lists member ids in sorted order.
func (r *Relay) Members() []grid.ParticipantID {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	ids := make([]grid.ParticipantID, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Relay) full() bool {
	return r.capacity > 0 && len(r.members) >= r.capacity
}

// Member returns the endpoint of one member.
func (r *Relay) Member(id grid.ParticipantID) (remote.Participant, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.members[id]
	return p, ok
}

// Add assigns a member unless the relay is full.
func (r *Relay) Add(p remote.Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full() {
		return false
	}
	r.members[p.ID()] = p
	return true
}

// Remove unassigns a member.
func (r *Relay) Remove(id grid.ParticipantID) (remote.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.members[id]
	if ok {
		delete(r.members, id)
	}
	return p, ok
}

// Forward accepts one message for fan-out to every eligible member. It
// returns Unreachable when the relay is down; deliveries already accepted
// report through report.
func (r *Relay) Forward(ctx context.Context, msg Message, eligible func(grid.ParticipantID) bool, report func(Outcome)) remote.Result[remote.Done] {
	if r == nil {
		return remote.Unreachable[remote.Done](remote.ErrUnreachable)
	}
	if err := ctx.Err(); err != nil {
		return remote.Unreachable[remote.Done](err)
	}
	r.mu.RLock()
	if r.down {
		r.mu.RUnlock()
		return remote.Unreachable[remote.Done](remote.ErrUnreachable)
	}
	targets := make([]remote.Participant, 0, len(r.members))
	for id, p := range r.members {
		if eligible == nil || eligible(id) {
			targets = append(targets, p)
		}
	}
	r.mu.RUnlock()
	r.fan.deliver(r.id, msg, targets, report)
	return remote.Delivered()
}

// Close takes the relay down. Subsequent forwards fail as unreachable.
func (r *Relay) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.down = true
	r.mu.Unlock()
}

// Reopen brings a closed relay back.
func (r *Relay) Reopen() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.down = false
	r.mu.Unlock()
}

// Reachable reports whether the relay accepts forwards.
func (r *Relay) Reachable() bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.down
}

// Pending returns deliveries accepted but not yet finished.
func (r *Relay) Pending() int {
	if r == nil {
		return 0
	}
	return r.fan.inFlight()
}

// Wait blocks until accepted deliveries finish.
func (r *Relay) Wait() {
	if r == nil {
		return
	}
	r.fan.wait()
}
