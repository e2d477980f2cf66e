package broadcast

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gridsync/server/internal/grid"
	"gridsync/server/internal/remote"
)

var (
	// ErrUnknownRelay is returned when a relay id is not registered.
	ErrUnknownRelay = errors.New("broadcast: unknown relay")
	// ErrRelayUnavailable is returned when migrating onto a relay that is down.
	ErrRelayUnavailable = errors.New("broadcast: relay unavailable")
	// ErrRelayFull is returned when a migration target ran out of capacity.
	ErrRelayFull = errors.New("broadcast: relay full")
)

// RelayFactory creates relay nodes on demand.
type RelayFactory func(id string) RelayNode

// Assignment records where a participant receives broadcasts from. An
// empty Relay means the authority delivers directly.
type Assignment struct {
	Participant grid.ParticipantID `json:"participant"`
	Relay       string             `json:"relay,omitempty"`
}

// Direct reports whether the authority delivers to this participant itself.
func (a Assignment) Direct() bool {
	return a.Relay == ""
}

// RelayInfo summarises one relay for diagnostics.
type RelayInfo struct {
	ID        string `json:"id"`
	Members   int    `json:"members"`
	Capacity  int    `json:"capacity"`
	Available bool   `json:"available"`
}

// Directory partitions participants between the authority and relay nodes.
// Once the authority holds capacity direct participants, newcomers go to the
// first available relay with room, and a fresh relay is created when every
// relay is full.
type Directory struct {
	mu          sync.RWMutex
	capacity    int
	factory     RelayFactory
	direct      map[grid.ParticipantID]remote.Participant
	relays      []RelayNode
	relayByID   map[string]RelayNode
	unavailable map[string]bool
	assigned    map[grid.ParticipantID]string
	nextRelay   int
}

// NewDirectory constructs a directory. A capacity of zero or less keeps every
// participant direct.
func NewDirectory(capacity int, factory RelayFactory) *Directory {
	if factory == nil {
		factory = func(id string) RelayNode {
			return NewRelay(id, RelayConfig{Capacity: capacity})
		}
	}
	return &Directory{
		capacity:    capacity,
		factory:     factory,
		direct:      make(map[grid.ParticipantID]remote.Participant),
		relayByID:   make(map[string]RelayNode),
		unavailable: make(map[string]bool),
		assigned:    make(map[grid.ParticipantID]string),
	}
}

// Capacity returns the per-node participant budget.
func (d *Directory) Capacity() int {
	return d.capacity
}

// Assign places a participant. Assigning an id twice returns the existing
// assignment.
func (d *Directory) Assign(p remote.Participant) Assignment {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := p.ID()
	if relay, ok := d.assigned[id]; ok {
		return Assignment{Participant: id, Relay: relay}
	}
	return d.assignLocked(p)
}

func (d *Directory) assignLocked(p remote.Participant) Assignment {
	id := p.ID()
	if d.capacity <= 0 || len(d.direct) < d.capacity {
		d.direct[id] = p
		d.assigned[id] = ""
		return Assignment{Participant: id}
	}
	for _, relay := range d.relays {
		if d.unavailable[relay.ID()] {
			continue
		}
		if relay.Add(p) {
			d.assigned[id] = relay.ID()
			return Assignment{Participant: id, Relay: relay.ID()}
		}
	}
	relay := d.newRelayLocked()
	relay.Add(p)
	d.assigned[id] = relay.ID()
	return Assignment{Participant: id, Relay: relay.ID()}
}

func (d *Directory) newRelayLocked() RelayNode {
	d.nextRelay++
	relay := d.factory(fmt.Sprintf("relay-%d", d.nextRelay))
	d.relays = append(d.relays, relay)
	d.relayByID[relay.ID()] = relay
	return relay
}

// Remove drops a participant from wherever it is assigned.
func (d *Directory) Remove(id grid.ParticipantID) (Assignment, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	relayID, ok := d.assigned[id]
	if !ok {
		return Assignment{}, false
	}
	delete(d.assigned, id)
	if relayID == "" {
		delete(d.direct, id)
	} else if relay := d.relayByID[relayID]; relay != nil {
		relay.Remove(id)
	}
	return Assignment{Participant: id, Relay: relayID}, true
}

// Lookup returns the assignment for id.
func (d *Directory) Lookup(id grid.ParticipantID) (Assignment, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	relayID, ok := d.assigned[id]
	if !ok {
		return Assignment{}, false
	}
	return Assignment{Participant: id, Relay: relayID}, true
}

// Participant returns the registered endpoint for id regardless of placement.
func (d *Directory) Participant(id grid.ParticipantID) (remote.Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	relayID, ok := d.assigned[id]
	if !ok {
		return nil, false
	}
	if relayID == "" {
		p, ok := d.direct[id]
		return p, ok
	}
	relay := d.relayByID[relayID]
	if relay == nil {
		return nil, false
	}
	return relay.Member(id)
}

// Len returns the number of assigned participants.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.assigned)
}

// DirectTargets returns the participants the authority delivers to itself.
func (d *Directory) DirectTargets() []remote.Participant {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]remote.Participant, 0, len(d.direct))
	for _, p := range d.direct {
		out = append(out, p)
	}
	return out
}

// ActiveRelays returns relays that are currently considered available.
func (d *Directory) ActiveRelays() []RelayNode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]RelayNode, 0, len(d.relays))
	for _, relay := range d.relays {
		if !d.unavailable[relay.ID()] {
			out = append(out, relay)
		}
	}
	return out
}

// Relay returns the relay with the given id.
func (d *Directory) Relay(id string) (RelayNode, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	relay, ok := d.relayByID[id]
	return relay, ok
}

// Relays summarises every relay in creation order.
func (d *Directory) Relays() []RelayInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]RelayInfo, 0, len(d.relays))
	for _, relay := range d.relays {
		out = append(out, RelayInfo{
			ID:        relay.ID(),
			Members:   relay.Len(),
			Capacity:  relay.Capacity(),
			Available: !d.unavailable[relay.ID()],
		})
	}
	return out
}

// MarkUnavailable takes a relay out of rotation and returns the members it
// orphans. Orphans stay assigned to the relay until migrated. Marking a relay
// that is already down returns ErrRelayUnavailable.
func (d *Directory) MarkUnavailable(id string) ([]grid.ParticipantID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	relay, ok := d.relayByID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRelay, id)
	}
	if d.unavailable[id] {
		return nil, fmt.Errorf("%w: %s", ErrRelayUnavailable, id)
	}
	d.unavailable[id] = true
	return relay.Members(), nil
}

// MarkAvailable returns a relay to rotation.
func (d *Directory) MarkAvailable(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.relayByID[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRelay, id)
	}
	delete(d.unavailable, id)
	return nil
}

// Available reports whether a relay is in rotation.
func (d *Directory) Available(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.relayByID[id]
	return ok && !d.unavailable[id]
}

// Orphans lists members of unavailable relays keyed by relay id.
func (d *Directory) Orphans() map[string][]grid.ParticipantID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string][]grid.ParticipantID)
	for id := range d.unavailable {
		if relay := d.relayByID[id]; relay != nil && relay.Len() > 0 {
			out[id] = relay.Members()
		}
	}
	return out
}

// OrphanCount returns the number of participants on unavailable relays.
func (d *Directory) OrphanCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for id := range d.unavailable {
		if relay := d.relayByID[id]; relay != nil {
			total += relay.Len()
		}
	}
	return total
}

// Migrate moves every member of relay from onto relay to. An empty to
// re-runs normal placement for each member. Members that do not fit stay
// behind and ErrRelayFull is returned alongside the partial result.
func (d *Directory) Migrate(from, to string) ([]Assignment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	source, ok := d.relayByID[from]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRelay, from)
	}
	var target RelayNode
	if to != "" {
		target, ok = d.relayByID[to]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRelay, to)
		}
		if d.unavailable[to] {
			return nil, fmt.Errorf("%w: %s", ErrRelayUnavailable, to)
		}
		if target == source {
			return nil, nil
		}
	}

	ids := source.Members()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	moved := make([]Assignment, 0, len(ids))
	for _, id := range ids {
		p, ok := source.Remove(id)
		if !ok {
			continue
		}
		if target == nil {
			// Keep the source out of normal placement while draining it.
			wasUnavailable := d.unavailable[from]
			d.unavailable[from] = true
			assignment := d.assignLocked(p)
			if !wasUnavailable {
				delete(d.unavailable, from)
			}
			moved = append(moved, assignment)
			continue
		}
		if !target.Add(p) {
			source.Add(p)
			return moved, fmt.Errorf("%w: %s", ErrRelayFull, to)
		}
		d.assigned[id] = target.ID()
		moved = append(moved, Assignment{Participant: id, Relay: target.ID()})
	}
	return moved, nil
}
