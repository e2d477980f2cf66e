package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"gridsync/server/internal/grid"
	"gridsync/server/internal/remote"
	"gridsync/server/logging"
	"gridsync/server/logging/network"
)

type fakeParticipant struct {
	id    grid.ParticipantID
	block chan struct{}

	mu         sync.Mutex
	fail       bool
	changeSets []uint64
	lifecycle  []remote.LifecycleEvent
}

func newFake(id string) *fakeParticipant {
	return &fakeParticipant{id: grid.ParticipantID(id)}
}

func (p *fakeParticipant) ID() grid.ParticipantID { return p.id }

func (p *fakeParticipant) OnChangeSet(ctx context.Context, cs grid.ChangeSet) remote.Result[remote.Done] {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return remote.Unreachable[remote.Done](ctx.Err())
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return remote.Unreachable[remote.Done](errors.New("connection reset"))
	}
	p.changeSets = append(p.changeSets, cs.Sequence)
	return remote.Delivered()
}

func (p *fakeParticipant) OnLifecycle(_ context.Context, event remote.LifecycleEvent) remote.Result[remote.Done] {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lifecycle = append(p.lifecycle, event)
	return remote.Delivered()
}

func (p *fakeParticipant) OnLeaseExpired(context.Context) remote.Result[bool] {
	return remote.Ok(true)
}

func (p *fakeParticipant) Invalidate(context.Context) remote.Result[remote.Done] {
	return remote.Delivered()
}

func (p *fakeParticipant) received() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint64(nil), p.changeSets...)
}

type eventLog struct {
	mu     sync.Mutex
	events []logging.Event
}

func (l *eventLog) Publish(_ context.Context, event logging.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) count(eventType logging.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, event := range l.events {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

func register(b *Broadcaster, n int) []*fakeParticipant {
	out := make([]*fakeParticipant, 0, n)
	for i := 0; i < n; i++ {
		p := newFake(fmt.Sprintf("p%03d", i))
		b.Add(p)
		out = append(out, p)
	}
	return out
}

func inProcessRelay(t *testing.T, b *Broadcaster, id string) *Relay {
	t.Helper()
	node, ok := b.Directory().Relay(id)
	if !ok {
		t.Fatalf("relay %s not found", id)
	}
	relay, ok := node.(*Relay)
	if !ok {
		t.Fatalf("relay %s is %T, not in-process", id, node)
	}
	return relay
}

// unreachableRelay tracks membership locally but cannot accept forwards,
// like a node in another process that stopped answering.
type unreachableRelay struct {
	*Relay

	mu       sync.Mutex
	forwards int
}

func (r *unreachableRelay) Forward(context.Context, Message, func(grid.ParticipantID) bool, func(Outcome)) remote.Result[remote.Done] {
	r.mu.Lock()
	r.forwards++
	r.mu.Unlock()
	return remote.Unreachable[remote.Done](errors.New("dial relay: connection refused"))
}

func (r *unreachableRelay) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forwards
}

func TestRelayDelegationReachesEveryParticipant(t *testing.T) {
	b := New(Config{Workers: 8, RelayCapacity: 100}, Deps{}, Hooks{})
	participants := register(b, 150)

	assignment, ok := b.Directory().Lookup(participants[100].ID())
	assert.Equal(t, ok, true)
	assert.Equal(t, assignment.Relay, "relay-1")
	first, _ := b.Directory().Lookup(participants[99].ID())
	assert.Equal(t, first.Direct(), true)

	relays := b.Directory().Relays()
	assert.Equal(t, len(relays), 1)
	assert.Equal(t, relays[0].Members, 50)

	b.Broadcast(grid.ChangeSet{Sequence: 1, Entries: []grid.DeltaEntry{{X: 1, Y: 1, Change: 1}}})
	b.Wait()

	for _, p := range participants {
		assert.Equal(t, p.received(), []uint64{1})
	}
	assert.Equal(t, b.Pending(), 0)
}

func TestRelaysFillBeforeNewOnesAreCreated(t *testing.T) {
	b := New(Config{RelayCapacity: 2}, Deps{}, Hooks{})
	register(b, 7)
	relays := b.Directory().Relays()
	assert.Equal(t, len(relays), 3)
	assert.Equal(t, relays[0].Members, 2)
	assert.Equal(t, relays[1].Members, 2)
	assert.Equal(t, relays[2].Members, 1)
}

func TestZeroCapacityKeepsEveryoneDirect(t *testing.T) {
	b := New(Config{}, Deps{}, Hooks{})
	register(b, 250)
	assert.Equal(t, len(b.Directory().Relays()), 0)
	assert.Equal(t, len(b.Directory().DirectTargets()), 250)
}

func TestSlowRecipientDoesNotBlockOthers(t *testing.T) {
	b := New(Config{Workers: 4, DeliveryTimeout: time.Minute}, Deps{}, Hooks{})
	slow := newFake("slow")
	slow.block = make(chan struct{})
	fast := newFake("fast")
	b.Add(slow)
	b.Add(fast)

	b.Broadcast(grid.ChangeSet{Sequence: 7})

	deadline := time.Now().Add(2 * time.Second)
	for len(fast.received()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("fast recipient starved by slow recipient")
		}
		time.Sleep(time.Millisecond)
	}
	if b.Pending() < 1 {
		t.Fatalf("expected the slow delivery to be pending")
	}
	close(slow.block)
	b.Wait()
	assert.Equal(t, slow.received(), []uint64{7})
}

func TestFailuresAreReportedPerRecipient(t *testing.T) {
	var mu sync.Mutex
	outcomes := make(map[grid.ParticipantID]remote.Status)
	events := &eventLog{}
	b := New(Config{}, Deps{Publisher: events}, Hooks{
		Delivered: func(o Outcome) {
			mu.Lock()
			outcomes[o.Participant] = o.Status
			mu.Unlock()
		},
	})
	ok := newFake("ok")
	broken := newFake("broken")
	broken.fail = true
	b.Add(ok)
	b.Add(broken)

	b.Broadcast(grid.ChangeSet{Sequence: 3})
	b.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, outcomes["ok"], remote.StatusOK)
	assert.Equal(t, outcomes["broken"], remote.StatusUnreachable)
	assert.Equal(t, ok.received(), []uint64{3})
	assert.Equal(t, events.count(network.EventDeliveryFailed), 1)
}

func TestIneligibleRecipientsAreSkipped(t *testing.T) {
	b := New(Config{RelayCapacity: 1}, Deps{}, Hooks{
		Eligible: func(id grid.ParticipantID) bool { return id != "p001" },
	})
	participants := register(b, 3)
	b.Broadcast(grid.ChangeSet{Sequence: 1})
	b.Wait()

	assert.Equal(t, len(participants[0].received()), 1)
	assert.Equal(t, len(participants[1].received()), 0)
	assert.Equal(t, len(participants[2].received()), 1)
}

func TestRelayFaultOrphansMembers(t *testing.T) {
	events := &eventLog{}
	b := New(Config{RelayCapacity: 2}, Deps{Publisher: events}, Hooks{})
	participants := register(b, 4)

	inProcessRelay(t, b, "relay-1").Close()

	b.Broadcast(grid.ChangeSet{Sequence: 1})
	b.Wait()

	assert.Equal(t, participants[0].received(), []uint64{1})
	assert.Equal(t, participants[1].received(), []uint64{1})
	assert.Equal(t, len(participants[2].received()), 0)
	assert.Equal(t, len(participants[3].received()), 0)
	assert.Equal(t, events.count(network.EventRelayFault), 1)
	assert.Equal(t, b.Directory().OrphanCount(), 2)
	assert.Equal(t, b.Directory().Available("relay-1"), false)

	// Orphans are not reassigned on their own.
	b.Broadcast(grid.ChangeSet{Sequence: 2})
	b.Wait()
	assert.Equal(t, len(participants[2].received()), 0)
	assert.Equal(t, events.count(network.EventRelayFault), 1)

	// Newcomers skip the failed relay.
	late := newFake("late")
	assignment := b.Add(late)
	assert.Equal(t, assignment.Relay, "relay-2")
}

func TestUnreachableRelayNodeOrphansMembers(t *testing.T) {
	events := &eventLog{}
	var nodes []*unreachableRelay
	factory := func(id string) RelayNode {
		node := &unreachableRelay{Relay: NewRelay(id, RelayConfig{Capacity: 2})}
		nodes = append(nodes, node)
		return node
	}
	b := New(Config{RelayCapacity: 2}, Deps{Publisher: events}, Hooks{}, WithRelayFactory(factory))
	participants := register(b, 3)
	assert.Equal(t, len(nodes), 1)

	b.Broadcast(grid.ChangeSet{Sequence: 1})
	b.Wait()

	assert.Equal(t, participants[0].received(), []uint64{1})
	assert.Equal(t, participants[1].received(), []uint64{1})
	assert.Equal(t, len(participants[2].received()), 0)
	assert.Equal(t, nodes[0].attempts(), 1)
	assert.Equal(t, events.count(network.EventRelayFault), 1)
	assert.Equal(t, b.Directory().Available("relay-1"), false)
	assert.Equal(t, b.Directory().Orphans()["relay-1"], []grid.ParticipantID{participants[2].ID()})

	b.Broadcast(grid.ChangeSet{Sequence: 2})
	b.Wait()
	assert.Equal(t, nodes[0].attempts(), 1)
	assert.Equal(t, events.count(network.EventRelayFault), 1)
}

func TestMigrateOrphansRestoresDelivery(t *testing.T) {
	events := &eventLog{}
	b := New(Config{RelayCapacity: 2}, Deps{Publisher: events}, Hooks{})
	participants := register(b, 4)
	inProcessRelay(t, b, "relay-1").Close()
	b.Broadcast(grid.ChangeSet{Sequence: 1})
	b.Wait()

	moved, err := b.MigrateOrphans("relay-1", "")
	assert.Equal(t, err, nil)
	assert.Equal(t, moved, 2)
	assert.Equal(t, b.Directory().OrphanCount(), 0)
	assert.Equal(t, events.count(network.EventRelayMigrated), 1)

	assignment, _ := b.Directory().Lookup(participants[2].ID())
	assert.Equal(t, assignment.Relay, "relay-2")

	b.Broadcast(grid.ChangeSet{Sequence: 2})
	b.Wait()
	for _, p := range participants[2:] {
		assert.Equal(t, p.received(), []uint64{2})
	}
}

func TestMigrateIntoFullRelayStopsEarly(t *testing.T) {
	b := New(Config{RelayCapacity: 2}, Deps{}, Hooks{})
	register(b, 7)

	moved, err := b.MigrateOrphans("relay-3", "relay-1")
	assert.Equal(t, moved, 0)
	assert.Equal(t, errors.Is(err, ErrRelayFull), true)
	assert.Equal(t, b.Directory().Relays()[2].Members, 1)

	_, err = b.MigrateOrphans("relay-9", "")
	assert.Equal(t, errors.Is(err, ErrUnknownRelay), true)

	inProcessRelay(t, b, "relay-2").Close()
	_, _ = b.Directory().MarkUnavailable("relay-2")
	_, err = b.MigrateOrphans("relay-3", "relay-2")
	assert.Equal(t, errors.Is(err, ErrRelayUnavailable), true)
}

func TestMarkAvailableReturnsRelayToRotation(t *testing.T) {
	b := New(Config{RelayCapacity: 1}, Deps{}, Hooks{})
	participants := register(b, 2)
	relay := inProcessRelay(t, b, "relay-1")
	relay.Close()
	b.Broadcast(grid.ChangeSet{Sequence: 1})
	b.Wait()
	assert.Equal(t, len(participants[1].received()), 0)

	relay.Reopen()
	assert.Equal(t, b.Directory().MarkAvailable("relay-1"), nil)
	b.Broadcast(grid.ChangeSet{Sequence: 2})
	b.Wait()
	assert.Equal(t, participants[1].received(), []uint64{2})
}

func TestLifecycleEventsFanOut(t *testing.T) {
	b := New(Config{RelayCapacity: 1}, Deps{}, Hooks{})
	participants := register(b, 3)
	b.PublishLifecycle(remote.LifecycleEvent{Kind: remote.LifecycleJoined, Participant: "p002"})
	b.Wait()
	for _, p := range participants {
		p.mu.Lock()
		got := len(p.lifecycle)
		p.mu.Unlock()
		assert.Equal(t, got, 1)
	}
}

func TestAssignIsIdempotentAndRemoveFrees(t *testing.T) {
	b := New(Config{RelayCapacity: 1}, Deps{}, Hooks{})
	p := newFake("a")
	first := b.Add(p)
	second := b.Add(p)
	assert.Equal(t, first, second)
	assert.Equal(t, b.Directory().Len(), 1)

	assert.Equal(t, b.Remove("a"), true)
	assert.Equal(t, b.Remove("a"), false)

	// The freed direct slot is reused.
	again := b.Add(newFake("b"))
	assert.Equal(t, again.Direct(), true)
}

func TestNilBroadcasterIsInert(t *testing.T) {
	var b *Broadcaster
	b.Broadcast(grid.ChangeSet{Sequence: 1})
	assert.Equal(t, b.Pending(), 0)
	assert.Equal(t, b.Remove("x"), false)
}
