package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"gridsync/server/internal/broadcast"
	"gridsync/server/internal/grid"
	"gridsync/server/internal/lease"
	"gridsync/server/internal/remote"
	"gridsync/server/internal/sched"
	"gridsync/server/internal/sim"
	"gridsync/server/internal/telemetry"
	"gridsync/server/internal/world"
	"gridsync/server/logging"
	"gridsync/server/logging/lifecycle"
	"gridsync/server/logging/network"
)

// ErrNilParticipant is returned when registering without an endpoint.
var ErrNilParticipant = errors.New("server: nil participant")

// Registration is returned to a newly registered participant.
type Registration struct {
	Participant grid.ParticipantID `json:"participant"`
	Position    grid.Position      `json:"position"`
	Relay       string             `json:"relay,omitempty"`
	Snapshot    grid.Snapshot      `json:"snapshot"`
}

// sessionCloser is implemented by transports that can drop an evicted
// participant's connection.
type sessionCloser interface {
	CloseSession(reason string)
}

// Hub is the authority: it owns the world, drives the tick loop and wires
// leases to broadcast delivery.
type Hub struct {
	cfg       HubConfig
	logger    telemetry.Logger
	publisher logging.Publisher
	metrics   *logging.Metrics

	world       *world.World
	loop        *sim.Loop
	leases      *lease.Manager
	broadcaster *broadcast.Broadcaster
	telemetry   *telemetryCounters

	tickScheduler  sched.Scheduler
	leaseScheduler sched.Scheduler
	owned          []*sched.Real

	// membership serializes Register, Disconnect and eviction so a
	// participant is checked and placed atomically.
	membership sync.Mutex

	mu     sync.Mutex
	ticker sched.Timer
}

// NewHub constructs the authority. A nil publisher discards events.
func NewHub(cfg HubConfig, publisher logging.Publisher, opts ...HubOption) *Hub {
	cfg = cfg.normalized()
	var options hubOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	metrics := options.metrics
	if metrics == nil {
		metrics = &logging.Metrics{}
	}

	h := &Hub{
		cfg:       cfg,
		logger:    logger,
		publisher: publisher,
		metrics:   metrics,
		telemetry: newTelemetryCounters(),
	}

	h.tickScheduler = options.tickScheduler
	if h.tickScheduler == nil {
		rs := sched.NewReal()
		h.owned = append(h.owned, rs)
		h.tickScheduler = rs
	}
	h.leaseScheduler = options.leaseScheduler
	if h.leaseScheduler == nil {
		rs := sched.NewReal()
		h.owned = append(h.owned, rs)
		h.leaseScheduler = rs
	}

	topology := options.topology
	if topology == nil {
		topology = cfg.Topology()
	}
	h.world = world.New(topology, world.Deps{RNG: options.rng})

	h.leases = lease.NewManager(cfg.Lease, h.leaseScheduler, lease.Hooks{
		Evicted:    h.evict,
		Recovered:  h.invalidate,
		Transition: h.leaseTransition,
	}, options.leaseOptions...)

	wrapped := telemetry.WrapMetrics(metrics)
	var broadcastOpts []broadcast.Option
	if options.relayFactory != nil {
		broadcastOpts = append(broadcastOpts, broadcast.WithRelayFactory(options.relayFactory))
	}
	h.broadcaster = broadcast.New(cfg.Broadcast, broadcast.Deps{
		Logger:    logger,
		Metrics:   wrapped,
		Publisher: publisher,
	}, broadcast.Hooks{
		Eligible:  h.leases.Eligible,
		Delivered: h.delivered,
	}, broadcastOpts...)

	h.loop = sim.NewLoop(h.world, h.broadcaster, sim.LoopConfig{
		TickRate:       cfg.TickRate,
		QueueThreshold: cfg.QueueThreshold,
	}, sim.Deps{
		Logger:    logger,
		Metrics:   wrapped,
		Publisher: publisher,
	}, sim.LoopHooks{
		AfterStep: h.telemetry.RecordTick,
	})
	return h
}

// Register admits a participant at start, or at a random interior cell when
// start is nil. Registering the same participant twice returns the existing
// registration.
func (h *Hub) Register(p remote.Participant, start *grid.Position) (Registration, error) {
	if h == nil || p == nil {
		return Registration{}, ErrNilParticipant
	}
	id := p.ID()
	h.membership.Lock()
	defer h.membership.Unlock()
	if assignment, ok := h.broadcaster.Directory().Lookup(id); ok {
		if record, ok := h.world.Record(id); ok {
			return Registration{
				Participant: id,
				Position:    record.Position,
				Relay:       assignment.Relay,
				Snapshot:    h.loop.FullState(),
			}, nil
		}
	}

	pos, err := h.world.Register(id, start)
	if err != nil {
		return Registration{}, fmt.Errorf("register %s: %w", id, err)
	}
	h.leases.Grant(p)
	assignment := h.broadcaster.Add(p)
	h.telemetry.registrations.Add(1)

	lifecycle.ParticipantJoined(context.Background(), h.publisher, h.loop.Sequence(), logging.Participant(string(id)), lifecycle.ParticipantJoinedPayload{
		X:     pos.X,
		Y:     pos.Y,
		Relay: assignment.Relay,
	}, nil)
	h.broadcaster.PublishLifecycle(remote.LifecycleEvent{Kind: remote.LifecycleJoined, Participant: id})

	return Registration{
		Participant: id,
		Position:    pos,
		Relay:       assignment.Relay,
		Snapshot:    h.loop.FullState(),
	}, nil
}

// Disconnect removes a participant that left voluntarily.
func (h *Hub) Disconnect(id grid.ParticipantID, reason string) bool {
	if h == nil {
		return false
	}
	h.membership.Lock()
	defer h.membership.Unlock()
	h.leases.Cancel(id)
	record, ok := h.world.Remove(id)
	h.broadcaster.Remove(id)
	if !ok {
		return false
	}
	if reason == "" {
		reason = ReasonClosed
	}
	h.telemetry.disconnects.Add(1)
	lifecycle.ParticipantDisconnected(context.Background(), h.publisher, h.loop.Sequence(), logging.Participant(string(id)), lifecycle.ParticipantLeftPayload{
		Reason: reason,
		X:      record.Position.X,
		Y:      record.Position.Y,
	}, nil)
	h.broadcaster.PublishLifecycle(remote.LifecycleEvent{Kind: remote.LifecycleLeft, Participant: id, Reason: reason})
	return true
}

// MoveTo requests a single step. Illegal steps return false with no effect.
func (h *Hub) MoveTo(id grid.ParticipantID, target grid.Position) bool {
	if h == nil {
		return false
	}
	accepted := h.world.TryMove(id, target)
	h.telemetry.RecordMove(accepted)
	return accepted
}

// FullState returns the last committed snapshot and its sequence.
func (h *Hub) FullState() grid.Snapshot {
	if h == nil {
		return grid.Snapshot{}
	}
	return h.loop.FullState()
}

// KeepAlive renews the participant's lease.
func (h *Hub) KeepAlive(id grid.ParticipantID) bool {
	if h == nil {
		return false
	}
	return h.leases.Renew(id)
}

// MigrateOrphans moves participants off relay from onto relay to, or
// through normal placement when to is empty.
func (h *Hub) MigrateOrphans(from, to string) (int, error) {
	if h == nil {
		return 0, nil
	}
	moved, err := h.broadcaster.MigrateOrphans(from, to)
	if moved > 0 {
		h.logger.Printf("[relay] migrated %d participants from %s", moved, from)
	}
	return moved, err
}

// Tick runs one tick synchronously.
func (h *Hub) Tick() sim.TickResult {
	if h == nil {
		return sim.TickResult{}
	}
	return h.loop.Tick()
}

// Start begins ticking on the tick scheduler. Calling Start twice is a no-op.
func (h *Hub) Start() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ticker != nil {
		return
	}
	h.ticker = h.loop.Start(h.tickScheduler)
}

// Run ticks until ctx is cancelled, then shuts down.
func (h *Hub) Run(ctx context.Context) {
	if h == nil {
		return
	}
	h.Start()
	<-ctx.Done()
	h.Close()
}

// Close stops ticking, stops owned schedulers and waits for deliveries.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.ticker != nil {
		h.ticker.Stop()
		h.ticker = nil
	}
	owned := h.owned
	h.owned = nil
	h.mu.Unlock()
	for _, s := range owned {
		s.Close()
	}
	h.broadcaster.Wait()
}

// Wait blocks until in-flight deliveries finish.
func (h *Hub) Wait() {
	if h == nil {
		return
	}
	h.broadcaster.Wait()
}

// Count returns the number of live participants.
func (h *Hub) Count() int {
	if h == nil {
		return 0
	}
	return h.world.Count()
}

// Occupancy returns a copy of the live occupancy, including changes not yet
// committed by a tick.
func (h *Hub) Occupancy() *grid.Occupancy {
	if h == nil {
		return nil
	}
	return h.world.Capture()
}

// LeaseState reports the lease state of a participant.
func (h *Hub) LeaseState(id grid.ParticipantID) lease.State {
	if h == nil {
		return lease.StateEvicted
	}
	return h.leases.State(id)
}

// Assignment reports where a participant receives broadcasts from.
func (h *Hub) Assignment(id grid.ParticipantID) (broadcast.Assignment, bool) {
	if h == nil {
		return broadcast.Assignment{}, false
	}
	return h.broadcaster.Directory().Lookup(id)
}

// Relay returns a relay node by id.
func (h *Hub) Relay(id string) (broadcast.RelayNode, bool) {
	if h == nil {
		return nil, false
	}
	return h.broadcaster.Directory().Relay(id)
}

// Config returns the normalized configuration.
func (h *Hub) Config() HubConfig {
	return h.cfg
}

// Metrics exposes the hub's metrics registry.
func (h *Hub) Metrics() *logging.Metrics {
	return h.metrics
}

type diagnosticsParticipant struct {
	ID       grid.ParticipantID `json:"id"`
	X        int                `json:"x"`
	Y        int                `json:"y"`
	Liveness string             `json:"liveness"`
	Lease    string             `json:"lease"`
	Relay    string             `json:"relay,omitempty"`
}

// DiagnosticsSnapshot lists live participants for the diagnostics endpoint.
func (h *Hub) DiagnosticsSnapshot() []diagnosticsParticipant {
	records := h.world.Records()
	out := make([]diagnosticsParticipant, 0, len(records))
	for _, record := range records {
		entry := diagnosticsParticipant{
			ID:       record.ID,
			X:        record.Position.X,
			Y:        record.Position.Y,
			Liveness: record.Liveness.String(),
			Lease:    h.leases.State(record.ID).String(),
		}
		if assignment, ok := h.broadcaster.Directory().Lookup(record.ID); ok {
			entry.Relay = assignment.Relay
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LeaseSnapshot lists the live leases.
func (h *Hub) LeaseSnapshot() []lease.Info {
	if h == nil {
		return nil
	}
	return h.leases.Snapshot()
}

// RelaySnapshot summarises relay nodes.
func (h *Hub) RelaySnapshot() []broadcast.RelayInfo {
	return h.broadcaster.Directory().Relays()
}

// TelemetrySnapshot returns the hub counters.
func (h *Hub) TelemetrySnapshot() telemetrySnapshot {
	return h.telemetry.Snapshot()
}

// TickRate returns ticks per second.
func (h *Hub) TickRate() int {
	return h.cfg.TickRate
}

func (h *Hub) delivered(outcome broadcast.Outcome) {
	h.telemetry.RecordDelivery(outcome.Status == remote.StatusUnreachable)
	h.leases.ReportDelivery(outcome.Participant, outcome.Status)
}

func (h *Hub) evict(id grid.ParticipantID, reason string) {
	h.membership.Lock()
	participant, _ := h.broadcaster.Directory().Participant(id)
	record, ok := h.world.Remove(id)
	h.broadcaster.Remove(id)
	h.membership.Unlock()
	if !ok {
		return
	}
	h.telemetry.evictions.Add(1)
	h.logger.Printf("[lease] evicted %s at %s: %s", id, record.Position, reason)
	lifecycle.ParticipantEvicted(context.Background(), h.publisher, h.loop.Sequence(), logging.Participant(string(id)), lifecycle.ParticipantLeftPayload{
		Reason: reason,
		X:      record.Position.X,
		Y:      record.Position.Y,
	}, nil)
	h.broadcaster.PublishLifecycle(remote.LifecycleEvent{Kind: remote.LifecycleLeft, Participant: id, Reason: ReasonEvicted})
	if closer, ok := participant.(sessionCloser); ok {
		closer.CloseSession(reason)
	}
}

func (h *Hub) invalidate(id grid.ParticipantID) {
	participant, ok := h.broadcaster.Directory().Participant(id)
	if !ok {
		return
	}
	h.telemetry.resyncs.Add(1)
	network.ResyncRequested(context.Background(), h.publisher, h.loop.Sequence(), logging.Participant(string(id)), nil)
	h.broadcaster.Deliver(participant, func(ctx context.Context, p remote.Participant) remote.Result[remote.Done] {
		return p.Invalidate(ctx)
	})
}

func (h *Hub) leaseTransition(id grid.ParticipantID, from, to lease.State) {
	switch to {
	case lease.StateTimedOut, lease.StateRecentlyTimedOut:
		h.world.SetLiveness(id, world.LivenessGrace)
	case lease.StateNotTimedOut:
		h.world.SetLiveness(id, world.LivenessAlive)
	}
	network.LeaseTransition(context.Background(), h.publisher, h.loop.Sequence(), logging.Participant(string(id)), network.LeaseTransitionPayload{
		From: from.String(),
		To:   to.String(),
	}, nil)
}
