// Package broadcast delivers change sets and lifecycle events to registered
// participants. Every delivery is an independent unit of work; a slow or
// failed recipient never delays the others. Once the authority holds its
// direct capacity, further participants are partitioned onto relay nodes
// that receive each message once and fan it out themselves.
package broadcast

import (
	"context"
	"errors"
	"time"

	"gridsync/server/internal/grid"
	"gridsync/server/internal/remote"
	"gridsync/server/internal/telemetry"
	"gridsync/server/logging"
	"gridsync/server/logging/network"
)

const (
	// MetricDeliveries counts delivery attempts.
	MetricDeliveries = "broadcast_deliveries_total"
	// MetricDeliveryFailures counts unreachable recipients.
	MetricDeliveryFailures = "broadcast_delivery_failures_total"
	// MetricRelayFaults counts relays that became unreachable.
	MetricRelayFaults = "broadcast_relay_faults_total"
	// MetricOrphans stores the number of participants stranded on failed relays.
	MetricOrphans = "broadcast_orphans"
	// MetricRelays stores the number of relay nodes.
	MetricRelays = "broadcast_relays"
)

// Config tunes fan-out.
type Config struct {
	// Workers bounds concurrent deliveries per node.
	Workers int
	// DeliveryTimeout bounds each remote call.
	DeliveryTimeout time.Duration
	// RelayCapacity is the number of participants one node serves directly.
	// Zero disables relay delegation.
	RelayCapacity int
}

// DefaultConfig returns the authority defaults.
func DefaultConfig() Config {
	return Config{Workers: 64, DeliveryTimeout: 2 * time.Second, RelayCapacity: 100}
}

// Deps carries shared infrastructure.
type Deps struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
}

// Hooks connect the broadcaster to liveness tracking.
type Hooks struct {
	// Eligible filters recipients. Nil means everyone is eligible.
	Eligible func(grid.ParticipantID) bool
	// Delivered observes every delivery outcome.
	Delivered func(Outcome)
}

// Option customises a Broadcaster.
type Option func(*Broadcaster)

// WithRelayFactory overrides how relay nodes are created.
func WithRelayFactory(factory RelayFactory) Option {
	return func(b *Broadcaster) {
		if factory != nil {
			b.factory = factory
		}
	}
}

// Broadcaster is the authority-side fan-out node.
type Broadcaster struct {
	cfg       Config
	deps      Deps
	hooks     Hooks
	factory   RelayFactory
	directory *Directory
	fan       *fanout
}

// New constructs a broadcaster.
func New(cfg Config, deps Deps, hooks Hooks, opts ...Option) *Broadcaster {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.Discard()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics()
	}
	if deps.Publisher == nil {
		deps.Publisher = logging.NopPublisher()
	}
	b := &Broadcaster{
		cfg:   cfg,
		deps:  deps,
		hooks: hooks,
		fan:   newFanout(cfg.Workers, cfg.DeliveryTimeout),
	}
	b.factory = func(id string) RelayNode {
		return NewRelay(id, RelayConfig{
			Capacity:        cfg.RelayCapacity,
			Workers:         cfg.Workers,
			DeliveryTimeout: cfg.DeliveryTimeout,
		})
	}
	for _, opt := range opts {
		opt(b)
	}
	b.directory = NewDirectory(cfg.RelayCapacity, b.factory)
	return b
}

// Directory exposes participant placement.
func (b *Broadcaster) Directory() *Directory {
	if b == nil {
		return nil
	}
	return b.directory
}

// Add registers a recipient and returns where it was placed.
func (b *Broadcaster) Add(p remote.Participant) Assignment {
	if b == nil || p == nil {
		return Assignment{}
	}
	before := len(b.directory.Relays())
	assignment := b.directory.Assign(p)
	if after := len(b.directory.Relays()); after != before {
		b.deps.Metrics.Store(MetricRelays, uint64(after))
		b.deps.Logger.Printf("[broadcast] relay %s created for %s", assignment.Relay, assignment.Participant)
	}
	return assignment
}

// Remove unregisters a recipient.
func (b *Broadcaster) Remove(id grid.ParticipantID) bool {
	if b == nil {
		return false
	}
	_, ok := b.directory.Remove(id)
	return ok
}

// Broadcast fans a change set out to every eligible recipient.
func (b *Broadcaster) Broadcast(cs grid.ChangeSet) {
	b.Send(ChangeSetMessage(cs))
}

// PublishLifecycle fans a lifecycle event out to every eligible recipient.
func (b *Broadcaster) PublishLifecycle(event remote.LifecycleEvent) {
	b.Send(LifecycleMessage(event))
}

// Send dispatches msg. Direct recipients each get their own unit of work;
// each available relay gets one forward.
func (b *Broadcaster) Send(msg Message) {
	if b == nil {
		return
	}
	targets := make([]remote.Participant, 0)
	for _, p := range b.directory.DirectTargets() {
		if b.eligible(p.ID()) {
			targets = append(targets, p)
		}
	}
	b.fan.deliver("", msg, targets, b.report)

	for _, relay := range b.directory.ActiveRelays() {
		if relay.Len() == 0 {
			continue
		}
		node := relay
		b.fan.run(func(ctx context.Context) {
			result := node.Forward(ctx, msg, b.eligible, b.report)
			if !result.OK() {
				b.relayFault(node.ID(), msg.Sequence(), result.Err)
			}
		})
	}
}

// Deliver sends a single message to one participant on the delivery pool,
// bypassing relays. It is used for per-participant signals such as
// invalidation.
func (b *Broadcaster) Deliver(p remote.Participant, task func(ctx context.Context, p remote.Participant) remote.Result[remote.Done]) {
	if b == nil || p == nil || task == nil {
		return
	}
	b.fan.run(func(ctx context.Context) {
		result := task(ctx, p)
		if !result.OK() {
			b.deps.Logger.Printf("[broadcast] direct signal to %s failed: %v", p.ID(), result.Err)
		}
	})
}

// Pending returns deliveries accepted but not finished, relays included.
func (b *Broadcaster) Pending() int {
	if b == nil {
		return 0
	}
	total := b.fan.inFlight()
	for _, relay := range b.directory.ActiveRelays() {
		total += relay.Pending()
	}
	return total
}

// Wait blocks until every accepted delivery has finished.
func (b *Broadcaster) Wait() {
	if b == nil {
		return
	}
	b.fan.wait()
	for _, info := range b.directory.Relays() {
		if relay, ok := b.directory.Relay(info.ID); ok {
			relay.Wait()
		}
	}
}

// MigrateOrphans moves the members of relay from onto relay to, or through
// normal placement when to is empty, and returns the number moved.
func (b *Broadcaster) MigrateOrphans(from, to string) (int, error) {
	if b == nil {
		return 0, nil
	}
	before := len(b.directory.Relays())
	moved, err := b.directory.Migrate(from, to)
	if len(moved) > 0 {
		target := to
		if target == "" {
			target = "auto"
		}
		network.RelayMigrated(context.Background(), b.deps.Publisher, 0, logging.Relay(from), network.RelayMigratedPayload{
			From:  from,
			To:    target,
			Moved: len(moved),
		}, nil)
	}
	if after := len(b.directory.Relays()); after != before {
		b.deps.Metrics.Store(MetricRelays, uint64(after))
	}
	b.deps.Metrics.Store(MetricOrphans, uint64(b.directory.OrphanCount()))
	return len(moved), err
}

func (b *Broadcaster) eligible(id grid.ParticipantID) bool {
	if b.hooks.Eligible == nil {
		return true
	}
	return b.hooks.Eligible(id)
}

func (b *Broadcaster) report(outcome Outcome) {
	b.deps.Metrics.Add(MetricDeliveries, 1)
	if outcome.Status == remote.StatusUnreachable {
		b.deps.Metrics.Add(MetricDeliveryFailures, 1)
		errText := ""
		if outcome.Err != nil {
			errText = outcome.Err.Error()
		}
		network.DeliveryFailed(context.Background(), b.deps.Publisher, outcome.Sequence, logging.Participant(string(outcome.Participant)), network.DeliveryFailedPayload{
			Error: errText,
			Relay: outcome.Relay,
		}, map[string]any{"kind": string(outcome.Kind)})
	}
	if b.hooks.Delivered != nil {
		b.hooks.Delivered(outcome)
	}
}

// relayFault handles a relay that could not accept a forward. The members
// are orphaned; nothing reassigns them automatically.
func (b *Broadcaster) relayFault(id string, sequence uint64, err error) {
	orphans, markErr := b.directory.MarkUnavailable(id)
	if markErr != nil {
		return
	}
	if err == nil {
		err = errors.New("relay unreachable")
	}
	b.deps.Metrics.Add(MetricRelayFaults, 1)
	b.deps.Metrics.Store(MetricOrphans, uint64(b.directory.OrphanCount()))
	b.deps.Logger.Printf("[broadcast] relay %s unreachable, %d participants orphaned: %v", id, len(orphans), err)
	network.RelayFault(context.Background(), b.deps.Publisher, sequence, logging.Relay(id), network.RelayFaultPayload{
		Error:    err.Error(),
		Orphaned: len(orphans),
	}, nil)
}
