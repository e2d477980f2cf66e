package server

import (
	"math/rand/v2"

	"gridsync/server/internal/broadcast"
	"gridsync/server/internal/grid"
	"gridsync/server/internal/lease"
	"gridsync/server/internal/sched"
	"gridsync/server/internal/telemetry"
	"gridsync/server/logging"
)

// Wall blocks the step between two adjacent cells.
type Wall struct {
	A grid.Position `json:"a"`
	B grid.Position `json:"b"`
}

// HubConfig captures the tunables the authority is built from.
type HubConfig struct {
	Width          int
	Height         int
	Walls          []Wall
	TickRate       int
	QueueThreshold int
	Lease          lease.Config
	Broadcast      broadcast.Config

	Logger telemetry.Logger
}

// DefaultHubConfig returns the authority defaults: a 20x20 open grid, four
// ticks per second, 60 second leases and relays of 100 participants.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Width:          defaultGridWidth,
		Height:         defaultGridHeight,
		TickRate:       defaultTickRate,
		QueueThreshold: defaultQueueThreshold,
		Lease: lease.Config{
			Duration:    defaultLeaseDuration,
			GraceWindow: defaultGraceWindow,
		},
		Broadcast: broadcast.Config{
			Workers:         defaultWorkers,
			DeliveryTimeout: defaultDeliveryWait,
			RelayCapacity:   defaultRelayCapacity,
		},
	}
}

func (cfg HubConfig) normalized() HubConfig {
	def := DefaultHubConfig()
	if cfg.Width <= 0 {
		cfg.Width = def.Width
	}
	if cfg.Height <= 0 {
		cfg.Height = def.Height
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = def.TickRate
	}
	if cfg.QueueThreshold < 0 {
		cfg.QueueThreshold = 0
	}
	return cfg
}

// Topology builds the grid layout described by the config.
func (cfg HubConfig) Topology() *grid.Layout {
	layout := grid.NewLayout(cfg.Width, cfg.Height)
	for _, wall := range cfg.Walls {
		layout.WithWall(wall.A, wall.B)
	}
	return layout
}

// HubOption customises hub construction, mostly for tests.
type HubOption func(*hubOptions)

type hubOptions struct {
	topology       grid.Topology
	tickScheduler  sched.Scheduler
	leaseScheduler sched.Scheduler
	rng            *rand.Rand
	metrics        *logging.Metrics
	leaseOptions   []lease.Option
	relayFactory   broadcast.RelayFactory
}

// WithTopology overrides the layout derived from the config.
func WithTopology(topology grid.Topology) HubOption {
	return func(o *hubOptions) { o.topology = topology }
}

// WithTickScheduler drives the tick loop from the given scheduler.
func WithTickScheduler(s sched.Scheduler) HubOption {
	return func(o *hubOptions) { o.tickScheduler = s }
}

// WithLeaseScheduler runs lease timers on the given scheduler.
func WithLeaseScheduler(s sched.Scheduler) HubOption {
	return func(o *hubOptions) { o.leaseScheduler = s }
}

// WithRNG fixes the source used for random start cells.
func WithRNG(rng *rand.Rand) HubOption {
	return func(o *hubOptions) { o.rng = rng }
}

// WithMetrics shares a metrics registry, typically the logging router's.
func WithMetrics(metrics *logging.Metrics) HubOption {
	return func(o *hubOptions) { o.metrics = metrics }
}

// WithLeaseOptions forwards options to the lease manager.
func WithLeaseOptions(opts ...lease.Option) HubOption {
	return func(o *hubOptions) { o.leaseOptions = append(o.leaseOptions, opts...) }
}

// WithRelayFactory overrides how relay nodes are created.
func WithRelayFactory(factory broadcast.RelayFactory) HubOption {
	return func(o *hubOptions) { o.relayFactory = factory }
}
