// Package lease keeps one liveness lease per registered participant. Leases
// expire on a jittered schedule and are renewed by a keep-alive probe, by an
// explicit keep-alive, or by any successful delivery. Failed deliveries walk
// a separate grace-window state machine that ends in recovery or eviction.
package lease

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"gridsync/server/internal/grid"
	"gridsync/server/internal/remote"
	"gridsync/server/internal/sched"
)

const (
	// ReasonProbeDeclined means the participant answered the probe with false.
	ReasonProbeDeclined = "probe_declined"
	// ReasonProbeUnreachable means the probe call failed.
	ReasonProbeUnreachable = "probe_unreachable"
	// ReasonProbeTimeout means the probe did not answer within the grace window.
	ReasonProbeTimeout = "probe_timeout"
	// ReasonDeliveryFailed means a delivery failed during the second-chance window.
	ReasonDeliveryFailed = "delivery_failed"
	// ReasonGraceElapsed means the second-chance window ended without a delivery.
	ReasonGraceElapsed = "grace_elapsed"
)

// Config tunes lease timings.
type Config struct {
	// Duration between keep-alive probes once a lease is established.
	Duration time.Duration
	// GraceWindow is the length of each delivery-failure window and the
	// deadline for an unanswered probe.
	GraceWindow time.Duration
}

// DefaultConfig mirrors the authority defaults.
func DefaultConfig() Config {
	return Config{Duration: 60 * time.Second, GraceWindow: 5 * time.Second}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.Duration <= 0 {
		c.Duration = def.Duration
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = def.GraceWindow
	}
	return c
}

// Hooks receive lease outcomes. They run outside the manager lock and may
// call back into the manager.
type Hooks struct {
	// Evicted fires once per lease that ends involuntarily.
	Evicted func(id grid.ParticipantID, reason string)
	// Recovered fires when a delivery succeeds after a timeout; the
	// participant's buffered state is unreliable and must be refetched.
	Recovered func(id grid.ParticipantID)
	// Transition fires on every delivery-state change.
	Transition func(id grid.ParticipantID, from, to State)
}

// Manager owns all leases. Timers run on their own scheduler so a burst of
// expiries cannot starve the tick loop.
type Manager struct {
	cfg       Config
	scheduler sched.Scheduler
	hooks     Hooks
	jitter    func() float64
	dispatch  func(func())

	mu     sync.Mutex
	leases map[grid.ParticipantID]*Lease
}

// Option customises a Manager.
type Option func(*Manager)

// WithJitter replaces the [0,1) source used to spread first expiries.
func WithJitter(jitter func() float64) Option {
	return func(m *Manager) {
		if jitter != nil {
			m.jitter = jitter
		}
	}
}

// WithDispatcher replaces how probes are launched. The default starts a
// goroutine per probe.
func WithDispatcher(dispatch func(func())) Option {
	return func(m *Manager) {
		if dispatch != nil {
			m.dispatch = dispatch
		}
	}
}

// NewManager constructs a lease manager.
func NewManager(cfg Config, scheduler sched.Scheduler, hooks Hooks, opts ...Option) *Manager {
	if scheduler == nil {
		scheduler = sched.NewReal()
	}
	m := &Manager{
		cfg:       cfg.normalized(),
		scheduler: scheduler,
		hooks:     hooks,
		jitter:    rand.Float64,
		dispatch:  func(fn func()) { go fn() },
		leases:    make(map[grid.ParticipantID]*Lease),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the normalized configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Grant creates a lease for a newly registered participant. The first expiry
// is jittered to duration*(1+[0,1)) so simultaneous registrations spread out.
// Granting an id that already holds a lease is a no-op.
func (m *Manager) Grant(participant remote.Participant) {
	if m == nil || participant == nil {
		return
	}
	id := participant.ID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.leases[id]; exists {
		return
	}
	l := &Lease{participant: participant, state: StateNotTimedOut}
	m.leases[id] = l
	first := time.Duration(float64(m.cfg.Duration) * (1 + m.jitter()))
	m.scheduleExpiryLocked(id, l, first)
}

// Renew pushes the expiry out by one duration and settles any outstanding
// probe. It is a no-op for unknown participants and for leases currently
// timed out.
func (m *Manager) Renew(id grid.ParticipantID) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[id]
	if !ok || l.state != StateNotTimedOut {
		return false
	}
	l.stopProbe()
	m.scheduleExpiryLocked(id, l, m.cfg.Duration)
	return true
}

// Cancel drops a lease without firing the eviction hook. It is used for
// voluntary disconnects.
func (m *Manager) Cancel(id grid.ParticipantID) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[id]
	if !ok {
		return false
	}
	l.stopTimers()
	l.state = StateEvicted
	delete(m.leases, id)
	return true
}

// Eligible reports whether broadcasts should be attempted for id.
func (m *Manager) Eligible(id grid.ParticipantID) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[id]
	return ok && l.state.Eligible()
}

// State returns the delivery state of id, or StateEvicted when unknown.
func (m *Manager) State(id grid.ParticipantID) State {
	if m == nil {
		return StateEvicted
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[id]; ok {
		return l.state
	}
	return StateEvicted
}

// Len returns the number of live leases.
func (m *Manager) Len() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

// Snapshot lists every live lease.
func (m *Manager) Snapshot() []Info {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.leases))
	for id, l := range m.leases {
		out = append(out, Info{
			ID:        id,
			State:     l.state.String(),
			ExpiresAt: l.expiresAt,
			Timeouts:  l.timeouts,
			Probing:   l.probe != nil,
		})
	}
	return out
}

// ReportDelivery feeds the outcome of one delivery into the state machine.
// Rejected deliveries prove the participant is reachable and count as success.
func (m *Manager) ReportDelivery(id grid.ParticipantID, status remote.Status) {
	if m == nil {
		return
	}
	if status == remote.StatusUnreachable {
		m.deliveryFailed(id)
		return
	}
	m.deliverySucceeded(id)
}

func (m *Manager) deliverySucceeded(id grid.ParticipantID) {
	m.mu.Lock()
	l, ok := m.leases[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	from := l.state
	recovered := from == StateTimedOut || from == StateRecentlyTimedOut
	if recovered {
		l.stopGrace()
		l.state = StateNotTimedOut
	}
	l.stopProbe()
	m.scheduleExpiryLocked(id, l, m.cfg.Duration)
	m.mu.Unlock()

	if recovered {
		m.transition(id, from, StateNotTimedOut)
		if m.hooks.Recovered != nil {
			m.hooks.Recovered(id)
		}
	}
}

func (m *Manager) deliveryFailed(id grid.ParticipantID) {
	m.mu.Lock()
	l, ok := m.leases[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	switch l.state {
	case StateNotTimedOut:
		l.state = StateTimedOut
		l.timeouts++
		m.scheduleGraceLocked(id, l)
		m.mu.Unlock()
		m.transition(id, StateNotTimedOut, StateTimedOut)
	case StateRecentlyTimedOut:
		m.evictLocked(id, l)
		m.mu.Unlock()
		m.evicted(id, StateRecentlyTimedOut, ReasonDeliveryFailed)
	default:
		// Already inside a blackout window; in-flight failures from the same
		// outage do not restart it.
		m.mu.Unlock()
	}
}

func (m *Manager) scheduleGraceLocked(id grid.ParticipantID, l *Lease) {
	l.stopGrace()
	l.graceGen++
	gen := l.graceGen
	l.grace = m.scheduler.After(m.cfg.GraceWindow, func() {
		m.graceElapsed(id, gen)
	})
}

func (m *Manager) graceElapsed(id grid.ParticipantID, gen uint64) {
	m.mu.Lock()
	l, ok := m.leases[id]
	if !ok || l.graceGen != gen {
		m.mu.Unlock()
		return
	}
	l.grace = nil
	switch l.state {
	case StateTimedOut:
		l.state = StateRecentlyTimedOut
		m.scheduleGraceLocked(id, l)
		m.mu.Unlock()
		m.transition(id, StateTimedOut, StateRecentlyTimedOut)
	case StateRecentlyTimedOut:
		m.evictLocked(id, l)
		m.mu.Unlock()
		m.evicted(id, StateRecentlyTimedOut, ReasonGraceElapsed)
	default:
		m.mu.Unlock()
	}
}

func (m *Manager) scheduleExpiryLocked(id grid.ParticipantID, l *Lease, after time.Duration) {
	if l.expiry != nil {
		l.expiry.Stop()
	}
	l.expiryGen++
	gen := l.expiryGen
	l.expiresAt = m.scheduler.Now().Add(after)
	l.expiry = m.scheduler.After(after, func() {
		m.expired(id, gen)
	})
}

// expired issues a keep-alive probe. The probe runs detached; its answer,
// or the lack of one within the grace window, decides the lease.
func (m *Manager) expired(id grid.ParticipantID, gen uint64) {
	m.mu.Lock()
	l, ok := m.leases[id]
	if !ok || l.expiryGen != gen {
		m.mu.Unlock()
		return
	}
	l.expiry = nil
	l.stopProbe()
	l.probeGen++
	probeGen := l.probeGen
	participant := l.participant
	l.probe = m.scheduler.After(m.cfg.GraceWindow, func() {
		m.probeAnswered(id, probeGen, remote.Unreachable[bool](context.DeadlineExceeded), ReasonProbeTimeout)
	})
	m.mu.Unlock()

	window := m.cfg.GraceWindow
	m.dispatch(func() {
		ctx, cancel := context.WithTimeout(context.Background(), window)
		defer cancel()
		result := participant.OnLeaseExpired(ctx)
		m.probeAnswered(id, probeGen, result, "")
	})
}

func (m *Manager) probeAnswered(id grid.ParticipantID, gen uint64, result remote.Result[bool], reason string) {
	m.mu.Lock()
	l, ok := m.leases[id]
	if !ok || l.probeGen != gen || l.probe == nil {
		m.mu.Unlock()
		return
	}
	l.stopProbe()
	if result.OK() && result.Value {
		m.scheduleExpiryLocked(id, l, m.cfg.Duration)
		m.mu.Unlock()
		return
	}
	if reason == "" {
		reason = ReasonProbeDeclined
		if !result.OK() {
			reason = ReasonProbeUnreachable
		}
	}
	from := l.state
	m.evictLocked(id, l)
	m.mu.Unlock()
	m.evicted(id, from, reason)
}

func (m *Manager) evictLocked(id grid.ParticipantID, l *Lease) {
	l.stopTimers()
	l.state = StateEvicted
	delete(m.leases, id)
}

func (m *Manager) evicted(id grid.ParticipantID, from State, reason string) {
	m.transition(id, from, StateEvicted)
	if m.hooks.Evicted != nil {
		m.hooks.Evicted(id, reason)
	}
}

func (m *Manager) transition(id grid.ParticipantID, from, to State) {
	if from == to || m.hooks.Transition == nil {
		return
	}
	m.hooks.Transition(id, from, to)
}
