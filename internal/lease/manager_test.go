package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"gridsync/server/internal/grid"
	"gridsync/server/internal/remote"
	"gridsync/server/internal/sched"
)

type probeParticipant struct {
	id     grid.ParticipantID
	mu     sync.Mutex
	answer *remote.Result[bool]
	probes int
}

func (p *probeParticipant) ID() grid.ParticipantID { return p.id }

func (p *probeParticipant) OnChangeSet(context.Context, grid.ChangeSet) remote.Result[remote.Done] {
	return remote.Delivered()
}

func (p *probeParticipant) OnLifecycle(context.Context, remote.LifecycleEvent) remote.Result[remote.Done] {
	return remote.Delivered()
}

func (p *probeParticipant) Invalidate(context.Context) remote.Result[remote.Done] {
	return remote.Delivered()
}

func (p *probeParticipant) OnLeaseExpired(ctx context.Context) remote.Result[bool] {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	if p.answer == nil {
		return remote.Ok(true)
	}
	return *p.answer
}

func (p *probeParticipant) setAnswer(r remote.Result[bool]) {
	p.mu.Lock()
	p.answer = &r
	p.mu.Unlock()
}

type harness struct {
	clock       *sched.Manual
	manager     *Manager
	evicted     map[grid.ParticipantID]string
	recovered   []grid.ParticipantID
	transitions []string
	deferred    []func()
}

func newHarness(t *testing.T, deferProbes bool) *harness {
	t.Helper()
	h := &harness{
		clock:   sched.NewManual(time.Unix(0, 0)),
		evicted: make(map[grid.ParticipantID]string),
	}
	dispatch := func(fn func()) { fn() }
	if deferProbes {
		dispatch = func(fn func()) { h.deferred = append(h.deferred, fn) }
	}
	h.manager = NewManager(Config{Duration: 10 * time.Second, GraceWindow: time.Second}, h.clock, Hooks{
		Evicted:   func(id grid.ParticipantID, reason string) { h.evicted[id] = reason },
		Recovered: func(id grid.ParticipantID) { h.recovered = append(h.recovered, id) },
		Transition: func(id grid.ParticipantID, from, to State) {
			h.transitions = append(h.transitions, from.String()+"->"+to.String())
		},
	}, WithJitter(func() float64 { return 0.5 }), WithDispatcher(dispatch))
	return h
}

func TestTwoConsecutiveFailuresEvict(t *testing.T) {
	h := newHarness(t, false)
	h.manager.Grant(&probeParticipant{id: "p1"})

	h.manager.ReportDelivery("p1", remote.StatusUnreachable)
	assert.Equal(t, h.manager.State("p1"), StateTimedOut)
	assert.Equal(t, h.manager.Eligible("p1"), false)

	h.clock.Advance(time.Second)
	assert.Equal(t, h.manager.State("p1"), StateRecentlyTimedOut)
	assert.Equal(t, h.manager.Eligible("p1"), true)

	h.manager.ReportDelivery("p1", remote.StatusUnreachable)
	assert.Equal(t, h.manager.State("p1"), StateEvicted)
	assert.Equal(t, h.evicted["p1"], ReasonDeliveryFailed)
	assert.Equal(t, h.manager.Len(), 0)
	assert.Equal(t, h.transitions, []string{
		"not_timed_out->timed_out",
		"timed_out->recently_timed_out",
		"recently_timed_out->evicted",
	})
}

func TestRecoveryDuringSecondWindowInvalidates(t *testing.T) {
	h := newHarness(t, false)
	h.manager.Grant(&probeParticipant{id: "p1"})

	h.manager.ReportDelivery("p1", remote.StatusUnreachable)
	h.clock.Advance(time.Second)
	h.manager.ReportDelivery("p1", remote.StatusOK)

	assert.Equal(t, h.manager.State("p1"), StateNotTimedOut)
	assert.Equal(t, h.recovered, []grid.ParticipantID{"p1"})

	// The second grace timer was cancelled: no eviction when it would have fired.
	h.clock.Advance(2 * time.Second)
	assert.Equal(t, h.manager.State("p1"), StateNotTimedOut)
	assert.Equal(t, len(h.evicted), 0)
}

func TestSecondWindowElapsingWithoutDeliveryEvicts(t *testing.T) {
	h := newHarness(t, false)
	h.manager.Grant(&probeParticipant{id: "p1"})

	h.manager.ReportDelivery("p1", remote.StatusUnreachable)
	h.clock.Advance(time.Second)
	h.clock.Advance(time.Second)

	assert.Equal(t, h.evicted["p1"], ReasonGraceElapsed)
}

func TestFailuresDuringBlackoutAreIgnored(t *testing.T) {
	h := newHarness(t, false)
	h.manager.Grant(&probeParticipant{id: "p1"})

	h.manager.ReportDelivery("p1", remote.StatusUnreachable)
	h.manager.ReportDelivery("p1", remote.StatusUnreachable)
	assert.Equal(t, h.manager.State("p1"), StateTimedOut)
	assert.Equal(t, len(h.evicted), 0)
}

func TestRejectedDeliveryCountsAsReachable(t *testing.T) {
	h := newHarness(t, false)
	h.manager.Grant(&probeParticipant{id: "p1"})
	h.manager.ReportDelivery("p1", remote.StatusUnreachable)
	h.manager.ReportDelivery("p1", remote.StatusRejected)
	assert.Equal(t, h.manager.State("p1"), StateNotTimedOut)
	assert.Equal(t, len(h.recovered), 1)
}

func TestFirstExpiryIsJitteredAndProbeRenews(t *testing.T) {
	h := newHarness(t, false)
	p := &probeParticipant{id: "p1"}
	h.manager.Grant(p)

	// duration 10s * (1 + 0.5)
	h.clock.Advance(14 * time.Second)
	assert.Equal(t, p.probes, 0)
	h.clock.Advance(time.Second)
	assert.Equal(t, p.probes, 1)

	// Renewed by the probe: the next expiry is a plain duration later.
	h.clock.Advance(10 * time.Second)
	assert.Equal(t, p.probes, 2)
	assert.Equal(t, len(h.evicted), 0)
}

func TestProbeDeclinedReleasesLease(t *testing.T) {
	h := newHarness(t, false)
	p := &probeParticipant{id: "p1"}
	p.setAnswer(remote.Ok(false))
	h.manager.Grant(p)

	h.clock.Advance(15 * time.Second)
	assert.Equal(t, h.evicted["p1"], ReasonProbeDeclined)
	assert.Equal(t, h.manager.Eligible("p1"), false)
}

func TestProbeUnreachableReleasesLease(t *testing.T) {
	h := newHarness(t, false)
	p := &probeParticipant{id: "p1"}
	p.setAnswer(remote.Unreachable[bool](errors.New("gone")))
	h.manager.Grant(p)

	h.clock.Advance(15 * time.Second)
	assert.Equal(t, h.evicted["p1"], ReasonProbeUnreachable)
}

func TestUnansweredProbeTimesOut(t *testing.T) {
	h := newHarness(t, true)
	p := &probeParticipant{id: "p1"}
	h.manager.Grant(p)

	h.clock.Advance(15 * time.Second)
	assert.Equal(t, len(h.deferred), 1)
	assert.Equal(t, len(h.evicted), 0)

	h.clock.Advance(time.Second)
	assert.Equal(t, h.evicted["p1"], ReasonProbeTimeout)

	// A late answer is ignored.
	h.deferred[0]()
	assert.Equal(t, h.manager.Len(), 0)
}

func TestKeepAliveDefersExpiry(t *testing.T) {
	h := newHarness(t, false)
	p := &probeParticipant{id: "p1"}
	h.manager.Grant(p)

	for i := 0; i < 5; i++ {
		h.clock.Advance(9 * time.Second)
		assert.Equal(t, h.manager.Renew("p1"), true)
	}
	assert.Equal(t, p.probes, 0)
}

func TestSuccessfulDeliveryRenews(t *testing.T) {
	h := newHarness(t, false)
	p := &probeParticipant{id: "p1"}
	h.manager.Grant(p)

	h.clock.Advance(9 * time.Second)
	h.manager.ReportDelivery("p1", remote.StatusOK)
	h.clock.Advance(9 * time.Second)
	assert.Equal(t, p.probes, 0)
}

func TestCancelSkipsEvictionHook(t *testing.T) {
	h := newHarness(t, false)
	h.manager.Grant(&probeParticipant{id: "p1"})
	h.manager.ReportDelivery("p1", remote.StatusUnreachable)

	assert.Equal(t, h.manager.Cancel("p1"), true)
	h.clock.Advance(time.Minute)
	assert.Equal(t, len(h.evicted), 0)
	assert.Equal(t, h.clock.Pending(), 0)
	assert.Equal(t, h.manager.Cancel("p1"), false)
}

func TestGrantIsIdempotent(t *testing.T) {
	h := newHarness(t, false)
	p := &probeParticipant{id: "p1"}
	h.manager.Grant(p)
	h.manager.Grant(p)
	assert.Equal(t, h.manager.Len(), 1)
	assert.Equal(t, h.clock.Pending(), 1)
}

func TestSnapshotReportsLeases(t *testing.T) {
	h := newHarness(t, false)
	h.manager.Grant(&probeParticipant{id: "p1"})
	h.manager.ReportDelivery("p1", remote.StatusUnreachable)

	infos := h.manager.Snapshot()
	assert.Equal(t, len(infos), 1)
	assert.Equal(t, infos[0].State, "timed_out")
	assert.Equal(t, infos[0].Timeouts, 1)
}

func TestNilManagerIsInert(t *testing.T) {
	var m *Manager
	m.Grant(&probeParticipant{id: "p1"})
	m.ReportDelivery("p1", remote.StatusOK)
	assert.Equal(t, m.Eligible("p1"), false)
	assert.Equal(t, m.State("p1"), StateEvicted)
}
