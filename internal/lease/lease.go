package lease

import (
	"time"

	"gridsync/server/internal/grid"
	"gridsync/server/internal/remote"
	"gridsync/server/internal/sched"
)

// State is the delivery-liveness state of one lease.
type State int

const (
	// StateNotTimedOut is the healthy state; the participant receives broadcasts.
	StateNotTimedOut State = iota
	// StateTimedOut follows a failed delivery. Broadcasts skip the participant
	// until the grace window elapses.
	StateTimedOut
	// StateRecentlyTimedOut is the second-chance window: the next delivery
	// decides between recovery and eviction.
	StateRecentlyTimedOut
	// StateEvicted is terminal.
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateNotTimedOut:
		return "not_timed_out"
	case StateTimedOut:
		return "timed_out"
	case StateRecentlyTimedOut:
		return "recently_timed_out"
	case StateEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Eligible reports whether broadcasts should be attempted in this state.
func (s State) Eligible() bool {
	return s == StateNotTimedOut || s == StateRecentlyTimedOut
}

// Lease is the liveness contract for one participant. Fields are guarded by
// the owning Manager's mutex.
type Lease struct {
	participant remote.Participant
	state       State
	expiresAt   time.Time
	timeouts    int

	expiry    sched.Timer
	expiryGen uint64
	grace     sched.Timer
	graceGen  uint64
	probe     sched.Timer
	probeGen  uint64
}

// Info is a read-only view of a lease.
type Info struct {
	ID        grid.ParticipantID `json:"id"`
	State     string             `json:"state"`
	ExpiresAt time.Time          `json:"expiresAt"`
	Timeouts  int                `json:"timeouts"`
	Probing   bool               `json:"probing"`
}

func (l *Lease) stopTimers() {
	if l.expiry != nil {
		l.expiry.Stop()
		l.expiry = nil
	}
	l.stopGrace()
	l.stopProbe()
}

func (l *Lease) stopGrace() {
	if l.grace != nil {
		l.grace.Stop()
		l.grace = nil
	}
}

func (l *Lease) stopProbe() {
	if l.probe != nil {
		l.probe.Stop()
		l.probe = nil
	}
}
