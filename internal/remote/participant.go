package remote

import (
	"context"

	"gridsync/server/internal/grid"
)

// LifecycleKind distinguishes connection lifecycle notifications.
type LifecycleKind string

const (
	LifecycleJoined LifecycleKind = "joined"
	LifecycleLeft   LifecycleKind = "left"
)

// LifecycleEvent announces that another participant joined or left.
type LifecycleEvent struct {
	Kind        LifecycleKind      `json:"kind"`
	Participant grid.ParticipantID `json:"participant"`
	Reason      string             `json:"reason,omitempty"`
}

// Participant is the authority's handle on one connected client. Every call
// may block on the network and must be safe for concurrent use.
type Participant interface {
	ID() grid.ParticipantID
	OnChangeSet(ctx context.Context, changes grid.ChangeSet) Result[Done]
	OnLifecycle(ctx context.Context, event LifecycleEvent) Result[Done]
	// OnLeaseExpired asks whether the participant wants to keep its session.
	OnLeaseExpired(ctx context.Context) Result[bool]
	// Invalidate tells the participant to discard local state and resync.
	Invalidate(ctx context.Context) Result[Done]
}
