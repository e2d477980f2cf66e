package broadcast

import (
	"context"

	"gridsync/server/internal/grid"
	"gridsync/server/internal/remote"
)

// Kind distinguishes the payloads a broadcaster carries.
type Kind string

const (
	KindChangeSet Kind = "changeSet"
	KindLifecycle Kind = "lifecycle"
)

// Message is one unit of fan-out: either a tick change set or a
// connection lifecycle event.
type Message struct {
	Kind      Kind
	ChangeSet grid.ChangeSet
	Lifecycle remote.LifecycleEvent
}

// ChangeSetMessage wraps a change set for fan-out.
func ChangeSetMessage(cs grid.ChangeSet) Message {
	return Message{Kind: KindChangeSet, ChangeSet: cs}
}

// LifecycleMessage wraps a lifecycle event for fan-out.
func LifecycleMessage(event remote.LifecycleEvent) Message {
	return Message{Kind: KindLifecycle, Lifecycle: event}
}

// Sequence returns the change-set sequence, or zero for lifecycle events.
func (m Message) Sequence() uint64 {
	if m.Kind == KindChangeSet {
		return m.ChangeSet.Sequence
	}
	return 0
}

func (m Message) deliver(ctx context.Context, p remote.Participant) remote.Result[remote.Done] {
	switch m.Kind {
	case KindChangeSet:
		return p.OnChangeSet(ctx, m.ChangeSet)
	case KindLifecycle:
		return p.OnLifecycle(ctx, m.Lifecycle)
	default:
		return remote.Rejected[remote.Done]("unknown message kind")
	}
}

// Outcome reports the result of delivering one message to one participant.
type Outcome struct {
	Participant grid.ParticipantID
	Kind        Kind
	Sequence    uint64
	Relay       string
	Status      remote.Status
	Err         error
}
