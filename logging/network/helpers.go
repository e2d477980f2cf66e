package network

import (
	"context"

	"gridsync/server/logging"
)

const (
	// EventDeliveryFailed is emitted when a change set cannot reach a participant.
	EventDeliveryFailed logging.EventType = "network.delivery_failed"
	// EventLeaseTransition is emitted when a participant's lease changes state.
	EventLeaseTransition logging.EventType = "network.lease_transition"
	// EventResyncRequested is emitted when a participant is told to refetch full state.
	EventResyncRequested logging.EventType = "network.resync_requested"
	// EventRelayFault is emitted when a relay node becomes unreachable.
	EventRelayFault logging.EventType = "network.relay_fault"
	// EventRelayMigrated is emitted when orphaned participants are moved to another relay.
	EventRelayMigrated logging.EventType = "network.relay_migrated"
)

// DeliveryFailedPayload describes one failed delivery.
type DeliveryFailedPayload struct {
	Error string `json:"error"`
	Relay string `json:"relay,omitempty"`
}

// LeaseTransitionPayload captures a lease state change.
type LeaseTransitionPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RelayFaultPayload captures the blast radius of a relay failure.
type RelayFaultPayload struct {
	Error    string `json:"error"`
	Orphaned int    `json:"orphaned"`
}

// RelayMigratedPayload captures an explicit orphan migration.
type RelayMigratedPayload struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Moved int    `json:"moved"`
}

// DeliveryFailed publishes a debug event for a failed delivery. Failures are
// expected under churn; the lease transition that follows is the signal.
func DeliveryFailed(ctx context.Context, pub logging.Publisher, sequence uint64, actor logging.EntityRef, payload DeliveryFailedPayload, extra map[string]any) {
	publish(ctx, pub, EventDeliveryFailed, logging.SeverityDebug, sequence, actor, payload, extra)
}

// LeaseTransition publishes an info event when a lease changes state.
func LeaseTransition(ctx context.Context, pub logging.Publisher, sequence uint64, actor logging.EntityRef, payload LeaseTransitionPayload, extra map[string]any) {
	publish(ctx, pub, EventLeaseTransition, logging.SeverityInfo, sequence, actor, payload, extra)
}

// ResyncRequested publishes an info event when a participant is invalidated.
func ResyncRequested(ctx context.Context, pub logging.Publisher, sequence uint64, actor logging.EntityRef, extra map[string]any) {
	publish(ctx, pub, EventResyncRequested, logging.SeverityInfo, sequence, actor, nil, extra)
}

// RelayFault publishes an error event when a relay cannot be reached.
func RelayFault(ctx context.Context, pub logging.Publisher, sequence uint64, actor logging.EntityRef, payload RelayFaultPayload, extra map[string]any) {
	publish(ctx, pub, EventRelayFault, logging.SeverityError, sequence, actor, payload, extra)
}

// RelayMigrated publishes a warning when orphans are moved by an operator.
func RelayMigrated(ctx context.Context, pub logging.Publisher, sequence uint64, actor logging.EntityRef, payload RelayMigratedPayload, extra map[string]any) {
	publish(ctx, pub, EventRelayMigrated, logging.SeverityWarn, sequence, actor, payload, extra)
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, sequence uint64, actor logging.EntityRef, payload any, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Sequence: sequence,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	})
}
