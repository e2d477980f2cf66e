package lifecycle

import (
	"context"

	"gridsync/server/logging"
)

const (
	// EventParticipantJoined is emitted when a participant registers.
	EventParticipantJoined logging.EventType = "lifecycle.participant_joined"
	// EventParticipantDisconnected is emitted when a participant leaves voluntarily.
	EventParticipantDisconnected logging.EventType = "lifecycle.participant_disconnected"
	// EventParticipantEvicted is emitted when the lease manager evicts a participant.
	EventParticipantEvicted logging.EventType = "lifecycle.participant_evicted"
)

// ParticipantJoinedPayload captures spawn metadata for a new participant.
type ParticipantJoinedPayload struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Relay string `json:"relay,omitempty"`
}

// ParticipantLeftPayload captures why a participant left.
type ParticipantLeftPayload struct {
	Reason string `json:"reason"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
}

// ParticipantJoined publishes a participant join event.
func ParticipantJoined(ctx context.Context, pub logging.Publisher, sequence uint64, actor logging.EntityRef, payload ParticipantJoinedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventParticipantJoined,
		Sequence: sequence,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}

// ParticipantDisconnected publishes a voluntary disconnect event.
func ParticipantDisconnected(ctx context.Context, pub logging.Publisher, sequence uint64, actor logging.EntityRef, payload ParticipantLeftPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventParticipantDisconnected,
		Sequence: sequence,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}

// ParticipantEvicted publishes a warning when a participant is evicted.
func ParticipantEvicted(ctx context.Context, pub logging.Publisher, sequence uint64, actor logging.EntityRef, payload ParticipantLeftPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventParticipantEvicted,
		Sequence: sequence,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}
