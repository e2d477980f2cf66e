package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"gridsync/server/internal/grid"
	"gridsync/server/internal/remote"
)

const (
	// Version tracks the wire-protocol revision expected by clients.
	Version = 1
)

// Server message type identifiers.
const (
	TypeJoined     = "joined"
	TypeChangeSet  = "changeSet"
	TypeLifecycle  = "lifecycle"
	TypeLeaseProbe = "leaseProbe"
	TypeInvalidate = "invalidate"
	TypeMoveResult = "moveResult"
	TypeFullState  = "fullState"
)

// Client message type identifiers.
const (
	TypeMove             = "move"
	TypeFullStateRequest = "fullStateRequest"
	TypeLeaseProbeReply  = "leaseProbeReply"
	TypeKeepAlive        = "keepAlive"
)

var (
	// ErrUnsupportedVersion is returned for payloads stamped with another protocol revision.
	ErrUnsupportedVersion = errors.New("proto: unsupported protocol version")
	// ErrMissingType is returned for payloads without a type discriminator.
	ErrMissingType = errors.New("proto: missing message type")
)

// ServerMessage is the envelope for every server to client payload. Only the
// fields that belong to Type are populated.
type ServerMessage struct {
	Ver         int                `json:"ver"`
	Type        string             `json:"type"`
	ID          uint64             `json:"id,omitempty"`
	Participant grid.ParticipantID `json:"participant,omitempty"`
	Position    *grid.Position     `json:"position,omitempty"`
	Relay       string             `json:"relay,omitempty"`
	Sequence    uint64             `json:"sequence,omitempty"`
	Entries     []grid.DeltaEntry  `json:"entries,omitempty"`
	Event       string             `json:"event,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Accepted    *bool              `json:"accepted,omitempty"`
	Snapshot    *grid.Snapshot     `json:"snapshot,omitempty"`
}

// Joined acknowledges a registration.
func Joined(id grid.ParticipantID, position grid.Position, relay string, snapshot grid.Snapshot) ServerMessage {
	return ServerMessage{
		Ver:         Version,
		Type:        TypeJoined,
		Participant: id,
		Position:    &position,
		Relay:       relay,
		Snapshot:    &snapshot,
	}
}

// ChangeSet wraps one tick's delta.
func ChangeSet(cs grid.ChangeSet) ServerMessage {
	return ServerMessage{Ver: Version, Type: TypeChangeSet, Sequence: cs.Sequence, Entries: cs.Entries}
}

// Lifecycle announces another participant joining or leaving.
func Lifecycle(event remote.LifecycleEvent) ServerMessage {
	return ServerMessage{
		Ver:         Version,
		Type:        TypeLifecycle,
		Event:       string(event.Kind),
		Participant: event.Participant,
		Reason:      event.Reason,
	}
}

// LeaseProbe asks the client whether it still wants its session.
func LeaseProbe(id uint64) ServerMessage {
	return ServerMessage{Ver: Version, Type: TypeLeaseProbe, ID: id}
}

// Invalidate tells the client to drop its mirror and resync.
func Invalidate() ServerMessage {
	return ServerMessage{Ver: Version, Type: TypeInvalidate}
}

// MoveResult answers a move request.
func MoveResult(id uint64, accepted bool) ServerMessage {
	return ServerMessage{Ver: Version, Type: TypeMoveResult, ID: id, Accepted: &accepted}
}

// FullState answers a fullStateRequest.
func FullState(id uint64, snapshot grid.Snapshot) ServerMessage {
	return ServerMessage{Ver: Version, Type: TypeFullState, ID: id, Snapshot: &snapshot}
}

// ChangeSet rebuilds the delta carried by a changeSet message.
func (m ServerMessage) ChangeSet() grid.ChangeSet {
	return grid.ChangeSet{Sequence: m.Sequence, Entries: m.Entries}
}

// LifecycleEvent rebuilds the event carried by a lifecycle message.
func (m ServerMessage) LifecycleEvent() remote.LifecycleEvent {
	return remote.LifecycleEvent{
		Kind:        remote.LifecycleKind(m.Event),
		Participant: m.Participant,
		Reason:      m.Reason,
	}
}

// ClientMessage captures an inbound websocket message from the client.
type ClientMessage struct {
	Ver       int    `json:"ver,omitempty"`
	Type      string `json:"type"`
	ID        uint64 `json:"id,omitempty"`
	X         *int   `json:"x,omitempty"`
	Y         *int   `json:"y,omitempty"`
	KeepAlive *bool  `json:"keepAlive,omitempty"`
}

// Move requests a single step to target.
func Move(id uint64, target grid.Position) ClientMessage {
	x, y := target.X, target.Y
	return ClientMessage{Ver: Version, Type: TypeMove, ID: id, X: &x, Y: &y}
}

// FullStateRequest asks for the current committed snapshot.
func FullStateRequest(id uint64) ClientMessage {
	return ClientMessage{Ver: Version, Type: TypeFullStateRequest, ID: id}
}

// LeaseProbeReply answers a leaseProbe.
func LeaseProbeReply(id uint64, keepAlive bool) ClientMessage {
	return ClientMessage{Ver: Version, Type: TypeLeaseProbeReply, ID: id, KeepAlive: &keepAlive}
}

// KeepAlive renews the lease without waiting for a probe.
func KeepAlive() ClientMessage {
	return ClientMessage{Ver: Version, Type: TypeKeepAlive}
}

// Target returns the requested cell of a move message. It reports false when
// either coordinate is missing.
func (m ClientMessage) Target() (grid.Position, bool) {
	if m.X == nil || m.Y == nil {
		return grid.Position{}, false
	}
	return grid.Pos(*m.X, *m.Y), true
}

// Accepted reports the keep-alive answer of a probe reply. A missing answer
// counts as a decline.
func (m ClientMessage) Accepted() bool {
	return m.KeepAlive != nil && *m.KeepAlive
}

// Encode renders a message, stamping the protocol version when unset.
func Encode(msg any) ([]byte, error) {
	switch payload := msg.(type) {
	case ServerMessage:
		if payload.Ver == 0 {
			payload.Ver = Version
		}
		return json.Marshal(payload)
	case ClientMessage:
		if payload.Ver == 0 {
			payload.Ver = Version
		}
		return json.Marshal(payload)
	default:
		return json.Marshal(msg)
	}
}

// DecodeClientMessage converts raw websocket payloads into a structured message.
func DecodeClientMessage(payload []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if err := checkEnvelope(&msg.Ver, msg.Type); err != nil {
		return msg, err
	}
	return msg, nil
}

// DecodeServerMessage converts raw websocket payloads received by a client.
func DecodeServerMessage(payload []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if err := checkEnvelope(&msg.Ver, msg.Type); err != nil {
		return msg, err
	}
	return msg, nil
}

func checkEnvelope(ver *int, msgType string) error {
	if *ver == 0 {
		*ver = Version
	}
	if *ver != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, *ver)
	}
	if msgType == "" {
		return ErrMissingType
	}
	return nil
}
