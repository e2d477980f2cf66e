package proto

import (
	"encoding/json"
	"errors"
	"testing"

	"gridsync/server/internal/grid"
	"gridsync/server/internal/remote"
)

func TestDecodeClientMessage(t *testing.T) {
	t.Run("defaults version", func(t *testing.T) {
		msg, err := DecodeClientMessage([]byte(`{"type":"keepAlive"}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg.Ver != Version || msg.Type != TypeKeepAlive {
			t.Fatalf("unexpected message %+v", msg)
		}
	})

	t.Run("rejects other versions", func(t *testing.T) {
		_, err := DecodeClientMessage([]byte(`{"ver":2,"type":"move","x":1,"y":1}`))
		if !errors.Is(err, ErrUnsupportedVersion) {
			t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
		}
	})

	t.Run("rejects missing type", func(t *testing.T) {
		if _, err := DecodeClientMessage([]byte(`{"ver":1}`)); !errors.Is(err, ErrMissingType) {
			t.Fatalf("expected ErrMissingType, got %v", err)
		}
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		if _, err := DecodeClientMessage([]byte(`{"type":`)); err == nil {
			t.Fatalf("expected malformed payload to fail")
		}
	})
}

func TestMoveTarget(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"ver":1,"type":"move","id":3,"x":0,"y":4}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	target, ok := msg.Target()
	if !ok || target != grid.Pos(0, 4) || msg.ID != 3 {
		t.Fatalf("unexpected move %+v", msg)
	}

	partial, err := DecodeClientMessage([]byte(`{"type":"move","x":2}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := partial.Target(); ok {
		t.Fatalf("expected move without y to be incomplete")
	}
}

func TestLeaseProbeReplyAccepted(t *testing.T) {
	if !LeaseProbeReply(1, true).Accepted() {
		t.Fatalf("expected keep-alive reply to be accepted")
	}
	if LeaseProbeReply(1, false).Accepted() {
		t.Fatalf("expected decline to be rejected")
	}
	if (ClientMessage{Type: TypeLeaseProbeReply}).Accepted() {
		t.Fatalf("expected missing answer to count as decline")
	}
}

func TestChangeSetEnvelope(t *testing.T) {
	data, err := Encode(ChangeSet(grid.ChangeSet{
		Sequence: 2,
		Entries:  []grid.DeltaEntry{{X: 1, Y: 1, Change: -1}, {X: 1, Y: 2, Change: 1}},
	}))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if raw["type"] != TypeChangeSet || raw["ver"] != float64(Version) {
		t.Fatalf("unexpected envelope %s", data)
	}
	if _, ok := raw["snapshot"]; ok {
		t.Fatalf("expected unrelated fields to be omitted, got %s", data)
	}

	msg, err := DecodeServerMessage(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	cs := msg.ChangeSet()
	if cs.Sequence != 2 || len(cs.Entries) != 2 || cs.Entries[0].Change != -1 {
		t.Fatalf("unexpected change set %+v", cs)
	}
}

func TestLifecycleEnvelope(t *testing.T) {
	event := remote.LifecycleEvent{Kind: remote.LifecycleLeft, Participant: "p1", Reason: "evicted"}
	data, err := Encode(Lifecycle(event))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	msg, err := DecodeServerMessage(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.LifecycleEvent() != event {
		t.Fatalf("expected %+v, got %+v", event, msg.LifecycleEvent())
	}
}

func TestEncodeStampsVersion(t *testing.T) {
	data, err := Encode(ClientMessage{Type: TypeKeepAlive})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if string(data) != `{"ver":1,"type":"keepAlive"}` {
		t.Fatalf("unexpected payload %s", data)
	}
}
