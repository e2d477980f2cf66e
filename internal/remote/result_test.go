package remote

import (
	"errors"
	"testing"
)

func TestResultConstructors(t *testing.T) {
	ok := Ok(true)
	if !ok.OK() || !ok.Value {
		t.Fatalf("expected ok result carrying true, got %+v", ok)
	}

	unreachable := Unreachable[bool](nil)
	if unreachable.OK() || unreachable.Status != StatusUnreachable {
		t.Fatalf("expected unreachable status, got %s", unreachable.Status)
	}
	if !errors.Is(unreachable.Err, ErrUnreachable) {
		t.Fatalf("expected default unreachable error, got %v", unreachable.Err)
	}

	cause := errors.New("socket closed")
	if got := Unreachable[Done](cause); !errors.Is(got.Err, cause) {
		t.Fatalf("expected cause to be preserved, got %v", got.Err)
	}

	rejected := Rejected[Done]("busy")
	if rejected.Status != StatusRejected || rejected.Err == nil {
		t.Fatalf("expected rejected result with error, got %+v", rejected)
	}
	if !Delivered().OK() {
		t.Fatalf("expected delivered result to be ok")
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusOK:          "ok",
		StatusUnreachable: "unreachable",
		StatusRejected:    "rejected",
		Status(99):        "unknown",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Fatalf("Status(%d).String() = %q, want %q", status, got, want)
		}
	}
}
