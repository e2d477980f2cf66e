// Package remote defines the transport-agnostic contract between the
// authority and its participants. A remote call either returns a value, is
// rejected by the far side, or cannot reach it; callers branch on Status
// instead of recovering from panics or inspecting transport errors.
package remote

import (
	"errors"
	"fmt"
)

// Status classifies the outcome of a remote call.
type Status int

const (
	StatusOK Status = iota
	StatusUnreachable
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnreachable:
		return "unreachable"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ErrUnreachable is the error carried by unreachable results that did not
// record a more specific cause.
var ErrUnreachable = errors.New("remote: participant unreachable")

// Result is the outcome of one remote call.
type Result[T any] struct {
	Status Status
	Value  T
	Err    error
}

// Ok wraps a successful value.
func Ok[T any](value T) Result[T] {
	return Result[T]{Status: StatusOK, Value: value}
}

// Unreachable records a communication failure.
func Unreachable[T any](err error) Result[T] {
	if err == nil {
		err = ErrUnreachable
	}
	return Result[T]{Status: StatusUnreachable, Err: err}
}

// Rejected records a call the far side refused.
func Rejected[T any](reason string) Result[T] {
	return Result[T]{Status: StatusRejected, Err: fmt.Errorf("remote: rejected: %s", reason)}
}

func (r Result[T]) OK() bool {
	return r.Status == StatusOK
}

// Done is the value type of calls that only report delivery.
type Done = struct{}

// Delivered is the successful result of a delivery-only call.
func Delivered() Result[Done] {
	return Ok(Done{})
}
