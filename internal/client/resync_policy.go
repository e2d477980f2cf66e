package client

import "fmt"

// Resync reasons.
const (
	ReasonInitial    = "initial"
	ReasonGap        = "gap"
	ReasonDesync     = "desync"
	ReasonInvalidate = "invalidate"
)

type resyncReason struct {
	Kind     string
	Sequence uint64
}

// ResyncSignal summarises why a resync was requested.
type ResyncSignal struct {
	Received uint64
	Gaps     uint64
	Reasons  []resyncReason
}

// resyncPolicy decides when buffered out-of-order change sets indicate loss
// rather than reordering.
type resyncPolicy struct {
	maxPending int
	received   uint64
	gaps       uint64
	pending    bool
	reasons    []resyncReason
}

const resyncReasonLimit = 8

func newResyncPolicy(maxPending int) *resyncPolicy {
	return &resyncPolicy{maxPending: maxPending, reasons: make([]resyncReason, 0, resyncReasonLimit)}
}

func (p *resyncPolicy) noteReceived() {
	if p == nil {
		return
	}
	if p.received == ^uint64(0) {
		p.received = p.received / 2
		p.gaps = p.gaps / 2
	}
	p.received++
}

// noteGap records an early arrival and reports whether the buffer depth now
// calls for a resync.
func (p *resyncPolicy) noteGap(sequence uint64, buffered int) bool {
	if p == nil {
		return false
	}
	p.gaps++
	if p.maxPending > 0 && buffered > p.maxPending {
		p.request(ReasonGap, sequence)
		return true
	}
	return false
}

func (p *resyncPolicy) request(kind string, sequence uint64) {
	if p == nil {
		return
	}
	if len(p.reasons) < resyncReasonLimit {
		p.reasons = append(p.reasons, resyncReason{Kind: kind, Sequence: sequence})
	}
	p.pending = true
}

func (p *resyncPolicy) consume() (ResyncSignal, bool) {
	if p == nil || !p.pending {
		return ResyncSignal{}, false
	}
	signal := ResyncSignal{
		Received: p.received,
		Gaps:     p.gaps,
		Reasons:  append([]resyncReason(nil), p.reasons...),
	}
	p.pending = false
	p.received = 0
	p.gaps = 0
	if len(p.reasons) > 0 {
		p.reasons = p.reasons[:0]
	}
	return signal, true
}

func (s ResyncSignal) summary() string {
	if len(s.Reasons) == 0 && s.Received == 0 {
		return ""
	}
	return fmt.Sprintf("received=%d gaps=%d reasons=%v", s.Received, s.Gaps, s.Reasons)
}
