package server

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gridsync/server/internal/sim"
)

type telemetryCounters struct {
	ticks            atomic.Uint64
	ticksIdle        atomic.Uint64
	ticksSkipped     atomic.Uint64
	changeSets       atomic.Uint64
	entriesSent      atomic.Uint64
	lastSequence     atomic.Uint64
	tickDuration     atomic.Int64
	deliveries       atomic.Uint64
	deliveryFailures atomic.Uint64
	registrations    atomic.Uint64
	disconnects      atomic.Uint64
	evictions        atomic.Uint64
	resyncs          atomic.Uint64
	movesAccepted    atomic.Uint64
	movesRejected    atomic.Uint64
	debug            bool
}

type telemetrySnapshot struct {
	Ticks            uint64 `json:"ticks"`
	TicksIdle        uint64 `json:"ticksIdle"`
	TicksSkipped     uint64 `json:"ticksSkipped"`
	ChangeSets       uint64 `json:"changeSets"`
	EntriesSent      uint64 `json:"entriesSent"`
	LastSequence     uint64 `json:"lastSequence"`
	TickDuration     int64  `json:"tickDurationMillis"`
	Deliveries       uint64 `json:"deliveries"`
	DeliveryFailures uint64 `json:"deliveryFailures"`
	Registrations    uint64 `json:"registrations"`
	Disconnects      uint64 `json:"disconnects"`
	Evictions        uint64 `json:"evictions"`
	Resyncs          uint64 `json:"resyncs"`
	MovesAccepted    uint64 `json:"movesAccepted"`
	MovesRejected    uint64 `json:"movesRejected"`
}

func newTelemetryCounters() *telemetryCounters {
	t := &telemetryCounters{}
	if os.Getenv("DEBUG_TELEMETRY") == "1" {
		t.debug = true
	}
	return t
}

func (t *telemetryCounters) RecordTick(result sim.TickResult) {
	t.ticks.Add(1)
	switch {
	case result.Skipped:
		t.ticksSkipped.Add(1)
	case result.Emitted:
		t.changeSets.Add(1)
		t.entriesSent.Add(uint64(result.Entries))
	default:
		t.ticksIdle.Add(1)
	}
	t.lastSequence.Store(result.Sequence)
	t.RecordTickDuration(result.Duration)
}

func (t *telemetryCounters) RecordTickDuration(duration time.Duration) {
	millis := duration.Milliseconds()
	if millis < 0 {
		millis = 0
	}
	t.tickDuration.Store(millis)
	if t.debug {
		fmt.Printf(
			"[telemetry] tick=%dms seq=%d changeSets=%d skipped=%d deliveries=%d failures=%d\n",
			millis,
			t.lastSequence.Load(),
			t.changeSets.Load(),
			t.ticksSkipped.Load(),
			t.deliveries.Load(),
			t.deliveryFailures.Load(),
		)
	}
}

func (t *telemetryCounters) RecordDelivery(failed bool) {
	t.deliveries.Add(1)
	if failed {
		t.deliveryFailures.Add(1)
	}
}

func (t *telemetryCounters) RecordMove(accepted bool) {
	if accepted {
		t.movesAccepted.Add(1)
		return
	}
	t.movesRejected.Add(1)
}

func (t *telemetryCounters) DebugEnabled() bool {
	return t.debug
}

func (t *telemetryCounters) Snapshot() telemetrySnapshot {
	return telemetrySnapshot{
		Ticks:            t.ticks.Load(),
		TicksIdle:        t.ticksIdle.Load(),
		TicksSkipped:     t.ticksSkipped.Load(),
		ChangeSets:       t.changeSets.Load(),
		EntriesSent:      t.entriesSent.Load(),
		LastSequence:     t.lastSequence.Load(),
		TickDuration:     t.tickDuration.Load(),
		Deliveries:       t.deliveries.Load(),
		DeliveryFailures: t.deliveryFailures.Load(),
		Registrations:    t.registrations.Load(),
		Disconnects:      t.disconnects.Load(),
		Evictions:        t.evictions.Load(),
		Resyncs:          t.resyncs.Load(),
		MovesAccepted:    t.movesAccepted.Load(),
		MovesRejected:    t.movesRejected.Load(),
	}
}
