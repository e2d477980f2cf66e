package server

import (
	"testing"
	"time"

	"gridsync/server/internal/sim"
)

func TestTelemetryClassifiesTicks(t *testing.T) {
	counters := newTelemetryCounters()
	counters.RecordTick(sim.TickResult{Emitted: true, Sequence: 1, Entries: 2, Duration: 3 * time.Millisecond})
	counters.RecordTick(sim.TickResult{Sequence: 1})
	counters.RecordTick(sim.TickResult{Skipped: true, Sequence: 1})
	counters.RecordTick(sim.TickResult{Emitted: true, Sequence: 2, Entries: 1})

	snapshot := counters.Snapshot()
	if snapshot.Ticks != 4 {
		t.Fatalf("expected 4 ticks, got %d", snapshot.Ticks)
	}
	if snapshot.ChangeSets != 2 || snapshot.EntriesSent != 3 {
		t.Fatalf("expected 2 change sets with 3 entries, got %d/%d", snapshot.ChangeSets, snapshot.EntriesSent)
	}
	if snapshot.TicksIdle != 1 || snapshot.TicksSkipped != 1 {
		t.Fatalf("expected one idle and one skipped tick, got %d/%d", snapshot.TicksIdle, snapshot.TicksSkipped)
	}
	if snapshot.LastSequence != 2 {
		t.Fatalf("expected last sequence 2, got %d", snapshot.LastSequence)
	}
}

func TestTelemetryDeliveriesAndMoves(t *testing.T) {
	counters := newTelemetryCounters()
	counters.RecordDelivery(false)
	counters.RecordDelivery(true)
	counters.RecordMove(true)
	counters.RecordMove(false)
	counters.RecordMove(false)

	snapshot := counters.Snapshot()
	if snapshot.Deliveries != 2 || snapshot.DeliveryFailures != 1 {
		t.Fatalf("unexpected delivery counters %+v", snapshot)
	}
	if snapshot.MovesAccepted != 1 || snapshot.MovesRejected != 2 {
		t.Fatalf("unexpected move counters %+v", snapshot)
	}
}

func TestTelemetryClampsNegativeDuration(t *testing.T) {
	counters := newTelemetryCounters()
	counters.RecordTickDuration(-time.Second)
	if counters.Snapshot().TickDuration != 0 {
		t.Fatalf("expected negative duration to clamp to zero")
	}
}
