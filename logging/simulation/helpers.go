package simulation

import (
	"context"

	"gridsync/server/logging"
)

const (
	// EventTickSkipped is emitted when the tick engine skips a tick under dispatch backpressure.
	EventTickSkipped logging.EventType = "simulation.tick_skipped"
	// EventTickBudgetOverrun is emitted when capturing and diffing exceeds the tick period.
	EventTickBudgetOverrun logging.EventType = "simulation.tick_budget_overrun"
)

// TickSkippedPayload captures the backlog that caused a skip.
type TickSkippedPayload struct {
	QueueDepth int    `json:"queueDepth"`
	Threshold  int    `json:"threshold"`
	Skipped    uint64 `json:"skipped"`
}

// TickBudgetOverrunPayload captures timing details for a tick budget breach.
type TickBudgetOverrunPayload struct {
	DurationMillis int64   `json:"durationMillis"`
	BudgetMillis   int64   `json:"budgetMillis"`
	Ratio          float64 `json:"ratio"`
}

// TickSkipped publishes a warning when a tick is dropped.
func TickSkipped(ctx context.Context, pub logging.Publisher, sequence uint64, payload TickSkippedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventTickSkipped,
		Sequence: sequence,
		Severity: logging.SeverityWarn,
		Category: logging.CategorySimulation,
		Payload:  payload,
		Extra:    extra,
	})
}

// TickBudgetOverrun publishes a warning when a tick overruns its period.
func TickBudgetOverrun(ctx context.Context, pub logging.Publisher, sequence uint64, payload TickBudgetOverrunPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventTickBudgetOverrun,
		Sequence: sequence,
		Severity: logging.SeverityWarn,
		Category: logging.CategorySimulation,
		Payload:  payload,
		Extra:    extra,
	})
}
