package sim

import (
	"gridsync/server/internal/telemetry"
	"gridsync/server/logging"
)

// Deps carries shared infrastructure dependencies required by the tick engine.
type Deps struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Clock     logging.Clock
	Publisher logging.Publisher
}

func (d Deps) normalized() Deps {
	if d.Logger == nil {
		d.Logger = telemetry.Discard()
	}
	if d.Metrics == nil {
		d.Metrics = telemetry.NopMetrics()
	}
	if d.Clock == nil {
		d.Clock = logging.SystemClock{}
	}
	if d.Publisher == nil {
		d.Publisher = logging.NopPublisher()
	}
	return d
}
