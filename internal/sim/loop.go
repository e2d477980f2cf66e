package sim

import (
	"context"
	"sync"
	"time"

	"gridsync/server/internal/grid"
	"gridsync/server/internal/sched"
	"gridsync/server/logging/simulation"
)

const (
	// MetricTicks counts ticks that produced a change set.
	MetricTicks = "sim_ticks_total"
	// MetricTicksIdle counts ticks that found nothing to broadcast.
	MetricTicksIdle = "sim_ticks_idle_total"
	// MetricTicksSkipped counts ticks dropped under dispatch backpressure.
	MetricTicksSkipped = "sim_ticks_skipped_total"
	// MetricSequence stores the last committed change-set sequence.
	MetricSequence = "sim_sequence"
	// MetricDiffEntries counts delta entries emitted across all ticks.
	MetricDiffEntries = "sim_diff_entries_total"
)

// Source provides a consistent copy of the authoritative occupancy.
type Source interface {
	Capture() *grid.Occupancy
}

// Dispatcher fans a committed change set out to participants.
type Dispatcher interface {
	Broadcast(grid.ChangeSet)
	Pending() int
}

// LoopConfig tunes the tick loop.
type LoopConfig struct {
	TickRate int
	// QueueThreshold is the number of outstanding deliveries above which a
	// tick is skipped. Zero disables the check.
	QueueThreshold int
}

// LoopHooks exposes callbacks around each tick.
type LoopHooks struct {
	AfterStep func(TickResult)
}

// TickResult summarises one tick.
type TickResult struct {
	Sequence   uint64
	Emitted    bool
	Skipped    bool
	Entries    int
	QueueDepth int
	Duration   time.Duration
	Budget     time.Duration
}

// Loop captures the occupancy on a fixed cadence, diffs it against the last
// committed baseline and hands non-empty change sets to the dispatcher.
type Loop struct {
	source     Source
	dispatcher Dispatcher
	config     LoopConfig
	deps       Deps
	hooks      LoopHooks

	tickMu sync.Mutex

	mu       sync.RWMutex
	baseline *grid.Occupancy
	sequence uint64
	skipped  uint64
}

// NewLoop wires the tick engine. The initial baseline is captured
// immediately at sequence zero.
func NewLoop(source Source, dispatcher Dispatcher, cfg LoopConfig, deps Deps, hooks LoopHooks) *Loop {
	if source == nil || dispatcher == nil {
		return nil
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = 4
	}
	return &Loop{
		source:     source,
		dispatcher: dispatcher,
		config:     cfg,
		deps:       deps.normalized(),
		hooks:      hooks,
		baseline:   source.Capture(),
	}
}

// Period returns the interval between ticks.
func (l *Loop) Period() time.Duration {
	if l == nil {
		return 0
	}
	return time.Second / time.Duration(l.config.TickRate)
}

// Sequence returns the last committed change-set sequence.
func (l *Loop) Sequence() uint64 {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sequence
}

// Skipped returns how many ticks were dropped under backpressure.
func (l *Loop) Skipped() uint64 {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.skipped
}

// FullState returns the committed baseline stamped with its sequence. A
// client applying later change sets on top of it converges with the server.
func (l *Loop) FullState() grid.Snapshot {
	if l == nil {
		return grid.Snapshot{}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.baseline.Snapshot(l.sequence)
}

// Tick runs one capture/diff/broadcast cycle. Ticks never overlap.
func (l *Loop) Tick() TickResult {
	if l == nil {
		return TickResult{}
	}
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	clock := l.deps.Clock
	start := clock.Now()
	result := TickResult{Budget: l.Period()}

	depth := l.dispatcher.Pending()
	result.QueueDepth = depth
	if l.config.QueueThreshold > 0 && depth > l.config.QueueThreshold {
		l.mu.Lock()
		l.skipped++
		skipped := l.skipped
		result.Sequence = l.sequence
		l.mu.Unlock()
		result.Skipped = true
		l.deps.Metrics.Add(MetricTicksSkipped, 1)
		simulation.TickSkipped(context.Background(), l.deps.Publisher, result.Sequence, simulation.TickSkippedPayload{
			QueueDepth: depth,
			Threshold:  l.config.QueueThreshold,
			Skipped:    skipped,
		}, nil)
		l.finish(&result, start)
		return result
	}

	next := l.source.Capture()
	l.mu.RLock()
	baseline := l.baseline
	l.mu.RUnlock()
	entries, err := grid.Diff(baseline, next)
	if err != nil {
		l.deps.Logger.Printf("[sim] diff failed: %v", err)
		l.finish(&result, start)
		return result
	}
	if len(entries) == 0 {
		result.Sequence = l.Sequence()
		l.deps.Metrics.Add(MetricTicksIdle, 1)
		l.finish(&result, start)
		return result
	}

	l.mu.Lock()
	l.sequence++
	l.baseline = next
	sequence := l.sequence
	l.mu.Unlock()

	result.Sequence = sequence
	result.Emitted = true
	result.Entries = len(entries)
	l.dispatcher.Broadcast(grid.ChangeSet{Sequence: sequence, Entries: entries})

	l.deps.Metrics.Add(MetricTicks, 1)
	l.deps.Metrics.Add(MetricDiffEntries, uint64(len(entries)))
	l.deps.Metrics.Store(MetricSequence, sequence)
	l.finish(&result, start)
	return result
}

func (l *Loop) finish(result *TickResult, start time.Time) {
	result.Duration = l.deps.Clock.Now().Sub(start)
	if result.Budget > 0 && result.Duration > result.Budget {
		simulation.TickBudgetOverrun(context.Background(), l.deps.Publisher, result.Sequence, simulation.TickBudgetOverrunPayload{
			DurationMillis: result.Duration.Milliseconds(),
			BudgetMillis:   result.Budget.Milliseconds(),
			Ratio:          float64(result.Duration) / float64(result.Budget),
		}, map[string]any{"skipped": result.Skipped})
	}
	if l.hooks.AfterStep != nil {
		l.hooks.AfterStep(*result)
	}
}

// Start schedules Tick at the configured rate. Stopping the returned timer
// halts the loop.
func (l *Loop) Start(scheduler sched.Scheduler) sched.Timer {
	if l == nil || scheduler == nil {
		return nil
	}
	return scheduler.Every(l.Period(), func() { l.Tick() })
}

// Run drives the loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context, scheduler sched.Scheduler) {
	timer := l.Start(scheduler)
	if timer == nil {
		return
	}
	<-ctx.Done()
	timer.Stop()
}
