package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"gridsync/server/internal/remote"
)

// fanout runs every delivery as its own goroutine, bounded by a weighted
// semaphore so a slow recipient holds one slot and nothing else.
type fanout struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	pending atomic.Int64
	wg      sync.WaitGroup
}

func newFanout(workers int, timeout time.Duration) *fanout {
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &fanout{sem: semaphore.NewWeighted(int64(workers)), timeout: timeout}
}

// run schedules task on the pool. The task receives a context bounded by the
// delivery timeout.
func (f *fanout) run(task func(ctx context.Context)) {
	f.pending.Add(1)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer f.pending.Add(-1)
		if err := f.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer f.sem.Release(1)
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()
		task(ctx)
	}()
}

// deliver sends msg to each target independently and reports every result.
func (f *fanout) deliver(relay string, msg Message, targets []remote.Participant, report func(Outcome)) {
	for _, target := range targets {
		participant := target
		f.run(func(ctx context.Context) {
			result := msg.deliver(ctx, participant)
			if report != nil {
				report(Outcome{
					Participant: participant.ID(),
					Kind:        msg.Kind,
					Sequence:    msg.Sequence(),
					Relay:       relay,
					Status:      result.Status,
					Err:         result.Err,
				})
			}
		})
	}
}

func (f *fanout) inFlight() int {
	return int(f.pending.Load())
}

func (f *fanout) wait() {
	f.wg.Wait()
}
