// Package sched provides the timer abstraction used by the tick loop and the
// lease manager. Callers hand over a unit of work and a delay or period; the
// scheduler decides which goroutine runs it.
package sched

import (
	"sync"
	"time"
)

// Task is a unit of work run by a scheduler.
type Task func()

// Timer is a handle on a scheduled task.
type Timer interface {
	// Stop prevents the task from running again. It reports whether a
	// pending run was cancelled.
	Stop() bool
}

// Scheduler runs tasks after a delay or periodically.
type Scheduler interface {
	After(delay time.Duration, task Task) Timer
	Every(period time.Duration, task Task) Timer
	Now() time.Time
}

// Real schedules tasks on runtime timers. Periodic tasks never overlap: a
// period that elapses while the previous run is still busy is dropped.
type Real struct {
	mu      sync.Mutex
	timers  map[*realTimer]struct{}
	stopped bool
}

// NewReal returns a scheduler backed by time.AfterFunc.
func NewReal() *Real {
	return &Real{timers: make(map[*realTimer]struct{})}
}

func (r *Real) Now() time.Time {
	return time.Now()
}

func (r *Real) After(delay time.Duration, task Task) Timer {
	t := &realTimer{owner: r}
	if !r.track(t) {
		return t
	}
	t.timer = time.AfterFunc(delay, func() {
		r.untrack(t)
		task()
	})
	return t
}

func (r *Real) Every(period time.Duration, task Task) Timer {
	if period <= 0 {
		period = time.Millisecond
	}
	t := &realTimer{owner: r, done: make(chan struct{})}
	if !r.track(t) {
		return t
	}
	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
				task()
			}
		}
	}()
	return t
}

// Close stops every outstanding timer and rejects new ones.
func (r *Real) Close() {
	r.mu.Lock()
	r.stopped = true
	timers := make([]*realTimer, 0, len(r.timers))
	for t := range r.timers {
		timers = append(timers, t)
	}
	r.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}

func (r *Real) track(t *realTimer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.timers[t] = struct{}{}
	return true
}

func (r *Real) untrack(t *realTimer) {
	r.mu.Lock()
	delete(r.timers, t)
	r.mu.Unlock()
}

type realTimer struct {
	owner *Real
	timer *time.Timer
	done  chan struct{}
	once  sync.Once
}

func (t *realTimer) Stop() bool {
	stopped := false
	t.once.Do(func() {
		if t.timer != nil {
			stopped = t.timer.Stop()
		}
		if t.done != nil {
			close(t.done)
			stopped = true
		}
		if t.owner != nil {
			t.owner.untrack(t)
		}
	})
	return stopped
}
