package sched

import (
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic scheduler driven by Advance. Tasks run on the
// goroutine calling Advance, in deadline order.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	tasks []*manualTimer
}

// NewManual returns a manual scheduler starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(delay time.Duration, task Task) Timer {
	return m.schedule(delay, 0, task)
}

func (m *Manual) Every(period time.Duration, task Task) Timer {
	if period <= 0 {
		period = time.Millisecond
	}
	return m.schedule(period, period, task)
}

func (m *Manual) schedule(delay, period time.Duration, task Task) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{owner: m, due: m.now.Add(delay), period: period, task: task, seq: m.seq}
	m.tasks = append(m.tasks, t)
	return t
}

// Pending returns the number of scheduled tasks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Advance moves the clock forward, running every task that falls due. Tasks
// scheduled by running tasks are honoured if they fall inside the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.popDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		if next.due.After(m.now) {
			m.now = next.due
		}
		if next.period > 0 {
			next.due = next.due.Add(next.period)
			m.seq++
			next.seq = m.seq
			m.tasks = append(m.tasks, next)
		}
		task := next.task
		m.mu.Unlock()
		task()
	}
}

func (m *Manual) popDueLocked(target time.Time) *manualTimer {
	if len(m.tasks) == 0 {
		return nil
	}
	sort.SliceStable(m.tasks, func(i, j int) bool {
		if m.tasks[i].due.Equal(m.tasks[j].due) {
			return m.tasks[i].seq < m.tasks[j].seq
		}
		return m.tasks[i].due.Before(m.tasks[j].due)
	})
	head := m.tasks[0]
	if head.due.After(target) {
		return nil
	}
	m.tasks = m.tasks[1:]
	return head
}

func (m *Manual) remove(t *manualTimer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, candidate := range m.tasks {
		if candidate == t {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return true
		}
	}
	return false
}

type manualTimer struct {
	owner  *Manual
	due    time.Time
	period time.Duration
	task   Task
	seq    uint64
}

func (t *manualTimer) Stop() bool {
	return t.owner.remove(t)
}
