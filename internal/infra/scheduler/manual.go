package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic Scheduler whose time only moves when Advance is called.
// Due callbacks run synchronously on the goroutine calling Advance, in due-time order.
type Manual struct {
	mu      sync.Mutex
	current time.Time
	nextID  uint64
	tasks   map[uint64]*manualTask
}

type manualTask struct {
	id       uint64
	due      time.Time
	interval time.Duration
	fn       func()
}

// NewManual initialises a manual scheduler starting at the provided timestamp.
func NewManual(start time.Time) *Manual {
	return &Manual{current: start, tasks: make(map[uint64]*manualTask)}
}

// Now returns the current simulated time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// AfterFunc schedules fn once, d after the current simulated time.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Handle {
	return m.add(d, 0, fn)
}

// Every schedules fn every interval of simulated time.
func (m *Manual) Every(interval time.Duration, fn func()) Handle {
	if interval <= 0 {
		interval = time.Second
	}
	return m.add(interval, interval, fn)
}

func (m *Manual) add(d, interval time.Duration, fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	task := &manualTask{id: m.nextID, due: m.current.Add(d), interval: interval, fn: fn}
	m.tasks[task.id] = task
	return &manualHandle{owner: m, id: task.id}
}

// Pending reports how many tasks are still scheduled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Advance moves the clock forward by d, firing every task that falls due on the way.
func (m *Manual) Advance(d time.Duration) {
	if d < 0 {
		return
	}
	m.mu.Lock()
	target := m.current.Add(d)
	m.mu.Unlock()
	m.AdvanceTo(target)
}

// AdvanceTo moves the clock to ts if it is in the future, firing due tasks in order.
func (m *Manual) AdvanceTo(ts time.Time) {
	for {
		m.mu.Lock()
		task := m.nextDueLocked(ts)
		if task == nil {
			if ts.After(m.current) {
				m.current = ts
			}
			m.mu.Unlock()
			return
		}
		if task.due.After(m.current) {
			m.current = task.due
		}
		if task.interval > 0 {
			task.due = task.due.Add(task.interval)
		} else {
			delete(m.tasks, task.id)
		}
		fn := task.fn
		m.mu.Unlock()
		fn()
	}
}

func (m *Manual) nextDueLocked(limit time.Time) *manualTask {
	due := make([]*manualTask, 0, len(m.tasks))
	for _, task := range m.tasks {
		if !task.due.After(limit) {
			due = append(due, task)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].id < due[j].id
		}
		return due[i].due.Before(due[j].due)
	})
	return due[0]
}

type manualHandle struct {
	owner *Manual
	id    uint64
}

func (h *manualHandle) Stop() bool {
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	if _, ok := h.owner.tasks[h.id]; !ok {
		return false
	}
	delete(h.owner.tasks, h.id)
	return true
}
