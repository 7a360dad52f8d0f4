package schedule

import (
	"sync"
	"time"
)

// Manual is a Scheduler driven by a virtual clock. Nothing fires until
// Advance is called, which makes timer-driven code deterministic in tests.
type Manual struct {
	mu    sync.Mutex
	now   time.Duration
	tasks []*ManualToken
}

type ManualToken struct {
	mu        sync.Mutex
	interval  time.Duration
	next      time.Duration
	action    Action
	cancelled bool
	cancels   int
}

func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Schedule(interval time.Duration, action Action) CancelToken {
	m.mu.Lock()
	defer m.mu.Unlock()

	if interval <= 0 {
		interval = time.Millisecond
	}
	token := &ManualToken{
		interval: interval,
		next:     m.now + interval,
		action:   action,
	}
	m.tasks = append(m.tasks, token)
	return token
}

// Advance moves the virtual clock forward by d, firing every due action in
// time order. Actions run on the caller's goroutine.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	for {
		m.mu.Lock()
		var due *ManualToken
		for _, task := range m.tasks {
			if task.isCancelled() || task.next > target {
				continue
			}
			if due == nil || task.next < due.next {
				due = task
			}
		}
		if due == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = due.next
		due.next += due.interval
		m.mu.Unlock()

		due.fire()
	}
}

func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Active returns the number of scheduled tasks that have not been cancelled.
func (m *Manual) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, task := range m.tasks {
		if !task.isCancelled() {
			count++
		}
	}
	return count
}

func (m *Manual) Tokens() []*ManualToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*ManualToken(nil), m.tasks...)
}

func (t *ManualToken) fire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.action()
}

func (t *ManualToken) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	t.cancels++
}

func (t *ManualToken) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Cancels reports how many times Cancel was called on the token.
func (t *ManualToken) Cancels() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancels
}
