// Package schedule provides cancellable repeating tasks.
//
// A Scheduler runs an action every interval until the returned token is
// cancelled. Cancel is idempotent and, once it has returned, no further
// invocation of the action begins. Cancel waits for an invocation that is
// already running, so an action must never cancel its own token.
package schedule

import (
	"sync"
	"time"
)

type Action func()

type CancelToken interface {
	Cancel()
}

type Scheduler interface {
	Schedule(interval time.Duration, action Action) CancelToken
}

type TickerScheduler struct{}

func NewTickerScheduler() TickerScheduler {
	return TickerScheduler{}
}

type tickerTask struct {
	mu        sync.Mutex
	cancelled bool
	stopCh    chan struct{}
	once      sync.Once
}

func (TickerScheduler) Schedule(interval time.Duration, action Action) CancelToken {
	task := &tickerTask{stopCh: make(chan struct{})}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !task.run(action) {
					return
				}
			case <-task.stopCh:
				return
			}
		}
	}()

	return task
}

func (t *tickerTask) run(action Action) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	action()
	return true
}

func (t *tickerTask) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()

	t.once.Do(func() {
		close(t.stopCh)
	})
}

// CancelAll cancels every non-nil token.
func CancelAll(tokens ...CancelToken) {
	for _, token := range tokens {
		if token != nil {
			token.Cancel()
		}
	}
}
