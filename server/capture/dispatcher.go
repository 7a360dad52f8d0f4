package capture

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/san-kum/emergency-monitor/server/media"
)

// Job is one sampled frame on its way to analysis. Session is the token of
// the monitoring session that issued it.
type Job struct {
	Session  string
	Frame    *media.Frame
	Analyze  AnalyzeFunc
	IssuedAt time.Time
}

// Dispatcher runs every job on its own goroutine as soon as it is handed
// over. Nothing waits behind a slow analysis.
type Dispatcher struct {
	workerFunc func(*Job)
	panicFunc  func(*Job, any)
	wg         sync.WaitGroup
	isRunning  bool
	mutex      sync.RWMutex

	inFlight   atomic.Int64
	started    atomic.Uint64
	peak       atomic.Int64
	panicCount atomic.Uint64
}

type DispatchStats struct {
	InFlight  int64  `json:"in_flight"`
	Peak      int64  `json:"peak"`
	Started   uint64 `json:"started"`
	Panics    uint64 `json:"panics"`
	IsRunning bool   `json:"is_running"`
}

func NewDispatcher(workerFunc func(*Job), panicFunc func(*Job, any)) *Dispatcher {
	return &Dispatcher{
		workerFunc: workerFunc,
		panicFunc:  panicFunc,
		isRunning:  true,
	}
}

// Dispatch starts job immediately. It reports false only after Shutdown.
func (d *Dispatcher) Dispatch(job *Job) bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if !d.isRunning {
		return false
	}

	d.wg.Add(1)
	d.started.Add(1)
	current := d.inFlight.Add(1)
	for {
		peak := d.peak.Load()
		if current <= peak || d.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	go d.run(job)
	return true
}

func (d *Dispatcher) run(job *Job) {
	defer func() {
		d.inFlight.Add(-1)
		d.wg.Done()
	}()
	defer func() {
		if r := recover(); r != nil {
			d.panicCount.Add(1)
			if d.panicFunc != nil {
				d.panicFunc(job, r)
			}
		}
	}()

	d.workerFunc(job)
}

func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

func (d *Dispatcher) IsRunning() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.isRunning
}

// Shutdown refuses new jobs and waits up to timeout for running ones.
func (d *Dispatcher) Shutdown(timeout time.Duration) error {
	d.mutex.Lock()
	if !d.isRunning {
		d.mutex.Unlock()
		return nil
	}
	d.isRunning = false
	d.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded with %d analyses running", d.InFlight())
	}
}

func (d *Dispatcher) GetStats() DispatchStats {
	return DispatchStats{
		InFlight:  d.inFlight.Load(),
		Peak:      d.peak.Load(),
		Started:   d.started.Load(),
		Panics:    d.panicCount.Load(),
		IsRunning: d.IsRunning(),
	}
}
