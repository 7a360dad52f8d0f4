package schedule

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTickerSchedulerStopsAfterCancel(t *testing.T) {
	var fired atomic.Int64
	token := NewTickerScheduler().Schedule(5*time.Millisecond, func() {
		fired.Add(1)
	})

	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("ticker never fired")
		}
		time.Sleep(time.Millisecond)
	}

	token.Cancel()
	token.Cancel()
	afterCancel := fired.Load()

	time.Sleep(30 * time.Millisecond)
	if got := fired.Load(); got != afterCancel {
		t.Fatalf("action fired %d times after cancel", got-afterCancel)
	}
}

func TestManualAdvanceFiresInOrder(t *testing.T) {
	m := NewManual()
	var order []string
	m.Schedule(3*time.Second, func() { order = append(order, "slow") })
	m.Schedule(2*time.Second, func() { order = append(order, "fast") })

	m.Advance(6 * time.Second)

	// ties fire in scheduling order
	want := []string{"fast", "slow", "fast", "slow", "fast"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if m.Now() != 6*time.Second {
		t.Fatalf("now = %s", m.Now())
	}
}

func TestManualCancelIsIdempotent(t *testing.T) {
	m := NewManual()
	count := 0
	token := m.Schedule(time.Second, func() { count++ })

	m.Advance(time.Second)
	token.Cancel()
	token.Cancel()
	m.Advance(5 * time.Second)

	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	if m.Active() != 0 {
		t.Fatalf("active = %d, want 0", m.Active())
	}
	if got := token.(*ManualToken).Cancels(); got != 2 {
		t.Fatalf("cancels = %d, want 2", got)
	}
}

func TestCancelAllSkipsNil(t *testing.T) {
	m := NewManual()
	token := m.Schedule(time.Second, func() {})
	CancelAll(nil, token)
	if m.Active() != 0 {
		t.Fatalf("token not cancelled")
	}
}
