package livefeed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/san-kum/emergency-monitor/server/alerts"
	"github.com/san-kum/emergency-monitor/server/models"
	"github.com/san-kum/emergency-monitor/server/schedule"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]models.Alert
	err     error
}

func (s *recordingSink) Publish(ctx context.Context, batch []models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return s.err
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hrHigh() *models.Telemetry {
	return &models.Telemetry{
		Timestamp: "2024-01-01T00:00:00",
		Severity:  models.Severity{SeverityLevel: models.SeveritySevere},
		InstantAlerts: []models.AlertPayload{
			{Type: models.AlertCritical, Message: "HR high", Value: 180.0},
		},
	}
}

func TestPollsImmediatelyThenEveryInterval(t *testing.T) {
	clock := schedule.NewManual()
	p := NewPoller(clock, nil, nil, nil, time.Second, nil)
	var calls atomic.Int32
	if err := p.Start(2*time.Second, func(context.Context) (*models.Telemetry, error) {
		calls.Add(1)
		return &models.Telemetry{}, nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	waitFor(t, "immediate poll", func() bool { return p.Stats().Succeeded == 1 })
	clock.Advance(4 * time.Second)
	waitFor(t, "two more polls", func() bool { return p.Stats().Succeeded == 3 })
	if calls.Load() != 3 {
		t.Fatalf("calls = %d", calls.Load())
	}
	if err := p.Start(time.Second, func(context.Context) (*models.Telemetry, error) { return nil, nil }); !errors.Is(err, ErrRunning) {
		t.Fatalf("second start: %v", err)
	}
}

func TestIdenticalAlertsFromTwoPollsAreBothKept(t *testing.T) {
	clock := schedule.NewManual()
	sink := &recordingSink{}
	history := alerts.NewHistory(alerts.DefaultCapacity)
	p := NewPoller(clock, history, sink, nil, time.Second, nil)

	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return stamp }

	p.Start(2*time.Second, func(context.Context) (*models.Telemetry, error) { return hrHigh(), nil })
	defer p.Stop()

	waitFor(t, "first poll", func() bool { return p.Stats().Succeeded == 1 })
	clock.Advance(2 * time.Second)
	waitFor(t, "second poll", func() bool { return p.Stats().Succeeded == 2 })

	list := history.List()
	if len(list) != 2 {
		t.Fatalf("history len = %d, want 2", len(list))
	}
	for _, a := range list {
		if a.Message != "HR high" || a.Type != models.AlertCritical || !a.CapturedAt.Equal(stamp) {
			t.Fatalf("unexpected alert %+v", a)
		}
	}
	waitFor(t, "sink batches", func() bool { return sink.count() == 2 })

	latest := p.Latest()
	if latest == nil || latest.Color != models.SeverityColor("severe") {
		t.Fatalf("latest = %+v", latest)
	}
}

func TestBurstNeverOverflowsHistory(t *testing.T) {
	clock := schedule.NewManual()
	p := NewPoller(clock, nil, nil, nil, time.Second, nil)

	burst := &models.Telemetry{}
	for i := 0; i < 25; i++ {
		burst.InstantAlerts = append(burst.InstantAlerts, models.AlertPayload{Type: models.AlertWarning, Message: "Temp", Value: 39.0})
	}
	p.Start(time.Second, func(context.Context) (*models.Telemetry, error) { return burst, nil })
	defer p.Stop()

	waitFor(t, "poll", func() bool { return p.Stats().Succeeded == 1 })
	if n := p.History().Len(); n != alerts.DefaultCapacity {
		t.Fatalf("history len = %d", n)
	}
	if p.Stats().Alerts != 25 {
		t.Fatalf("alerts counted = %d", p.Stats().Alerts)
	}
}

func TestFailuresDoNotStopLoop(t *testing.T) {
	clock := schedule.NewManual()
	sink := &recordingSink{err: errors.New("broker down")}
	p := NewPoller(clock, nil, sink, nil, time.Second, nil)

	var calls atomic.Int32
	p.Start(time.Second, func(context.Context) (*models.Telemetry, error) {
		if calls.Add(1)%2 == 1 {
			return nil, errors.New("connection refused")
		}
		return hrHigh(), nil
	})
	defer p.Stop()

	waitFor(t, "first failure", func() bool { return p.Stats().Failed == 1 })
	clock.Advance(time.Second)
	waitFor(t, "recovery", func() bool { return p.Stats().Succeeded == 1 })
	clock.Advance(time.Second)
	waitFor(t, "second failure", func() bool { return p.Stats().Failed == 2 })

	if !p.Running() {
		t.Fatalf("poller stopped after failures")
	}
	if p.History().Len() != 1 {
		t.Fatalf("history len = %d", p.History().Len())
	}
}

func TestNothingAppliedAfterStop(t *testing.T) {
	clock := schedule.NewManual()
	p := NewPoller(clock, nil, nil, nil, time.Second, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	p.Start(time.Second, func(context.Context) (*models.Telemetry, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return hrHigh(), nil
	})

	<-started
	p.Stop()
	close(release)

	waitFor(t, "stale poll", func() bool { return p.Stats().Stale == 1 })
	clock.Advance(10 * time.Second)
	time.Sleep(10 * time.Millisecond)

	if calls.Load() != 1 {
		t.Fatalf("fetch called %d times after stop", calls.Load())
	}
	if p.History().Len() != 0 || p.Latest() != nil {
		t.Fatalf("state mutated after stop")
	}
	if clock.Active() != 0 {
		t.Fatalf("timer still active")
	}
}

func TestStopCancelsPollThatPassedSessionCheck(t *testing.T) {
	clock := schedule.NewManual()
	p := NewPoller(clock, nil, nil, nil, time.Minute, nil)

	fetched := make(chan context.Context, 1)
	var calls atomic.Int32
	p.Start(time.Hour, func(ctx context.Context) (*models.Telemetry, error) {
		calls.Add(1)
		fetched <- ctx
		<-ctx.Done()
		return nil, ctx.Err()
	})
	inFlight := <-fetched

	p.mutex.Lock()
	session := p.session
	p.mutex.Unlock()

	// A tick that has claimed its poll but not yet called fetch.
	ctx, cancel, _, ok := p.begin(session)
	if !ok {
		t.Fatalf("poll not claimed for the live session")
	}
	defer cancel()

	p.Stop()
	if ctx.Err() == nil {
		t.Fatalf("claimed poll can still fetch after stop")
	}
	select {
	case <-inFlight.Done():
	case <-time.After(time.Second):
		t.Fatalf("in-flight fetch not cancelled by stop")
	}

	waitFor(t, "stale poll", func() bool { return p.Stats().Stale == 1 })
	if calls.Load() != 1 || p.Stats().Failed != 0 {
		t.Fatalf("calls = %d stats = %+v", calls.Load(), p.Stats())
	}
}
