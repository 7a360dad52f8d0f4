package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/san-kum/emergency-monitor/server/capture"
	"github.com/san-kum/emergency-monitor/server/media"
	"github.com/san-kum/emergency-monitor/server/models"
	"github.com/san-kum/emergency-monitor/server/schedule"
)

type camera struct {
	mu      sync.Mutex
	err     error
	lost    bool
	active  map[*cameraResource]bool
	acquire int
	release int
	double  int
}

type cameraResource struct {
	cam *camera
}

func newCamera() *camera {
	return &camera{active: map[*cameraResource]bool{}}
}

func (c *camera) Acquire(ctx context.Context, constraints media.Constraints) (media.Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	r := &cameraResource{cam: c}
	c.active[r] = true
	c.acquire++
	return r, nil
}

func (c *camera) Release(resource media.Resource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := resource.(*cameraResource)
	if !c.active[r] {
		c.double++
		return fmt.Errorf("already released")
	}
	delete(c.active, r)
	c.release++
	return nil
}

func (c *camera) counts() (int, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquire, c.release, c.double
}

func (r *cameraResource) Capture(ctx context.Context) (*media.Frame, error) {
	r.cam.mu.Lock()
	defer r.cam.mu.Unlock()
	if r.cam.lost {
		return nil, fmt.Errorf("track ended: %w", media.ErrDeviceUnavailable)
	}
	return &media.Frame{Data: []byte{1}, MimeType: "image/jpeg", CapturedAt: time.Now()}, nil
}

func analyze(context.Context, *media.Frame) (*models.AssessmentResponse, error) {
	return &models.AssessmentResponse{}, nil
}

func newSession(t *testing.T, cam *camera) (*Session, *schedule.Manual) {
	t.Helper()
	clock := schedule.NewManual()
	scheduler := capture.NewScheduler(clock, nil, capture.DefaultConfig(), nil)
	t.Cleanup(func() { scheduler.Shutdown(time.Second) })
	return NewSession(cam, scheduler, analyze, 3*time.Second, nil, nil), clock
}

func TestStartStopSequencesBalanceAcquisitions(t *testing.T) {
	cam := newCamera()
	s, clock := newSession(t, cam)
	ctx := context.Background()

	ops := []string{"start", "stop", "stop", "start", "start", "stop", "start", "close", "stop", "start"}
	for _, op := range ops {
		switch op {
		case "start":
			s.Start(ctx, media.DefaultConstraints())
		case "stop":
			s.Stop()
		case "close":
			s.Close()
		}
		clock.Advance(3 * time.Second)

		st := s.Status()
		if st.State == models.MonitoringActive && (st.HandleID == "" || st.Session == "" || clock.Active() != 1) {
			t.Fatalf("after %s: active without handle or timer: %+v", op, st)
		}
		if st.State == models.MonitoringIdle && clock.Active() != 0 {
			t.Fatalf("after %s: idle with %d timers", op, clock.Active())
		}
	}

	acquired, released, double := cam.counts()
	if acquired != 3 || released != 3 || double != 0 {
		t.Fatalf("acquired=%d released=%d double=%d", acquired, released, double)
	}
	if err := s.Start(ctx, media.DefaultConstraints()); !errors.Is(err, ErrClosed) {
		t.Fatalf("start after close: %v", err)
	}
}

func TestPermissionDeniedLeavesSessionIdle(t *testing.T) {
	cam := newCamera()
	cam.err = fmt.Errorf("NotAllowedError: %w", media.ErrPermissionDenied)
	s, clock := newSession(t, cam)

	err := s.Start(context.Background(), media.DefaultConstraints())
	if !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("start: %v", err)
	}
	if s.State() != models.MonitoringIdle {
		t.Fatalf("state = %s", s.State())
	}
	if len(clock.Tokens()) != 0 {
		t.Fatalf("timer created on failed start")
	}
	if s.Status().LastError == "" {
		t.Fatalf("last error not recorded")
	}

	cam.mu.Lock()
	cam.err = nil
	cam.mu.Unlock()
	if err := s.Start(context.Background(), media.DefaultConstraints()); err != nil {
		t.Fatalf("retry after grant: %v", err)
	}
	if s.Status().LastError != "" {
		t.Fatalf("last error kept after successful start")
	}
	s.Stop()
}

func TestDoubleStartAndDoubleStop(t *testing.T) {
	cam := newCamera()
	s, _ := newSession(t, cam)

	if err := s.Start(context.Background(), media.DefaultConstraints()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background(), media.DefaultConstraints()); !errors.Is(err, ErrActive) {
		t.Fatalf("second start: %v", err)
	}
	s.Stop()
	s.Stop()

	acquired, released, double := cam.counts()
	if acquired != 1 || released != 1 || double != 0 {
		t.Fatalf("acquired=%d released=%d double=%d", acquired, released, double)
	}
}

func TestLostCameraEndsSession(t *testing.T) {
	cam := newCamera()
	s, clock := newSession(t, cam)

	if err := s.Start(context.Background(), media.DefaultConstraints()); err != nil {
		t.Fatalf("start: %v", err)
	}
	cam.mu.Lock()
	cam.lost = true
	cam.mu.Unlock()
	clock.Advance(3 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != models.MonitoringIdle && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.State() != models.MonitoringIdle {
		t.Fatalf("session still active after camera loss")
	}
	if s.Status().LastError == "" {
		t.Fatalf("camera loss not recorded")
	}

	s.Stop()
	s.Close()
	acquired, released, double := cam.counts()
	if acquired != 1 || released != 1 || double != 0 {
		t.Fatalf("acquired=%d released=%d double=%d", acquired, released, double)
	}
}
