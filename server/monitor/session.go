// Package monitor ties a video acquisition to a capture scheduler.
//
// A Session is Idle or Active. While Active it owns exactly one media
// handle and one running capture loop. Every path out of Active (Stop,
// Close, a lost camera) releases the handle exactly once.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/san-kum/emergency-monitor/server/capture"
	"github.com/san-kum/emergency-monitor/server/events"
	"github.com/san-kum/emergency-monitor/server/media"
	"github.com/san-kum/emergency-monitor/server/models"
	"go.uber.org/zap"
)

var (
	ErrActive = errors.New("monitor: session already active")
	ErrClosed = errors.New("monitor: session closed")
)

type Status struct {
	State     models.MonitoringState `json:"state"`
	HandleID  string                 `json:"handle_id,omitempty"`
	Session   string                 `json:"session,omitempty"`
	StartedAt *time.Time             `json:"started_at,omitempty"`
	LastError string                 `json:"last_error,omitempty"`
}

type Session struct {
	provider  media.Provider
	capture   *capture.Scheduler
	analyze   capture.AnalyzeFunc
	interval  time.Duration
	publisher events.Publisher
	logger    *zap.Logger

	mutex     sync.Mutex
	state     models.MonitoringState
	starting  bool
	closed    bool
	handle    *media.Handle
	session   string
	startedAt time.Time
	lastError string
}

func NewSession(provider media.Provider, scheduler *capture.Scheduler, analyze capture.AnalyzeFunc, interval time.Duration, publisher events.Publisher, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		provider:  provider,
		capture:   scheduler,
		analyze:   analyze,
		interval:  interval,
		publisher: events.OrDiscard(publisher),
		logger:    logger,
		state:     models.MonitoringIdle,
	}
	scheduler.OnFault(s.fault)
	return s
}

// Start acquires the video source and begins capturing. If acquisition
// fails the session stays Idle, nothing is scheduled and the error is
// returned as is.
func (s *Session) Start(ctx context.Context, constraints media.Constraints) error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return ErrClosed
	}
	if s.state == models.MonitoringActive || s.starting {
		s.mutex.Unlock()
		return ErrActive
	}
	s.starting = true
	s.mutex.Unlock()

	handle, err := media.Acquire(ctx, s.provider, constraints, s.logger)

	s.mutex.Lock()
	s.starting = false
	if err != nil {
		s.lastError = err.Error()
		s.mutex.Unlock()
		s.logger.Warn("Failed to start monitoring", zap.Error(err))
		s.publisher.Publish(events.TypeCamera, s.Status())
		return err
	}
	if s.closed {
		s.mutex.Unlock()
		handle.Release()
		return ErrClosed
	}

	session, err := s.capture.Start(handle, s.interval, s.analyze)
	if err != nil {
		s.lastError = err.Error()
		s.mutex.Unlock()
		handle.Release()
		return fmt.Errorf("failed to start capture: %w", err)
	}

	s.state = models.MonitoringActive
	s.handle = handle
	s.session = session
	s.startedAt = time.Now()
	s.lastError = ""
	status := s.statusLocked()
	s.mutex.Unlock()

	s.logger.Info("Monitoring started", zap.String("session", session), zap.String("handle_id", handle.ID()))
	s.publisher.Publish(events.TypeMonitoringState, status)
	return nil
}

// Stop is a no-op when the session is not Active.
func (s *Session) Stop() {
	s.end("", nil)
}

// Close stops the session for good.
func (s *Session) Close() {
	s.mutex.Lock()
	s.closed = true
	s.mutex.Unlock()
	s.end("", nil)
}

func (s *Session) fault(session string, err error) {
	s.end(session, err)
}

// end leaves Active. A non-empty session only ends that particular run, so
// a late fault from an earlier run cannot stop a newer one.
func (s *Session) end(session string, cause error) {
	s.mutex.Lock()
	if s.state != models.MonitoringActive || (session != "" && session != s.session) {
		s.mutex.Unlock()
		return
	}
	handle := s.handle
	ended := s.session
	s.state = models.MonitoringIdle
	s.handle = nil
	s.session = ""
	s.startedAt = time.Time{}
	if cause != nil {
		s.lastError = cause.Error()
	}
	status := s.statusLocked()
	s.mutex.Unlock()

	s.capture.Stop()
	handle.Release()

	if cause != nil {
		s.logger.Error("Monitoring ended by error", zap.String("session", ended), zap.Error(cause))
		s.publisher.Publish(events.TypeError, map[string]string{"source": "camera", "message": cause.Error()})
	} else {
		s.logger.Info("Monitoring stopped", zap.String("session", ended))
	}
	s.publisher.Publish(events.TypeMonitoringState, status)
}

func (s *Session) State() models.MonitoringState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

func (s *Session) Status() Status {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	status := Status{
		State:     s.state,
		HandleID:  s.handle.ID(),
		Session:   s.session,
		LastError: s.lastError,
	}
	if !s.startedAt.IsZero() {
		startedAt := s.startedAt
		status.StartedAt = &startedAt
	}
	return status
}
