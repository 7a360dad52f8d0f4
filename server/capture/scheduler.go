// Package capture samples frames from an acquired video source on a fixed
// interval and submits each one for analysis.
//
// Every tick starts its analysis call at once, so calls overlap freely. The displayed result is whichever call
// completed most recently, not whichever was issued last. Every call is
// tagged with the session token that issued it, and a completion whose
// token is no longer current is discarded, so nothing is applied once Stop
// has returned.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/san-kum/emergency-monitor/server/events"
	"github.com/san-kum/emergency-monitor/server/media"
	"github.com/san-kum/emergency-monitor/server/models"
	"github.com/san-kum/emergency-monitor/server/schedule"
	"go.uber.org/zap"
)

const DefaultInterval = 3 * time.Second

var (
	ErrRunning    = errors.New("capture: already running")
	ErrNoAnalyzer = errors.New("capture: no analyze function")
)

type AnalyzeFunc func(ctx context.Context, frame *media.Frame) (*models.AssessmentResponse, error)

// FaultFunc is told when the video source fails in a way that ends the
// session, such as a disconnected camera. It runs on its own goroutine.
type FaultFunc func(session string, err error)

type Config struct {
	CaptureTimeout time.Duration
	RequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		CaptureTimeout: 2 * time.Second,
		RequestTimeout: 3 * time.Minute,
	}
}

type Result struct {
	Session     string                     `json:"session"`
	Response    *models.AssessmentResponse `json:"response"`
	Color       string                     `json:"color"`
	CapturedAt  time.Time                  `json:"captured_at"`
	CompletedAt time.Time                  `json:"completed_at"`
	Latency     time.Duration              `json:"latency"`
}

type Stats struct {
	Ticks    uint64        `json:"ticks"`
	Skipped  uint64        `json:"skipped"`
	Issued   uint64        `json:"issued"`
	Applied  uint64        `json:"applied"`
	Stale    uint64        `json:"stale"`
	Failed   uint64        `json:"failed"`
	Dispatch DispatchStats `json:"dispatch"`
}

type Scheduler struct {
	clock      schedule.Scheduler
	publisher  events.Publisher
	logger     *zap.Logger
	config     Config
	dispatcher *Dispatcher

	mutex      sync.Mutex
	session    string
	sessionCtx context.Context
	endSession context.CancelFunc
	handle     *media.Handle
	analyze    AnalyzeFunc
	cancel     schedule.CancelToken
	onFault    FaultFunc
	latest     *Result
	stats      Stats
}

func NewScheduler(clock schedule.Scheduler, publisher events.Publisher, config Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if config.CaptureTimeout <= 0 {
		config.CaptureTimeout = defaults.CaptureTimeout
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}

	s := &Scheduler{
		clock:     clock,
		publisher: events.OrDiscard(publisher),
		logger:    logger,
		config:    config,
	}
	s.dispatcher = NewDispatcher(s.process, s.recovered)
	return s
}

func (s *Scheduler) OnFault(fn FaultFunc) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.onFault = fn
}

// Start begins sampling handle every interval and returns the session
// token tagging this run. A nil or released handle is allowed: its ticks
// are skipped.
func (s *Scheduler) Start(handle *media.Handle, interval time.Duration, analyze AnalyzeFunc) (string, error) {
	if analyze == nil {
		return "", ErrNoAnalyzer
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.session != "" {
		return "", ErrRunning
	}

	session := uuid.NewString()
	s.session = session
	s.sessionCtx, s.endSession = context.WithCancel(context.Background())
	s.handle = handle
	s.analyze = analyze
	s.latest = nil
	s.cancel = s.clock.Schedule(interval, func() { s.tick(session) })

	s.logger.Info("Capture scheduler started",
		zap.String("session", session),
		zap.String("handle_id", handle.ID()),
		zap.Duration("interval", interval))
	return session, nil
}

// Stop cancels the timer and aborts a capture in progress. Analysis calls
// already issued keep running but their results are discarded.
func (s *Scheduler) Stop() {
	s.mutex.Lock()
	if s.session == "" {
		s.mutex.Unlock()
		return
	}
	session := s.session
	cancel := s.cancel
	endSession := s.endSession
	s.session = ""
	s.sessionCtx = nil
	s.endSession = nil
	s.handle = nil
	s.analyze = nil
	s.cancel = nil
	s.mutex.Unlock()

	endSession()
	schedule.CancelAll(cancel)
	s.logger.Info("Capture scheduler stopped", zap.String("session", session))
}

// Shutdown stops the scheduler and waits up to timeout for analysis calls
// still running.
func (s *Scheduler) Shutdown(timeout time.Duration) error {
	s.Stop()
	return s.dispatcher.Shutdown(timeout)
}

func (s *Scheduler) Running() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.session != ""
}

func (s *Scheduler) Session() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.session
}

func (s *Scheduler) Latest() *Result {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.latest
}

func (s *Scheduler) Stats() Stats {
	s.mutex.Lock()
	stats := s.stats
	s.mutex.Unlock()
	stats.Dispatch = s.dispatcher.GetStats()
	return stats
}

func (s *Scheduler) tick(session string) {
	s.mutex.Lock()
	if s.session != session {
		s.mutex.Unlock()
		return
	}
	s.stats.Ticks++
	handle := s.handle
	analyze := s.analyze
	sessionCtx := s.sessionCtx
	if handle == nil || handle.Released() {
		s.stats.Skipped++
		s.mutex.Unlock()
		return
	}
	s.mutex.Unlock()

	ctx, cancel := context.WithTimeout(sessionCtx, s.config.CaptureTimeout)
	frame, err := handle.Capture(ctx)
	cancel()
	if err != nil {
		if sessionCtx.Err() != nil {
			return
		}
		s.captureFailed(session, err)
		return
	}

	job := &Job{Session: session, Frame: frame, Analyze: analyze, IssuedAt: time.Now()}
	if !s.dispatcher.Dispatch(job) {
		s.count(func(st *Stats) { st.Stale++ })
		return
	}
	s.count(func(st *Stats) { st.Issued++ })
}

func (s *Scheduler) captureFailed(session string, err error) {
	switch {
	case errors.Is(err, media.ErrReleased), errors.Is(err, media.ErrNoFrame):
		s.count(func(st *Stats) { st.Skipped++ })
		s.logger.Debug("No frame to capture", zap.String("session", session), zap.Error(err))
	case media.IsAcquisitionError(err):
		s.count(func(st *Stats) { st.Failed++ })
		s.logger.Error("Video source lost", zap.String("session", session), zap.Error(err))
		s.mutex.Lock()
		onFault := s.onFault
		s.mutex.Unlock()
		if onFault != nil {
			go onFault(session, err)
		}
	default:
		s.count(func(st *Stats) { st.Failed++ })
		s.logger.Warn("Frame capture failed", zap.String("session", session), zap.Error(err))
	}
}

func (s *Scheduler) process(job *Job) {
	if !s.current(job.Session) {
		s.count(func(st *Stats) { st.Stale++ })
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.RequestTimeout)
	defer cancel()

	capturedAt := job.Frame.CapturedAt
	response, err := job.Analyze(ctx, job.Frame)
	job.Frame = nil
	s.complete(job, capturedAt, response, err)
}

func (s *Scheduler) recovered(job *Job, r any) {
	s.logger.Error("Analysis panicked", zap.String("session", job.Session), zap.Any("panic", r))
	s.complete(job, time.Time{}, nil, fmt.Errorf("analysis panic: %v", r))
}

func (s *Scheduler) complete(job *Job, capturedAt time.Time, response *models.AssessmentResponse, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.session != job.Session {
		s.stats.Stale++
		s.logger.Debug("Discarding stale analysis", zap.String("session", job.Session))
		return
	}
	if err != nil {
		s.stats.Failed++
		s.logger.Warn("Frame analysis failed", zap.String("session", job.Session), zap.Error(err))
		return
	}
	if response == nil {
		s.stats.Failed++
		s.logger.Warn("Frame analysis returned no result", zap.String("session", job.Session))
		return
	}

	now := time.Now()
	result := &Result{
		Session:     job.Session,
		Response:    response,
		Color:       models.SeverityColor(string(response.Assessment.Severity.SeverityLevel)),
		CapturedAt:  capturedAt,
		CompletedAt: now,
		Latency:     now.Sub(job.IssuedAt),
	}
	s.latest = result
	s.stats.Applied++
	s.publisher.Publish(events.TypeAnalysis, result)
}

func (s *Scheduler) current(session string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.session == session
}

func (s *Scheduler) count(update func(*Stats)) {
	s.mutex.Lock()
	update(&s.stats)
	s.mutex.Unlock()
}
