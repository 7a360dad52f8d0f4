// Package assessment drives a single long-running emergency assessment
// request at a time and reports simulated progress while it runs.
//
// Progress advances through a fixed list of stages on its own timer. The
// timer knows nothing about the request: it is cancelled the moment the
// request settles, wherever it happens to be.
package assessment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/san-kum/emergency-monitor/server/backend"
	"github.com/san-kum/emergency-monitor/server/events"
	"github.com/san-kum/emergency-monitor/server/models"
	"github.com/san-kum/emergency-monitor/server/schedule"
	"go.uber.org/zap"
)

const (
	DefaultStageInterval = 3 * time.Second
	IdleLabel            = "Assessing..."
	GenericFailure       = "Assessment failed. Please try again."
)

var Stages = []string{
	"Uploading image...",
	"Analyzing image with AI...",
	"Collecting vital signs...",
	"Computing severity level...",
	"Generating report...",
}

var (
	ErrInProgress = errors.New("assessment: request already in progress")
	ErrNoResult   = errors.New("assessment: no completed assessment")
	ErrNoReporter = errors.New("assessment: report download not configured")
)

type Payload struct {
	Image            []byte `json:"-"`
	ImageName        string `json:"image_name,omitempty"`
	MimeType         string `json:"mime_type,omitempty"`
	PatientConscious bool   `json:"patient_conscious"`
}

type SubmitFunc func(ctx context.Context, payload Payload) (*models.AssessmentResponse, error)

type ReportFunc func(ctx context.Context, assessment *models.AssessmentResponse, dir string) (string, error)

type Config struct {
	StageInterval time.Duration
	Timeout       time.Duration
}

type Controller struct {
	clock     schedule.Scheduler
	submit    SubmitFunc
	report    ReportFunc
	publisher events.Publisher
	logger    *zap.Logger
	config    Config

	mutex         sync.Mutex
	state         models.AssessmentState
	request       string
	progressIndex int
	ticker        schedule.CancelToken
	result        *models.AssessmentResponse
	errMessage    string
}

func NewController(clock schedule.Scheduler, submit SubmitFunc, report ReportFunc, publisher events.Publisher, config Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.StageInterval <= 0 {
		config.StageInterval = DefaultStageInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Minute
	}
	return &Controller{
		clock:     clock,
		submit:    submit,
		report:    report,
		publisher: events.OrDiscard(publisher),
		logger:    logger,
		config:    config,
		state:     models.AssessmentIdle,
	}
}

// Submit runs one assessment and blocks until it settles. It fails with
// ErrInProgress, without touching the running request, if one is already in
// flight.
func (c *Controller) Submit(ctx context.Context, payload Payload) (*models.AssessmentResponse, error) {
	request, err := c.begin(payload)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, request, payload)
}

// SubmitAsync claims the controller like Submit but returns as soon as the
// request is in flight. The outcome is only observable through Snapshot
// and the published events.
func (c *Controller) SubmitAsync(ctx context.Context, payload Payload) error {
	request, err := c.begin(payload)
	if err != nil {
		return err
	}
	go c.run(ctx, request, payload)
	return nil
}

func (c *Controller) begin(payload Payload) (string, error) {
	c.mutex.Lock()
	if c.state == models.AssessmentInProgress {
		c.mutex.Unlock()
		return "", ErrInProgress
	}
	c.resetLocked()

	request := uuid.NewString()
	c.request = request
	c.state = models.AssessmentInProgress
	c.ticker = c.clock.Schedule(c.config.StageInterval, func() { c.advance(request) })
	c.publisher.Publish(events.TypeProgress, c.snapshotLocked())
	c.mutex.Unlock()

	c.logger.Info("Assessment submitted",
		zap.String("request", request),
		zap.Int("image_bytes", len(payload.Image)),
		zap.Bool("patient_conscious", payload.PatientConscious))
	return request, nil
}

func (c *Controller) run(ctx context.Context, request string, payload Payload) (*models.AssessmentResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	started := time.Now()
	response, err := c.submit(callCtx, payload)
	cancel()
	if err == nil && response == nil {
		err = errors.New("empty assessment response")
	}

	c.settle(request, response, err, time.Since(started))
	if err != nil {
		return nil, err
	}
	return response, nil
}

func (c *Controller) settle(request string, response *models.AssessmentResponse, err error, elapsed time.Duration) {
	c.mutex.Lock()
	ticker := c.ticker
	c.ticker = nil

	if err != nil {
		c.state = models.AssessmentFailed
		c.errMessage = NormalizeError(err)
		c.logger.Error("Assessment failed",
			zap.String("request", request),
			zap.Duration("elapsed", elapsed),
			zap.Int("stage", c.progressIndex),
			zap.Error(err))
	} else {
		c.state = models.AssessmentCompleted
		c.result = response
		c.logger.Info("Assessment completed",
			zap.String("request", request),
			zap.Duration("elapsed", elapsed),
			zap.Int("stage", c.progressIndex),
			zap.String("severity", string(response.Assessment.Severity.SeverityLevel)))
	}
	c.publisher.Publish(events.TypeAssessment, c.snapshotLocked())
	c.mutex.Unlock()

	schedule.CancelAll(ticker)
}

func (c *Controller) advance(request string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.request != request || c.state != models.AssessmentInProgress {
		return
	}
	if c.progressIndex < len(Stages)-1 {
		c.progressIndex++
		c.publisher.Publish(events.TypeProgress, c.snapshotLocked())
	}
}

// Reset returns a settled controller to Idle.
func (c *Controller) Reset() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.state == models.AssessmentInProgress {
		return ErrInProgress
	}
	c.resetLocked()
	return nil
}

func (c *Controller) resetLocked() {
	c.state = models.AssessmentIdle
	c.request = ""
	c.progressIndex = 0
	c.result = nil
	c.errMessage = ""
}

func (c *Controller) Snapshot() models.AssessmentSnapshot {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() models.AssessmentSnapshot {
	snapshot := models.AssessmentSnapshot{
		State:         c.state,
		ProgressIndex: c.progressIndex,
		ProgressLabel: IdleLabel,
		Loading:       c.state == models.AssessmentInProgress,
		Result:        c.result,
		Error:         c.errMessage,
	}
	if snapshot.Loading && c.progressIndex < len(Stages) {
		snapshot.ProgressLabel = Stages[c.progressIndex]
	}
	return snapshot
}

// DownloadReport saves the PDF report of the last completed assessment
// into dir and returns its path.
func (c *Controller) DownloadReport(ctx context.Context, dir string) (string, error) {
	if c.report == nil {
		return "", ErrNoReporter
	}

	c.mutex.Lock()
	result := c.result
	completed := c.state == models.AssessmentCompleted
	c.mutex.Unlock()

	if !completed || result == nil {
		return "", ErrNoResult
	}
	return c.report(ctx, result, dir)
}

// NormalizeError turns a request failure into the message shown to the
// user: the service's own detail when it sent one, otherwise the transport
// error, otherwise a generic message.
func NormalizeError(err error) string {
	if err == nil {
		return GenericFailure
	}
	if detail := backend.Detail(err); detail != "" {
		return detail
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "The assessment timed out. Please try again."
	}
	if message := err.Error(); message != "" {
		return message
	}
	return GenericFailure
}
