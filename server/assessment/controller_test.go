package assessment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/san-kum/emergency-monitor/server/backend"
	"github.com/san-kum/emergency-monitor/server/models"
	"github.com/san-kum/emergency-monitor/server/schedule"
)

type outcome struct {
	response *models.AssessmentResponse
	err      error
}

type gatedSubmit struct {
	started chan Payload
	release chan outcome
}

func newGatedSubmit() *gatedSubmit {
	return &gatedSubmit{started: make(chan Payload, 1), release: make(chan outcome, 1)}
}

func (g *gatedSubmit) submit(ctx context.Context, payload Payload) (*models.AssessmentResponse, error) {
	g.started <- payload
	o := <-g.release
	return o.response, o.err
}

func completed() *models.AssessmentResponse {
	return &models.AssessmentResponse{
		Assessment:  models.AnalysisResult{Severity: models.Severity{SeverityLevel: models.SeverityModerate, TotalScore: 5}},
		TextSummary: "moderate",
	}
}

func submitAsync(c *Controller, payload Payload) chan outcome {
	done := make(chan outcome, 1)
	go func() {
		response, err := c.Submit(context.Background(), payload)
		done <- outcome{response, err}
	}()
	return done
}

func onlyToken(t *testing.T, clock *schedule.Manual) *schedule.ManualToken {
	t.Helper()
	tokens := clock.Tokens()
	if len(tokens) != 1 {
		t.Fatalf("scheduled %d tickers, want 1", len(tokens))
	}
	return tokens[0]
}

func TestSevenSecondRequestReachesThirdStage(t *testing.T) {
	clock := schedule.NewManual()
	gate := newGatedSubmit()
	c := NewController(clock, gate.submit, nil, nil, Config{StageInterval: 3 * time.Second}, nil)

	done := submitAsync(c, Payload{Image: make([]byte, 2<<20), PatientConscious: true})
	<-gate.started

	snapshot := c.Snapshot()
	if snapshot.State != models.AssessmentInProgress || !snapshot.Loading || snapshot.ProgressLabel != Stages[0] {
		t.Fatalf("snapshot while running = %+v", snapshot)
	}

	clock.Advance(7 * time.Second)
	gate.release <- outcome{response: completed()}
	result := <-done
	if result.err != nil {
		t.Fatalf("submit: %v", result.err)
	}

	snapshot = c.Snapshot()
	if snapshot.ProgressIndex != 2 {
		t.Fatalf("progress index = %d, want 2", snapshot.ProgressIndex)
	}
	if snapshot.State != models.AssessmentCompleted || snapshot.Loading || snapshot.Result == nil {
		t.Fatalf("snapshot = %+v", snapshot)
	}
	if snapshot.ProgressLabel != IdleLabel {
		t.Fatalf("label after completion = %q", snapshot.ProgressLabel)
	}

	clock.Advance(30 * time.Second)
	if c.Snapshot().ProgressIndex != 2 {
		t.Fatalf("progress advanced after settle")
	}
	if cancels := onlyToken(t, clock).Cancels(); cancels != 1 {
		t.Fatalf("ticker cancelled %d times, want 1", cancels)
	}
}

func TestProgressStopsAtLastStage(t *testing.T) {
	clock := schedule.NewManual()
	gate := newGatedSubmit()
	c := NewController(clock, gate.submit, nil, nil, Config{StageInterval: time.Second}, nil)

	done := submitAsync(c, Payload{})
	<-gate.started
	clock.Advance(time.Minute)
	if got := c.Snapshot().ProgressIndex; got != len(Stages)-1 {
		t.Fatalf("progress index = %d", got)
	}
	gate.release <- outcome{response: completed()}
	<-done
}

func TestFastRequestStaysAtFirstStage(t *testing.T) {
	clock := schedule.NewManual()
	c := NewController(clock, func(context.Context, Payload) (*models.AssessmentResponse, error) {
		return completed(), nil
	}, nil, nil, Config{}, nil)

	if _, err := c.Submit(context.Background(), Payload{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := c.Snapshot().ProgressIndex; got != 0 {
		t.Fatalf("progress index = %d", got)
	}
	if cancels := onlyToken(t, clock).Cancels(); cancels != 1 {
		t.Fatalf("ticker cancelled %d times", cancels)
	}
	if clock.Active() != 0 {
		t.Fatalf("ticker still active")
	}
}

func TestSecondSubmitRejectedWhileInProgress(t *testing.T) {
	clock := schedule.NewManual()
	gate := newGatedSubmit()
	c := NewController(clock, gate.submit, nil, nil, Config{}, nil)

	done := submitAsync(c, Payload{})
	<-gate.started

	if _, err := c.Submit(context.Background(), Payload{}); !errors.Is(err, ErrInProgress) {
		t.Fatalf("second submit: %v", err)
	}
	if err := c.Reset(); !errors.Is(err, ErrInProgress) {
		t.Fatalf("reset while running: %v", err)
	}
	if c.Snapshot().State != models.AssessmentInProgress {
		t.Fatalf("rejected submit disturbed the running request")
	}

	gate.release <- outcome{response: completed()}
	if result := <-done; result.err != nil {
		t.Fatalf("first submit: %v", result.err)
	}
	if len(clock.Tokens()) != 1 {
		t.Fatalf("rejected submit scheduled a ticker")
	}
}

func TestFailureThenResubmit(t *testing.T) {
	clock := schedule.NewManual()
	gate := newGatedSubmit()
	c := NewController(clock, gate.submit, nil, nil, Config{}, nil)

	done := submitAsync(c, Payload{})
	<-gate.started
	clock.Advance(4 * time.Second)
	gate.release <- outcome{err: &backend.APIError{StatusCode: 500, Detail: "Sensor manager not initialized"}}
	if result := <-done; result.err == nil {
		t.Fatalf("expected failure")
	}

	snapshot := c.Snapshot()
	if snapshot.State != models.AssessmentFailed || snapshot.Error != "Sensor manager not initialized" || snapshot.Loading {
		t.Fatalf("snapshot = %+v", snapshot)
	}
	if snapshot.ProgressIndex != 1 {
		t.Fatalf("progress index = %d", snapshot.ProgressIndex)
	}

	done = submitAsync(c, Payload{})
	<-gate.started
	snapshot = c.Snapshot()
	if snapshot.State != models.AssessmentInProgress || snapshot.Error != "" || snapshot.ProgressIndex != 0 {
		t.Fatalf("resubmit did not reset: %+v", snapshot)
	}
	gate.release <- outcome{response: completed()}
	<-done

	if c.Snapshot().State != models.AssessmentCompleted {
		t.Fatalf("state = %s", c.Snapshot().State)
	}
	for i, token := range clock.Tokens() {
		if token.Cancels() != 1 {
			t.Fatalf("ticker %d cancelled %d times", i, token.Cancels())
		}
	}
}

type blankError struct{}

func (blankError) Error() string { return "" }

func TestNormalizeError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrapped: %w", &backend.APIError{StatusCode: 422, Detail: "Image required"}), "Image required"},
		{errors.New("dial tcp: connection refused"), "dial tcp: connection refused"},
		{fmt.Errorf("post: %w", context.DeadlineExceeded), "The assessment timed out. Please try again."},
		{blankError{}, GenericFailure},
		{nil, GenericFailure},
	}
	for _, tc := range cases {
		if got := NormalizeError(tc.err); got != tc.want {
			t.Errorf("NormalizeError(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestDownloadReportNeedsCompletedAssessment(t *testing.T) {
	clock := schedule.NewManual()
	var reported *models.AssessmentResponse
	c := NewController(clock,
		func(context.Context, Payload) (*models.AssessmentResponse, error) { return completed(), nil },
		func(ctx context.Context, a *models.AssessmentResponse, dir string) (string, error) {
			reported = a
			return dir + "/medical_report_1.pdf", nil
		},
		nil, Config{}, nil)

	if _, err := c.DownloadReport(context.Background(), "/tmp"); !errors.Is(err, ErrNoResult) {
		t.Fatalf("download before submit: %v", err)
	}
	c.Submit(context.Background(), Payload{})
	path, err := c.DownloadReport(context.Background(), "/tmp")
	if err != nil || path != "/tmp/medical_report_1.pdf" {
		t.Fatalf("download = %q, %v", path, err)
	}
	if reported == nil || reported.TextSummary != "moderate" {
		t.Fatalf("reported %+v", reported)
	}

	if _, err := NewController(clock, nil, nil, nil, Config{}, nil).DownloadReport(context.Background(), "/tmp"); !errors.Is(err, ErrNoReporter) {
		t.Fatalf("download without reporter: %v", err)
	}
}

func TestSubmitAsyncClaimsBeforeReturning(t *testing.T) {
	clock := schedule.NewManual()
	gate := newGatedSubmit()
	c := NewController(clock, gate.submit, nil, nil, Config{}, nil)

	if err := c.SubmitAsync(context.Background(), Payload{ImageName: "a.jpg"}); err != nil {
		t.Fatalf("SubmitAsync: %v", err)
	}
	if c.Snapshot().State != models.AssessmentInProgress {
		t.Fatalf("state after SubmitAsync = %s", c.Snapshot().State)
	}
	if err := c.SubmitAsync(context.Background(), Payload{}); !errors.Is(err, ErrInProgress) {
		t.Fatalf("second SubmitAsync: %v", err)
	}

	if got := <-gate.started; got.ImageName != "a.jpg" {
		t.Fatalf("submitted payload = %+v", got)
	}
	gate.release <- outcome{response: completed()}

	token := onlyToken(t, clock)
	deadline := time.Now().Add(2 * time.Second)
	for c.Snapshot().State != models.AssessmentCompleted || token.Cancels() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("async request never settled: %+v", c.Snapshot())
		}
		time.Sleep(time.Millisecond)
	}
	if token.Cancels() != 1 {
		t.Fatalf("progress ticker cancelled %d times", token.Cancels())
	}
}
