// Package livefeed polls the assessment service's live telemetry stream
// and feeds its instant alerts into the alert history.
package livefeed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/san-kum/emergency-monitor/server/alerts"
	"github.com/san-kum/emergency-monitor/server/events"
	"github.com/san-kum/emergency-monitor/server/models"
	"github.com/san-kum/emergency-monitor/server/schedule"
	"go.uber.org/zap"
)

const DefaultInterval = 2 * time.Second

var (
	ErrRunning   = errors.New("livefeed: already polling")
	ErrNoFetcher = errors.New("livefeed: no fetch function")
)

type FetchFunc func(ctx context.Context) (*models.Telemetry, error)

// Snapshot is the latest applied telemetry together with the colors the
// dashboard renders it with.
type Snapshot struct {
	Telemetry  *models.Telemetry `json:"telemetry"`
	Color      string            `json:"color"`
	ReceivedAt time.Time         `json:"received_at"`
}

type Stats struct {
	Polls     uint64 `json:"polls"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Stale     uint64 `json:"stale"`
	Alerts    uint64 `json:"alerts"`
}

type Poller struct {
	clock     schedule.Scheduler
	history   *alerts.History
	sink      alerts.Sink
	publisher events.Publisher
	logger    *zap.Logger
	timeout   time.Duration
	now       func() time.Time

	mutex      sync.Mutex
	session    string
	sessionCtx context.Context
	endSession context.CancelFunc
	fetch      FetchFunc
	cancel     schedule.CancelToken
	latest     *Snapshot
	stats      Stats
}

// NewPoller builds a poller writing into history. sink may be nil.
func NewPoller(clock schedule.Scheduler, history *alerts.History, sink alerts.Sink, publisher events.Publisher, timeout time.Duration, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if history == nil {
		history = alerts.NewHistory(alerts.DefaultCapacity)
	}
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &Poller{
		clock:     clock,
		history:   history,
		sink:      sink,
		publisher: events.OrDiscard(publisher),
		logger:    logger,
		timeout:   timeout,
		now:       time.Now,
	}
}

// Start polls once immediately and then every interval.
func (p *Poller) Start(interval time.Duration, fetch FetchFunc) error {
	if fetch == nil {
		return ErrNoFetcher
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	p.mutex.Lock()
	if p.session != "" {
		p.mutex.Unlock()
		return ErrRunning
	}
	session := uuid.NewString()
	p.session = session
	p.sessionCtx, p.endSession = context.WithCancel(context.Background())
	p.fetch = fetch
	p.cancel = p.clock.Schedule(interval, func() { go p.poll(session) })
	p.mutex.Unlock()

	p.logger.Info("Live feed polling started", zap.String("session", session), zap.Duration("interval", interval))
	go p.poll(session)
	return nil
}

// Stop cancels polling. Once it returns no fetch is started, a fetch
// already waiting on the network has its context cancelled and its result
// is dropped.
func (p *Poller) Stop() {
	p.mutex.Lock()
	if p.session == "" {
		p.mutex.Unlock()
		return
	}
	session := p.session
	cancel := p.cancel
	endSession := p.endSession
	p.session = ""
	p.sessionCtx = nil
	p.endSession = nil
	p.fetch = nil
	p.cancel = nil
	p.mutex.Unlock()

	endSession()
	schedule.CancelAll(cancel)
	p.logger.Info("Live feed polling stopped", zap.String("session", session))
}

func (p *Poller) Running() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.session != ""
}

func (p *Poller) Latest() *Snapshot {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.latest
}

func (p *Poller) History() *alerts.History {
	return p.history
}

func (p *Poller) Stats() Stats {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.stats
}

func (p *Poller) poll(session string) {
	ctx, cancel, fetch, ok := p.begin(session)
	if !ok {
		return
	}
	defer cancel()

	var telemetry *models.Telemetry
	err := ctx.Err()
	if err == nil {
		telemetry, err = fetch(ctx)
		if err == nil && telemetry == nil {
			err = errors.New("empty telemetry response")
		}
	}

	batch, ok := p.apply(session, telemetry, err)
	if !ok || len(batch) == 0 || p.sink == nil {
		return
	}

	sinkCtx, sinkCancel := context.WithTimeout(context.Background(), p.timeout)
	defer sinkCancel()
	if err := p.sink.Publish(sinkCtx, batch); err != nil {
		p.logger.Warn("Failed to forward alerts", zap.Int("count", len(batch)), zap.Error(err))
	}
}

// begin claims a poll for session. The returned context is cancelled by Stop.
func (p *Poller) begin(session string) (context.Context, context.CancelFunc, FetchFunc, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.session != session {
		return nil, nil, nil, false
	}
	p.stats.Polls++
	ctx, cancel := context.WithTimeout(p.sessionCtx, p.timeout)
	return ctx, cancel, p.fetch, true
}

func (p *Poller) apply(session string, telemetry *models.Telemetry, err error) ([]models.Alert, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.session != session {
		p.stats.Stale++
		return nil, false
	}
	if err != nil {
		p.stats.Failed++
		p.logger.Warn("Live feed poll failed", zap.String("session", session), zap.Error(err))
		return nil, false
	}

	receivedAt := p.now()
	batch := make([]models.Alert, 0, len(telemetry.InstantAlerts))
	for _, payload := range telemetry.InstantAlerts {
		batch = append(batch, models.NewAlert(payload, receivedAt))
	}
	p.history.Append(batch)

	p.latest = &Snapshot{
		Telemetry:  telemetry,
		Color:      models.SeverityColor(string(telemetry.Severity.SeverityLevel)),
		ReceivedAt: receivedAt,
	}
	p.stats.Succeeded++
	p.stats.Alerts += uint64(len(batch))

	p.publisher.Publish(events.TypeTelemetry, p.latest)
	if len(batch) > 0 {
		p.logger.Info("Live alerts received", zap.Int("count", len(batch)))
		p.publisher.Publish(events.TypeAlerts, p.history.List())
	}
	return batch, true
}
