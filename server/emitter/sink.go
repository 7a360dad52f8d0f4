// Package emitter forwards live alerts to message brokers.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/san-kum/emergency-monitor/server/alerts"
	"github.com/san-kum/emergency-monitor/server/models"
)

// Envelope is the wire form of one forwarded alert.
type Envelope struct {
	Source      string       `json:"source"`
	Alert       models.Alert `json:"alert"`
	Color       string       `json:"color"`
	PublishedAt time.Time    `json:"published_at"`
}

type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

func encode(source string, alert models.Alert, now time.Time) ([]byte, error) {
	return json.Marshal(Envelope{
		Source:      source,
		Alert:       alert,
		Color:       models.AlertColor(alert.Type),
		PublishedAt: now,
	})
}

// Multi publishes to every sink and joins their errors.
type Multi []alerts.Sink

func (m Multi) Publish(ctx context.Context, batch []models.Alert) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Publish(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, sink := range m {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
