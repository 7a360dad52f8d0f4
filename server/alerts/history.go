package alerts

import (
	"context"
	"sync"

	"github.com/san-kum/emergency-monitor/server/models"
)

const DefaultCapacity = 10

// History keeps the most recent alerts, newest first. Identical alerts are
// all kept; only capacity evicts.
type History struct {
	mu       sync.RWMutex
	buf      []models.Alert
	capacity int
}

type Sink interface {
	Publish(ctx context.Context, batch []models.Alert) error
	Close() error
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{capacity: capacity}
}

// Append puts newAlerts in front of the existing entries, keeping their
// given order, then drops whatever falls past capacity.
func (h *History) Append(newAlerts []models.Alert) {
	if len(newAlerts) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	size := len(newAlerts) + len(h.buf)
	if size > h.capacity {
		size = h.capacity
	}
	out := make([]models.Alert, 0, size)
	out = append(out, newAlerts...)
	out = append(out, h.buf...)
	if len(out) > h.capacity {
		out = out[:h.capacity]
	}
	h.buf = out
}

func (h *History) List() []models.Alert {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]models.Alert, len(h.buf))
	copy(out, h.buf)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.buf)
}

func (h *History) Capacity() int {
	return h.capacity
}

func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = nil
}
