// Package media owns live video sources.
//
// A Provider activates a source on Acquire and deactivates it on Release.
// Handle wraps one acquisition and guarantees the provider sees exactly one
// Release for it, no matter how many times or from how many paths the
// handle is released.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrPermissionDenied  = errors.New("media: permission denied")
	ErrDeviceUnavailable = errors.New("media: device unavailable")
	ErrReleased          = errors.New("media: resource released")
	ErrNoFrame           = errors.New("media: no frame available")
)

type Constraints struct {
	FacingMode string  `json:"facing_mode" yaml:"facing_mode"`
	Width      int     `json:"width" yaml:"width"`
	Height     int     `json:"height" yaml:"height"`
	Quality    float64 `json:"quality" yaml:"quality"`
}

func DefaultConstraints() Constraints {
	return Constraints{FacingMode: "environment", Quality: 0.7}
}

// Frame is a single sampled image. It is not retained once submitted.
type Frame struct {
	Data       []byte
	MimeType   string
	CapturedAt time.Time
}

func (f *Frame) Filename(prefix string) string {
	ext := "jpg"
	switch f.MimeType {
	case "image/png":
		ext = "png"
	case "image/webp":
		ext = "webp"
	}
	return fmt.Sprintf("%s.%s", prefix, ext)
}

type Resource interface {
	Capture(ctx context.Context) (*Frame, error)
}

type Provider interface {
	Acquire(ctx context.Context, constraints Constraints) (Resource, error)
	Release(resource Resource) error
}

type Handle struct {
	id       string
	provider Provider
	logger   *zap.Logger

	mutex    sync.Mutex
	resource Resource
	released bool
}

func Acquire(ctx context.Context, provider Provider, constraints Constraints, logger *zap.Logger) (*Handle, error) {
	if provider == nil {
		return nil, fmt.Errorf("no video provider configured: %w", ErrDeviceUnavailable)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	resource, err := provider.Acquire(ctx, constraints)
	if err != nil {
		return nil, err
	}
	if resource == nil {
		return nil, fmt.Errorf("provider returned no resource: %w", ErrDeviceUnavailable)
	}

	h := &Handle{
		id:       uuid.NewString(),
		provider: provider,
		logger:   logger,
		resource: resource,
	}
	logger.Info("Video resource acquired", zap.String("handle_id", h.id))
	return h, nil
}

func (h *Handle) ID() string {
	if h == nil {
		return ""
	}
	return h.id
}

func (h *Handle) Capture(ctx context.Context) (*Frame, error) {
	if h == nil {
		return nil, ErrReleased
	}
	h.mutex.Lock()
	resource := h.resource
	h.mutex.Unlock()

	if resource == nil {
		return nil, ErrReleased
	}
	return resource.Capture(ctx)
}

// Release deactivates the source. It is safe on a nil or already released
// handle.
func (h *Handle) Release() {
	if h == nil {
		return
	}

	h.mutex.Lock()
	if h.released {
		h.mutex.Unlock()
		return
	}
	h.released = true
	resource := h.resource
	h.resource = nil
	h.mutex.Unlock()

	if err := h.provider.Release(resource); err != nil {
		h.logger.Warn("Video resource release failed", zap.String("handle_id", h.id), zap.Error(err))
		return
	}
	h.logger.Info("Video resource released", zap.String("handle_id", h.id))
}

func (h *Handle) Released() bool {
	if h == nil {
		return true
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.released
}

// IsAcquisitionError reports whether err belongs to the permission or
// device families, which abort a monitoring start without retry.
func IsAcquisitionError(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceUnavailable)
}
