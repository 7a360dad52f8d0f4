package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// PushProvider is fed by a remote camera, typically the dashboard's
// browser sending frames over a websocket. It keeps only the newest frame:
// a frame published before the previous one was sampled replaces it.
type PushProvider struct {
	maxAge time.Duration

	mutex        sync.Mutex
	publishers   int
	denied       string
	acquired     bool
	latest       *Frame
	sampled      bool
	onActivate   func(Constraints)
	onDeactivate func()

	published atomic.Uint64
	dropped   atomic.Uint64
}

type PushStats struct {
	Publishers int    `json:"publishers"`
	Acquired   bool   `json:"acquired"`
	Published  uint64 `json:"published"`
	Dropped    uint64 `json:"dropped"`
	Denied     string `json:"denied,omitempty"`
}

type pushSource struct {
	provider *PushProvider
}

func NewPushProvider(maxAge time.Duration) *PushProvider {
	return &PushProvider{maxAge: maxAge}
}

// OnActivation registers callbacks used to switch the remote camera on and
// off. They run without the provider lock held.
func (p *PushProvider) OnActivation(activate func(Constraints), deactivate func()) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.onActivate = activate
	p.onDeactivate = deactivate
}

func (p *PushProvider) Connect() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.publishers++
	p.denied = ""
}

func (p *PushProvider) Disconnect() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.publishers > 0 {
		p.publishers--
	}
}

// Deny records that the remote side refused camera access.
func (p *PushProvider) Deny(reason string) {
	if reason == "" {
		reason = "camera access denied"
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.denied = reason
}

func (p *PushProvider) Publish(frame *Frame) {
	if frame == nil || len(frame.Data) == 0 {
		return
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.acquired {
		p.dropped.Add(1)
		return
	}
	if p.latest != nil && !p.sampled {
		p.dropped.Add(1)
	}
	p.latest = frame
	p.sampled = false
	p.published.Add(1)
}

func (p *PushProvider) Acquire(ctx context.Context, constraints Constraints) (Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mutex.Lock()
	if p.denied != "" {
		reason := p.denied
		p.mutex.Unlock()
		return nil, fmt.Errorf("%s: %w", reason, ErrPermissionDenied)
	}
	if p.publishers == 0 {
		p.mutex.Unlock()
		return nil, fmt.Errorf("no camera connected: %w", ErrDeviceUnavailable)
	}
	if p.acquired {
		p.mutex.Unlock()
		return nil, fmt.Errorf("camera already in use: %w", ErrDeviceUnavailable)
	}
	p.acquired = true
	p.latest = nil
	activate := p.onActivate
	p.mutex.Unlock()

	if activate != nil {
		activate(constraints)
	}
	return &pushSource{provider: p}, nil
}

func (p *PushProvider) Release(resource Resource) error {
	source, ok := resource.(*pushSource)
	if !ok || source.provider != p {
		return fmt.Errorf("resource not owned by push provider")
	}

	p.mutex.Lock()
	p.acquired = false
	p.latest = nil
	deactivate := p.onDeactivate
	p.mutex.Unlock()

	if deactivate != nil {
		deactivate()
	}
	return nil
}

func (p *PushProvider) Stats() PushStats {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return PushStats{
		Publishers: p.publishers,
		Acquired:   p.acquired,
		Published:  p.published.Load(),
		Dropped:    p.dropped.Load(),
		Denied:     p.denied,
	}
}

func (s *pushSource) Capture(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := s.provider
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.acquired {
		return nil, ErrReleased
	}
	if p.publishers == 0 {
		return nil, fmt.Errorf("camera disconnected: %w", ErrDeviceUnavailable)
	}
	if p.latest == nil {
		return nil, ErrNoFrame
	}
	if p.maxAge > 0 && time.Since(p.latest.CapturedAt) > p.maxAge {
		return nil, fmt.Errorf("latest frame is %s old: %w", time.Since(p.latest.CapturedAt).Round(time.Millisecond), ErrNoFrame)
	}

	p.sampled = true
	return p.latest, nil
}
