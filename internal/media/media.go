// Package media abstracts the capture device and beat playback
// collaborators. The phase engine treats both as best-effort: a
// failure here never halts the phase timer.
package media

import (
	"context"
	"errors"
	"sync"
)

// ErrDeviceUnavailable is returned when the capture device cannot be
// acquired (in use, permission denied, absent).
var ErrDeviceUnavailable = errors.New("media: capture device unavailable")

// CaptureStream is one acquired capture session.
type CaptureStream interface {
	Close() error
}

// Recorder acquires and releases the capture device.
type Recorder interface {
	Acquire(ctx context.Context) (CaptureStream, error)
	Release(s CaptureStream)
}

// Player starts and stops beat playback.
type Player interface {
	Start(ctx context.Context, beatRef string) error
	Stop()
}

// SimRecorder is an in-memory recorder used by the simulated mode and
// tests. Flip Available to exercise acquisition failures.
type SimRecorder struct {
	mu        sync.Mutex
	available bool
	acquired  int
	released  int
}

func NewSimRecorder() *SimRecorder { return &SimRecorder{available: true} }

func (r *SimRecorder) SetAvailable(ok bool) {
	r.mu.Lock()
	r.available = ok
	r.mu.Unlock()
}

func (r *SimRecorder) Acquire(ctx context.Context) (CaptureStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.available {
		return nil, ErrDeviceUnavailable
	}
	r.acquired++
	return &simStream{}, nil
}

func (r *SimRecorder) Release(s CaptureStream) {
	if s != nil {
		s.Close()
	}
	r.mu.Lock()
	r.released++
	r.mu.Unlock()
}

// Acquired and Released expose counters for tests.
func (r *SimRecorder) Acquired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquired
}

func (r *SimRecorder) Released() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

type simStream struct{}

func (s *simStream) Close() error { return nil }

// SimPlayer is a no-op player tracking its own state.
type SimPlayer struct {
	mu      sync.Mutex
	playing bool
	failing bool
}

func NewSimPlayer() *SimPlayer { return &SimPlayer{} }

func (p *SimPlayer) SetFailing(fail bool) {
	p.mu.Lock()
	p.failing = fail
	p.mu.Unlock()
}

func (p *SimPlayer) Start(ctx context.Context, beatRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return errors.New("media: playback failed")
	}
	p.playing = true
	return nil
}

func (p *SimPlayer) Stop() {
	p.mu.Lock()
	p.playing = false
	p.mu.Unlock()
}

func (p *SimPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}
