// Package scene defines the controller contract shared by the hero and
// gift render loops and a ticker-driven Loop implementation.
package scene

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/underthetree/internal/anim"
)

// MaxBlurRadius bounds SetBlurRadius.
const MaxBlurRadius = 100.0

// Controller is the contract of a render loop.
//
// Start is idempotent. Stop is irreversible and releases the surface.
// Setters may be called at any time, including before Start and after
// Stop, and are clamped to their valid ranges.
type Controller interface {
	Start()
	Pause()
	Resume()
	Stop()
	SetOpacity(v float64)
	SetBlurRadius(v float64)
	SetInputEnabled(enabled bool)
}

// Uniforms is the per-frame input a render function receives.
type Uniforms struct {
	Opacity      float64       `json:"opacity"`
	BlurRadius   float64       `json:"blur_radius"`
	InputEnabled bool          `json:"input_enabled"`
	Elapsed      time.Duration `json:"elapsed"`
	Frame        uint64        `json:"frame"`
}

// RenderFunc draws one frame.
type RenderFunc func(u Uniforms)

// Loop is a Controller that calls a RenderFunc on a ticker.
//
// Thread-safety: all methods are safe for concurrent use.
type Loop struct {
	name     string
	render   RenderFunc
	interval time.Duration
	release  func()
	logger   *slog.Logger

	mu       sync.Mutex
	u        Uniforms
	started  bool
	stopped  bool
	paused   bool
	cancel   context.CancelFunc
	done     chan struct{}
	frames   atomic.Uint64
	released atomic.Bool
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithInterval sets the frame interval.
func WithInterval(d time.Duration) LoopOption {
	return func(l *Loop) { l.interval = d }
}

// WithRelease registers a hook run once when the loop stops.
func WithRelease(fn func()) LoopOption {
	return func(l *Loop) { l.release = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) { l.logger = logger }
}

// NewLoop creates a stopped loop with full opacity and input enabled.
func NewLoop(name string, render RenderFunc, opts ...LoopOption) *Loop {
	l := &Loop{
		name:     name,
		render:   render,
		interval: anim.FrameInterval,
		logger:   slog.Default(),
		u:        Uniforms{Opacity: 1, InputEnabled: true},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

// Start implements Controller.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.stopped {
		return
	}
	l.started = true
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
	l.logger.Debug("scene started", "scene", l.name)
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	start := time.Now()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		l.mu.Lock()
		if l.paused {
			l.mu.Unlock()
			continue
		}
		u := l.u
		l.mu.Unlock()

		u.Elapsed = time.Since(start)
		u.Frame = l.frames.Add(1)
		if l.render != nil {
			l.render(u)
		}
	}
}

// Pause implements Controller.
func (l *Loop) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = true
}

// Resume implements Controller.
func (l *Loop) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = false
}

// Stop implements Controller.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if l.release != nil && l.released.CompareAndSwap(false, true) {
		l.release()
	}
	l.logger.Debug("scene stopped", "scene", l.name, "frames", l.frames.Load())
}

// SetOpacity implements Controller.
func (l *Loop) SetOpacity(v float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.u.Opacity = anim.Clamp(v, 0, 1)
}

// SetBlurRadius implements Controller.
func (l *Loop) SetBlurRadius(v float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.u.BlurRadius = anim.Clamp(v, 0, MaxBlurRadius)
}

// SetInputEnabled implements Controller.
func (l *Loop) SetInputEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.u.InputEnabled = enabled
}

// Uniforms returns the current uniform values.
func (l *Loop) Uniforms() Uniforms {
	l.mu.Lock()
	defer l.mu.Unlock()
	u := l.u
	u.Frame = l.frames.Load()
	return u
}

// Frames returns how many frames have rendered.
func (l *Loop) Frames() uint64 { return l.frames.Load() }

// Running reports whether the loop is started and not stopped.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started && !l.stopped
}

// Stopped reports whether Stop was called.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Paused reports whether the loop is paused.
func (l *Loop) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}
