package headless

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/underthetree/internal/media"
	"github.com/roach88/underthetree/internal/overlay"
	"github.com/roach88/underthetree/internal/syncx"
)

// Cinematic implements flow.Cinematic over a simulated video.
type Cinematic struct {
	el   *media.Simulated
	skip atomic.Pointer[syncx.Signal]
	// PlayErr makes Play fail immediately.
	PlayErr error
}

// NewCinematic returns a cinematic backed by el.
func NewCinematic(el *media.Simulated) *Cinematic {
	return &Cinematic{el: el}
}

// Play implements flow.Cinematic.
func (c *Cinematic) Play(ctx context.Context) error {
	if c.PlayErr != nil {
		return c.PlayErr
	}
	skip := syncx.NewSignal()
	c.skip.Store(skip)
	c.el.Seek(0)
	if err := c.el.Play(ctx); err != nil {
		return err
	}
	select {
	case <-c.el.Ended():
	case <-skip.Done():
		c.el.Pause()
	case <-ctx.Done():
		c.el.Pause()
		return ctx.Err()
	}
	c.el.Unload()
	return nil
}

// Skip implements flow.Cinematic.
func (c *Cinematic) Skip() {
	if s := c.skip.Load(); s != nil {
		s.Fire()
	}
}

// Sound implements flow.Soundscape and records its state.
type Sound struct {
	mu      sync.Mutex
	started bool
	muted   bool
	paused  bool
	// StartErr makes Start fail, like a blocked audio context.
	StartErr error
}

// Start implements flow.Soundscape.
func (s *Sound) Start(context.Context) error {
	if s.StartErr != nil {
		return s.StartErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

// SetMuted implements flow.Soundscape.
func (s *Sound) SetMuted(m bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = m
}

// Pause implements flow.Soundscape.
func (s *Sound) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume implements flow.Soundscape.
func (s *Sound) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

// State reports started, muted and paused.
func (s *Sound) State() (started, muted, paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started, s.muted, s.paused
}

// GiftView implements overlay.GiftView.
type GiftView struct {
	mu     sync.Mutex
	frame  overlay.Frame
	locked bool
	locks  int
}

// ShowFrame implements overlay.GiftView.
func (v *GiftView) ShowFrame(f overlay.Frame) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frame = f
}

// SetFinalFrameLocked implements overlay.GiftView.
func (v *GiftView) SetFinalFrameLocked(locked bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.locked = locked
	if locked {
		v.locks++
	}
}

// State returns the shown frame, the lock flag and how often the lock
// was applied.
func (v *GiftView) State() (overlay.Frame, bool, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frame, v.locked, v.locks
}

// Layer implements overlay.Layer.
type Layer struct {
	mu sync.Mutex
	v  float64
}

// SetOpacity implements overlay.Layer.
func (l *Layer) SetOpacity(v float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.v = v
}

// Opacity returns the last value set.
func (l *Layer) Opacity() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v
}

// MediaDurations are the lengths of the simulated videos.
type MediaDurations struct {
	Cinematic time.Duration
	GiftOpen  time.Duration
	Confetti  time.Duration
}
