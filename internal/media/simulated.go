package media

import (
	"context"
	"math"
	"sync"
	"time"
)

// Simulated is an Element whose position advances with the wall clock.
//
// It honours playback rate changes, fires Ended when the position reaches
// the duration and can be told to refuse Play, never fire Ended or stall
// at a position. It backs headless runs and tests.
//
// Thread-safety: all methods are safe for concurrent use.
type Simulated struct {
	mu        sync.Mutex
	name      string
	duration  float64
	rate      float64
	pos       float64
	playing   bool
	anchor    time.Time
	ended     chan struct{}
	endedDone bool
	timer     *time.Timer
	playErr   error
	noEnded   bool
	stallAt   float64
	hideDur   bool
	plays     int
	unloads   int
}

// SimOption configures a Simulated element.
type SimOption func(*Simulated)

// WithPlayError makes every Play fail with err.
func WithPlayError(err error) SimOption {
	return func(s *Simulated) { s.playErr = err }
}

// WithoutEndedEvent suppresses the ended notification.
func WithoutEndedEvent() SimOption {
	return func(s *Simulated) { s.noEnded = true }
}

// WithStallAt freezes the position at seconds, like a stuck decoder.
func WithStallAt(seconds float64) SimOption {
	return func(s *Simulated) { s.stallAt = seconds }
}

// WithUnknownDuration reports a zero duration while still ending after d.
func WithUnknownDuration() SimOption {
	return func(s *Simulated) { s.hideDur = true }
}

// NewSimulated creates an element of the given length.
func NewSimulated(name string, d time.Duration, opts ...SimOption) *Simulated {
	s := &Simulated{
		name:     name,
		duration: d.Seconds(),
		rate:     1,
		stallAt:  -1,
		ended:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name identifies the element in logs.
func (s *Simulated) Name() string { return s.name }

// CurrentTime implements Element.
func (s *Simulated) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

func (s *Simulated) positionLocked() float64 {
	p := s.pos
	if s.playing {
		p += time.Since(s.anchor).Seconds() * s.rate
	}
	if s.stallAt >= 0 && p > s.stallAt {
		p = s.stallAt
	}
	return math.Min(p, s.duration)
}

// Duration implements Element.
func (s *Simulated) Duration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hideDur {
		return 0
	}
	return s.duration
}

// Play implements Element.
func (s *Simulated) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playErr != nil {
		return s.playErr
	}
	if s.playing {
		return nil
	}
	if s.pos >= s.duration {
		s.pos = 0
	}
	if s.endedDone {
		s.ended = make(chan struct{})
		s.endedDone = false
	}
	s.plays++
	s.playing = true
	s.anchor = time.Now()
	s.scheduleLocked()
	return nil
}

// Pause implements Element.
func (s *Simulated) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		return
	}
	s.pos = s.positionLocked()
	s.playing = false
	s.stopTimerLocked()
}

// Seek implements Element. Seeking abandons the current ended channel.
func (s *Simulated) Seek(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = math.Max(0, math.Min(seconds, s.duration))
	s.anchor = time.Now()
	s.ended = make(chan struct{})
	s.endedDone = false
	if s.playing {
		s.scheduleLocked()
	}
}

// SetPlaybackRate implements Element.
func (s *Simulated) SetPlaybackRate(rate float64) {
	if rate <= 0 || math.IsNaN(rate) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing {
		s.pos = s.positionLocked()
		s.anchor = time.Now()
	}
	s.rate = rate
	if s.playing {
		s.scheduleLocked()
	}
}

// PlaybackRate implements Element.
func (s *Simulated) PlaybackRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// Ended implements Element.
func (s *Simulated) Ended() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Unload implements Element.
func (s *Simulated) Unload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
	s.playing = false
	s.pos = 0
	s.unloads++
}

// Plays returns how many times playback started.
func (s *Simulated) Plays() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plays
}

// Unloads returns how many times Unload was called.
func (s *Simulated) Unloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unloads
}

func (s *Simulated) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Simulated) scheduleLocked() {
	s.stopTimerLocked()
	if s.noEnded || s.stallAt >= 0 {
		return
	}
	remaining := (s.duration - s.positionLocked()) / s.rate
	ch := s.ended
	s.timer = time.AfterFunc(time.Duration(remaining*float64(time.Second)), func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.ended != ch || s.endedDone {
			return
		}
		s.pos = s.duration
		s.playing = false
		s.endedDone = true
		close(ch)
	})
}
