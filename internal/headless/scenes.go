package headless

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roach88/underthetree/internal/scene"
)

// ErrSceneLoad is returned by Scenes.LoadGift when LoadErr is set.
var ErrSceneLoad = errors.New("headless: gift scene failed to load")

// Scenes implements flow.Scenes with scene.Loop render loops that draw
// nothing.
type Scenes struct {
	// LoadDelay is how long LoadGift takes; progress is reported in
	// four steps across it.
	LoadDelay time.Duration
	// LoadErr makes LoadGift fail.
	LoadErr bool
	// StopDelay blocks the gift scene's Stop, like a slow GPU release.
	StopDelay time.Duration

	hero *scene.Loop

	mu    sync.Mutex
	gifts []*scene.Loop
}

// NewScenes returns Scenes with a fresh hero loop.
func NewScenes() *Scenes {
	return &Scenes{hero: scene.NewLoop("hero", nil)}
}

// Hero implements flow.Scenes.
func (s *Scenes) Hero() scene.Controller { return s.hero }

// HeroLoop returns the hero loop for inspection.
func (s *Scenes) HeroLoop() *scene.Loop { return s.hero }

// LoadGift implements flow.Scenes.
func (s *Scenes) LoadGift(ctx context.Context, progress func(float64)) (scene.Controller, error) {
	const steps = 4
	for i := 1; i <= steps; i++ {
		select {
		case <-time.After(s.LoadDelay / steps):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if progress != nil {
			progress(float64(i) / steps)
		}
	}
	if s.LoadErr {
		return nil, ErrSceneLoad
	}
	l := scene.NewLoop("gift", nil)
	s.mu.Lock()
	s.gifts = append(s.gifts, l)
	s.mu.Unlock()
	if s.StopDelay > 0 {
		return slowStop{Loop: l, delay: s.StopDelay}, nil
	}
	return l, nil
}

// GiftLoop returns the most recently loaded gift scene, or nil.
func (s *Scenes) GiftLoop() *scene.Loop {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.gifts) == 0 {
		return nil
	}
	return s.gifts[len(s.gifts)-1]
}

type slowStop struct {
	*scene.Loop
	delay time.Duration
}

func (s slowStop) Stop() {
	time.Sleep(s.delay)
	s.Loop.Stop()
}
