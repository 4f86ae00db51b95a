package flow

import (
	"context"
	"time"

	"github.com/roach88/underthetree/internal/media"
	"github.com/roach88/underthetree/internal/reward"
	"github.com/roach88/underthetree/internal/scene"
)

// Layer names a UI surface the controller fades.
type Layer string

const (
	LayerBlackout Layer = "blackout"
	LayerGiftUI   Layer = "gift_ui"
)

// Scenes owns the render surfaces.
type Scenes interface {
	Hero() scene.Controller
	// LoadGift loads the gift scene, reporting progress in 0..1, and
	// returns a controller that has not been started.
	LoadGift(ctx context.Context, progress func(float64)) (scene.Controller, error)
}

// Cinematic plays the intro video.
type Cinematic interface {
	// Play loads and plays the intro and returns once it has faded to
	// black.
	Play(ctx context.Context) error
	// Skip jumps to the end of a playing intro.
	Skip()
}

// Soundscape is the ambient audio bed.
type Soundscape interface {
	Start(ctx context.Context) error
	SetMuted(muted bool)
	Pause()
	Resume()
}

// UI is the DOM-level surface: buttons, cards, loader and veil.
type UI interface {
	// Fade starts an opacity transition on layer. The channel is closed
	// when the transition completes; it may never close.
	Fade(layer Layer, target float64, d time.Duration, easing string) <-chan struct{}
	SetOpacity(layer Layer, v float64)

	SetHeroVisible(visible bool)
	SetHeroDisabled(disabled bool)
	SetGiftDisabled(disabled bool)

	ShowLoader(text string)
	SetLoaderProgress(p float64)
	HideLoader()

	ShowReveal(shown bool)
	// ShowReward displays the reward card; loading shows a placeholder
	// card until the real reward arrives.
	ShowReward(r reward.Reward, loading bool)
	CloseReward()

	Toast(msg string)
	ShowLoadError(msg string)
}

// Gift is the gift-open video player.
type Gift interface {
	Open(ctx context.Context) error
	WaitEnded(ctx context.Context, d time.Duration) error
	EndedSignal() <-chan struct{}
	Reset()
	Stop()
	Element() media.Element
}

// Confetti is the overlay synced to the gift video.
type Confetti interface {
	PlaySyncedTo(ctx context.Context, primary media.Element, offset float64) error
	PlayUntil(ctx context.Context, until <-chan struct{}, rateStart, rateEnd float64) error
	FadeOut(ctx context.Context) error
	Release()
}

// Rewards opens a gift remotely. The result channel yields exactly one
// reward and never fails.
type Rewards interface {
	Open(ctx context.Context, userID string) (clientOpID string, result <-chan reward.Reward)
}

// FetcherRewards adapts a reward.Fetcher to Rewards.
type FetcherRewards struct {
	Fetcher *reward.Fetcher
}

// Open implements Rewards.
func (r FetcherRewards) Open(ctx context.Context, userID string) (string, <-chan reward.Reward) {
	p := r.Fetcher.Begin(ctx, userID)
	ch := make(chan reward.Reward, 1)
	go func() { ch <- p.Resolve(ctx) }()
	return p.ClientOpID, ch
}

// layerTransition lets syncx.TransitionEnd drive a UI layer.
type layerTransition struct {
	ui    UI
	layer Layer
}

func (l layerTransition) StartTransition(target float64, d time.Duration, easing string) <-chan struct{} {
	return l.ui.Fade(l.layer, target, d, easing)
}
