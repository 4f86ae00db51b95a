package flow

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/underthetree/internal/anim"
	"github.com/roach88/underthetree/internal/runstate"
	"github.com/roach88/underthetree/internal/scene"
	"github.com/roach88/underthetree/internal/syncx"
)

// LoadErrorMessage is shown when the gift scene cannot be loaded.
const LoadErrorMessage = "The gift scene didn't load. Try again."

// Enter runs the primary call to action: cinematic, gift scene load and
// crossfade, then the gift UI. It returns false when the experience has
// not started or is not idle.
func (c *Controller) Enter(ctx context.Context) bool {
	if !c.rt.Snapshot().Started || !c.rt.Transition(runstate.CinematicLoading, runstate.Idle) {
		return false
	}
	// A return home started while this runs invalidates tok.
	tok := c.session.Current()
	ui := c.opts.UI
	c.cancelHeroUI()
	ui.SetHeroDisabled(true)
	ui.SetHeroVisible(false)
	if c.opts.Scenes != nil {
		c.opts.Scenes.Hero().Pause()
	}

	c.playCinematic(ctx)

	if !c.rt.Transition(runstate.LoadingParallax, runstate.CinematicLoading) {
		return true
	}
	loaded := c.loadGiftScene(ctx, tok)
	if !tok.Valid() {
		return true
	}
	if !loaded {
		ui.ShowLoadError(LoadErrorMessage)
		c.restoreHome(ctx)
		return true
	}

	if !c.rt.Transition(runstate.ParallaxShown, runstate.LoadingParallax) {
		return true
	}
	c.showGiftUI(ctx)
	c.rt.Transition(runstate.GiftOverlayShown, runstate.ParallaxShown)
	return true
}

// playCinematic plays the intro under its hard ceiling. On failure the
// veil is forced opaque, which is the intro's final frame.
func (c *Controller) playCinematic(ctx context.Context) {
	if c.opts.Cinematic == nil {
		c.opts.UI.SetOpacity(LayerBlackout, 1)
		return
	}
	t := c.opts.Timings
	err := syncx.Run(ctx, t.CinematicLoad+t.CinematicSafety, "cinematic", c.opts.Cinematic.Play)
	if err == nil {
		return
	}
	c.timedOut("cinematic", err)
	c.opts.Cinematic.Skip()
	c.opts.UI.SetOpacity(LayerBlackout, 1)
}

// loadGiftScene loads, starts and crossfades the gift scene. The loader
// is removed on every path that still owns it. A scene that finishes
// loading after tok went stale is stopped, never shown.
func (c *Controller) loadGiftScene(ctx context.Context, tok syncx.Token) bool {
	ui := c.opts.UI
	shown := time.Now()
	ui.ShowLoader("Loading")
	defer func() {
		if tok.Valid() {
			c.hideLoader(ctx, shown)
		}
	}()

	if c.opts.Scenes == nil {
		return false
	}
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	gift, err := syncx.WithTimeout(lctx, c.opts.Timings.CinematicLoad, "gift scene load",
		func(ctx context.Context) (scene.Controller, error) {
			return c.opts.Scenes.LoadGift(ctx, func(p float64) {
				ui.SetLoaderProgress(p)
				c.rt.Update(func(s *runstate.Snapshot) { s.Progress = p })
			})
		})
	if err != nil {
		c.timedOut("gift_scene_load", err)
		return false
	}

	c.mu.Lock()
	stale := !tok.Valid()
	if !stale {
		c.giftScene = gift
	}
	c.mu.Unlock()
	if stale {
		c.logger.Debug("gift scene loaded after leaving, releasing it")
		gift.Stop()
		return false
	}

	gift.SetOpacity(0)
	gift.SetBlurRadius(c.opts.LoadingBlur)
	gift.Start()
	c.crossfade(ctx, gift, tok)
	return true
}

// crossfade fades the gift scene in, ramps its blur down and lifts the
// veil. If it does not finish within max(fade, blur) plus slack, the
// final values are applied directly. Nothing is written once tok is
// stale.
func (c *Controller) crossfade(ctx context.Context, gift scene.Controller, tok syncx.Token) {
	t := c.opts.Timings
	ui := c.opts.UI
	fade, blur := t.Crossfade, t.BlurRamp
	total := max(fade, blur)
	easeScene := anim.EaseOutCubic
	easeBlur := anim.ParseEasing(EaseBlurRamp)

	var mu sync.Mutex
	stopped := false
	apply := func(opacity, radius, veil float64) {
		mu.Lock()
		defer mu.Unlock()
		if stopped || !tok.Valid() {
			return
		}
		gift.SetOpacity(opacity)
		gift.SetBlurRadius(radius)
		ui.SetOpacity(LayerBlackout, veil)
	}

	actx, cancel := context.WithCancel(ctx)
	err := syncx.Run(ctx, total+t.CrossfadeSlack, "crossfade", func(context.Context) error {
		return c.opts.Tween(actx, total, anim.Linear, func(v float64) {
			elapsed := v * float64(total)
			u := ratio(elapsed, fade)
			b := ratio(elapsed, blur)
			apply(easeScene(u), anim.Lerp(c.opts.LoadingBlur, c.opts.BaseBlur, easeBlur(b)), 1-easeScene(u))
		})
	})
	cancel()

	mu.Lock()
	stopped = true
	mu.Unlock()

	if err != nil && tok.Valid() {
		c.timedOut("crossfade", err)
		gift.SetOpacity(1)
		gift.SetBlurRadius(c.opts.BaseBlur)
		ui.SetOpacity(LayerBlackout, 0)
	}
}

func ratio(elapsed float64, d time.Duration) float64 {
	if d <= 0 {
		return 1
	}
	return anim.Clamp(elapsed/float64(d), 0, 1)
}

// showGiftUI waits the UI delay, prepares the closed gift and fades the
// gift UI in.
func (c *Controller) showGiftUI(ctx context.Context) {
	t := c.opts.Timings
	_ = syncx.Wait(ctx, t.GiftUIDelay)
	if c.opts.Gift != nil {
		c.opts.Gift.Reset()
	}
	if err := syncx.TransitionEnd(ctx, c.layer(LayerGiftUI), 1, t.GiftUIFadeIn, EaseOutCubic); err != nil {
		c.opts.UI.SetOpacity(LayerGiftUI, 1)
	}
	c.opts.UI.SetGiftDisabled(false)
}
