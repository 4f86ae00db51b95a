package flow

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/underthetree/internal/reward"
	"github.com/roach88/underthetree/internal/runstate"
	"github.com/roach88/underthetree/internal/scene"
	"github.com/roach88/underthetree/internal/syncx"
)

// giftUIFadeOut is how long the gift UI takes to fade on the way home.
const giftUIFadeOut = 250 * time.Millisecond

// ReturnHome tears the gift scene down behind a black veil and restores
// the landing page. The teardown runs under one timeout; whether it
// finishes or not, the landing page is restored and the loader removed.
// It returns false when already idle or returning home.
func (c *Controller) ReturnHome(ctx context.Context) bool {
	if !c.rt.Transition(runstate.ReturningHome,
		runstate.CinematicLoading, runstate.LoadingParallax, runstate.ParallaxShown,
		runstate.GiftOverlayShown, runstate.OpeningGift, runstate.ConfettiPlaying, runstate.Reveal) {
		return false
	}
	ui := c.opts.UI
	t := c.opts.Timings
	c.session.Invalidate()
	ui.SetGiftDisabled(true)

	shown := time.Now()
	ui.ShowLoader("Loading")
	ui.SetLoaderProgress(0.12)
	defer c.hideLoader(ctx, shown)

	// A teardown that overruns keeps running in the background. Once the
	// gate closes it can no longer touch the UI or the scenes, so the
	// landing below is the only writer.
	g := &gate{}
	gui := gatedUI{UI: ui, g: g}
	tctx, cancel := context.WithCancel(ctx)
	err := syncx.Run(ctx, t.ReturnHome, "return home", func(context.Context) error {
		if err := syncx.TransitionEnd(tctx, layerTransition{ui: gui, layer: LayerBlackout}, 1, t.FadeToBlack, EaseOutCubic); err != nil {
			gui.SetOpacity(LayerBlackout, 1)
		}
		gui.SetLoaderProgress(0.28)
		c.teardownGift(tctx, g)
		gui.SetLoaderProgress(0.92)
		return nil
	})
	cancel()
	g.close()

	if err != nil {
		c.timedOut("return_home", err)
		// tctx is done, so every fade is applied directly.
		c.teardownGift(tctx, nil)
	}
	c.finalizeHome(ctx)
	return true
}

// teardownGift stops gift media, hides the gift UI and releases the
// gift scene. Every step tolerates having run before. Steps are skipped
// once g is closed; a nil g never closes.
func (c *Controller) teardownGift(ctx context.Context, g *gate) {
	ui := UI(gatedUI{UI: c.opts.UI, g: g})
	g.do(func() {
		if c.opts.Gift != nil {
			c.opts.Gift.Stop()
		}
	})
	if err := syncx.TransitionEnd(ctx, layerTransition{ui: ui, layer: LayerGiftUI}, 0, giftUIFadeOut, EaseOutCubic); err != nil {
		ui.SetOpacity(LayerGiftUI, 0)
	}
	ui.ShowReveal(false)
	ui.CloseReward()
	ui.SetLoaderProgress(0.55)

	g.do(func() {
		if c.opts.Confetti != nil {
			c.opts.Confetti.Release()
		}
	})
	var gift scene.Controller
	g.do(func() { gift = c.takeGiftScene() })
	if gift != nil {
		// Past the deadline the release must not hold up the landing page.
		if ctx.Err() != nil {
			go gift.Stop()
		} else {
			gift.Stop()
		}
	}
	ui.SetLoaderProgress(0.78)

	g.do(func() {
		if c.opts.Sound != nil {
			c.opts.Sound.SetMuted(c.rt.Muted())
		}
	})
}

func (c *Controller) takeGiftScene() scene.Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	gift := c.giftScene
	c.giftScene = nil
	return gift
}

// finalizeHome resumes the hero, lifts the veil and lands on idle.
func (c *Controller) finalizeHome(ctx context.Context) {
	ui := c.opts.UI
	if c.opts.Scenes != nil {
		c.opts.Scenes.Hero().Resume()
	}
	ui.SetHeroDisabled(false)
	ui.SetHeroVisible(false)
	if err := syncx.TransitionEnd(ctx, c.layer(LayerBlackout), 0, c.opts.Timings.FadeFromBlack, EaseOutCubic); err != nil {
		ui.SetOpacity(LayerBlackout, 0)
	}
	ui.SetHeroVisible(true)
	c.rt.ForceIdle()
}

// restoreHome brings the landing page back after a failed scene load,
// leaving the call to action as the retry affordance.
func (c *Controller) restoreHome(ctx context.Context) {
	if gift := c.takeGiftScene(); gift != nil {
		gift.Stop()
	}
	c.finalizeHome(ctx)
}

// gate lets a background task act until it is closed. Close waits for
// an action already running, so nothing the task does lands after it.
type gate struct {
	mu     sync.Mutex
	closed bool
}

// do runs fn unless g is closed. A nil gate never closes.
func (g *gate) do(fn func()) bool {
	if g == nil {
		fn()
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	fn()
	return true
}

func (g *gate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// gatedUI drops writes once its gate is closed.
type gatedUI struct {
	UI
	g *gate
}

func (u gatedUI) Fade(layer Layer, target float64, d time.Duration, easing string) <-chan struct{} {
	var done <-chan struct{}
	if u.g.do(func() { done = u.UI.Fade(layer, target, d, easing) }) {
		return done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (u gatedUI) SetOpacity(layer Layer, v float64) {
	u.g.do(func() { u.UI.SetOpacity(layer, v) })
}

func (u gatedUI) SetHeroVisible(v bool)  { u.g.do(func() { u.UI.SetHeroVisible(v) }) }
func (u gatedUI) SetHeroDisabled(v bool) { u.g.do(func() { u.UI.SetHeroDisabled(v) }) }
func (u gatedUI) SetGiftDisabled(v bool) { u.g.do(func() { u.UI.SetGiftDisabled(v) }) }
func (u gatedUI) ShowLoader(text string) { u.g.do(func() { u.UI.ShowLoader(text) }) }
func (u gatedUI) SetLoaderProgress(p float64) {
	u.g.do(func() { u.UI.SetLoaderProgress(p) })
}
func (u gatedUI) HideLoader()       { u.g.do(u.UI.HideLoader) }
func (u gatedUI) ShowReveal(v bool) { u.g.do(func() { u.UI.ShowReveal(v) }) }
func (u gatedUI) CloseReward()      { u.g.do(u.UI.CloseReward) }
func (u gatedUI) Toast(msg string)  { u.g.do(func() { u.UI.Toast(msg) }) }
func (u gatedUI) ShowLoadError(m string) {
	u.g.do(func() { u.UI.ShowLoadError(m) })
}
func (u gatedUI) ShowReward(r reward.Reward, loading bool) {
	u.g.do(func() { u.UI.ShowReward(r, loading) })
}
