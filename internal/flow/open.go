package flow

import (
	"context"

	"github.com/roach88/underthetree/internal/reward"
	"github.com/roach88/underthetree/internal/runstate"
	"github.com/roach88/underthetree/internal/syncx"
	"github.com/roach88/underthetree/internal/telemetry"
)

// OpeningToast is shown while a gift open is in flight.
const OpeningToast = "Opening your gift…"

// Confetti playback rates across each loop.
const (
	confettiRateStart = 1.0
	confettiRateEnd   = 0.5
)

// OpenGift plays the gift open and reveals it. The reward request runs
// alongside the animation and never delays the reveal; the reward card
// is filled in afterwards. It returns false unless the gift UI is shown.
func (c *Controller) OpenGift(ctx context.Context) bool {
	if !c.rt.Transition(runstate.OpeningGift, runstate.GiftOverlayShown) {
		return false
	}
	c.mu.Lock()
	skipNetwork, skipCard := c.skipNetwork, c.skipOverlay
	c.skipNetwork, c.skipOverlay = false, false
	c.mu.Unlock()

	ui := c.opts.UI
	tok := c.session.Next()
	ui.SetGiftDisabled(true)

	var result <-chan reward.Reward
	clientOpID := ""
	if !skipNetwork && c.opts.Rewards != nil {
		ui.Toast(OpeningToast)
		clientOpID, result = c.opts.Rewards.Open(c.base, c.opts.UserID())
	}
	reduced := c.rt.ReducedMotion()
	c.opts.Telemetry.Emit(telemetry.EventGiftOpened, map[string]any{
		"clientOpId":    clientOpID,
		"reducedMotion": reduced,
		"network":       result != nil,
	})

	if reduced {
		if c.opts.Gift != nil {
			_ = c.opts.Gift.Open(ctx)
		}
		if !c.rt.Transition(runstate.Reveal, runstate.OpeningGift) {
			return true
		}
	} else {
		if !c.playOpen(ctx, tok) {
			return true
		}
	}
	ui.ShowReveal(true)

	if skipCard || result == nil {
		ui.SetGiftDisabled(false)
		return true
	}
	c.bg.Add(1)
	go c.presentReward(tok, result)
	return true
}

// playOpen runs openingGift -> confettiPlaying -> reveal. It returns
// false if the state moved underneath it.
func (c *Controller) playOpen(ctx context.Context, tok syncx.Token) bool {
	gift := c.opts.Gift
	if gift != nil {
		if err := gift.Open(ctx); err != nil {
			c.logger.Warn("gift open failed", "error", err)
		}
	}
	if !c.rt.Transition(runstate.ConfettiPlaying, runstate.OpeningGift) {
		return false
	}
	if gift != nil {
		c.startConfetti(tok)
		if err := gift.WaitEnded(ctx, c.opts.Timings.GiftEndedCeiling); err != nil {
			c.timedOut("gift_ended", err)
			gift.Stop()
		}
	}
	return c.rt.Transition(runstate.Reveal, runstate.ConfettiPlaying)
}

// startConfetti starts the confetti at the sync offset of the gift video
// and keeps it looping until the gift ends, then fades it out. It runs in
// the background and stops acting once tok is stale.
func (c *Controller) startConfetti(tok syncx.Token) {
	if c.opts.Confetti == nil || c.opts.Gift == nil {
		return
	}
	confetti, gift := c.opts.Confetti, c.opts.Gift
	ctx := c.base
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		offset := c.opts.Timings.ConfettiOffset.Seconds()
		if err := confetti.PlaySyncedTo(ctx, gift.Element(), offset); err != nil {
			c.logger.Debug("confetti did not play", "error", err)
			return
		}
		if !tok.Valid() {
			return
		}
		ended := gift.EndedSignal()
		select {
		case <-ended:
		default:
			if err := confetti.PlayUntil(ctx, ended, confettiRateStart, confettiRateEnd); err != nil {
				return
			}
		}
		if !tok.Valid() {
			return
		}
		if err := confetti.FadeOut(ctx); err != nil {
			c.logger.Debug("confetti fade out interrupted", "error", err)
		}
	}()
}

// presentReward shows a loading card, then the resolved reward, as long
// as the open that started it is still current.
func (c *Controller) presentReward(tok syncx.Token, result <-chan reward.Reward) {
	defer c.bg.Done()
	ui := c.opts.UI
	if !tok.Valid() {
		return
	}
	ui.ShowReward(reward.Reward{}, true)

	var r reward.Reward
	select {
	case r = <-result:
	case <-c.base.Done():
		return
	}
	if !tok.Valid() {
		return
	}
	ui.ShowReward(r, false)
	c.opts.Telemetry.Emit(telemetry.EventRewardShown, map[string]any{
		"source":     r.Source,
		"clientOpId": r.ClientOpID,
		"reason":     r.Reason,
	})
	ui.SetGiftDisabled(false)
}

// MoreGifts closes the reward card and replays the full open sequence.
// It returns false unless a gift is revealed.
func (c *Controller) MoreGifts(ctx context.Context) bool {
	if !c.rt.Is(runstate.Reveal) {
		return false
	}
	ui := c.opts.UI
	ui.CloseReward()
	ui.SetGiftDisabled(true)
	if !c.rt.Transition(runstate.GiftOverlayShown, runstate.Reveal) {
		return false
	}
	ui.ShowReveal(false)
	if c.opts.Confetti != nil {
		c.opts.Confetti.Release()
	}
	if c.opts.Gift != nil {
		c.opts.Gift.Reset()
	}
	return c.OpenGift(ctx)
}
