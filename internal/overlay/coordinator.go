package overlay

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/roach88/underthetree/internal/anim"
	"github.com/roach88/underthetree/internal/media"
	"github.com/roach88/underthetree/internal/runstate"
	"github.com/roach88/underthetree/internal/syncx"
)

// Layer is the surface an overlay is composed on.
type Layer interface {
	SetOpacity(v float64)
}

// Defaults for Options.
const (
	DefaultFadeIn         = 220 * time.Millisecond
	DefaultFadeOut        = 600 * time.Millisecond
	DefaultReducedFadeOut = 200 * time.Millisecond
	DefaultSyncTimeout    = 8 * time.Second
	unknownDuration       = 6.5
	maxGuessedDuration    = 8.0
	minPlaybackRate       = 0.1
)

// ErrNoFactory is returned when a play is requested without a media source.
var ErrNoFactory = errors.New("overlay: no media factory")

// Options configures a Coordinator.
type Options struct {
	// Factory creates the overlay element on first use and after FadeOut
	// released it.
	Factory media.Factory
	Layer   Layer
	View    runstate.View

	FadeIn         time.Duration
	FadeOut        time.Duration
	ReducedFadeOut time.Duration
	SyncTimeout    time.Duration
	Easing         anim.Easing
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.FadeIn <= 0 {
		o.FadeIn = DefaultFadeIn
	}
	if o.FadeOut <= 0 {
		o.FadeOut = DefaultFadeOut
	}
	if o.ReducedFadeOut <= 0 {
		o.ReducedFadeOut = DefaultReducedFadeOut
	}
	if o.SyncTimeout <= 0 {
		o.SyncTimeout = DefaultSyncTimeout
	}
	if o.Easing == nil {
		o.Easing = anim.EaseOutCubic
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Coordinator plays one overlay element against other media.
//
// Thread-safety: all methods are safe for concurrent use. A new play
// supersedes any play still in progress.
type Coordinator struct {
	opts Options
	gen  syncx.Generation

	mu      sync.Mutex
	el      media.Element
	started bool
	opacity float64
}

// NewCoordinator returns a Coordinator.
func NewCoordinator(opts Options) *Coordinator {
	return &Coordinator{opts: opts.withDefaults()}
}

// FallbackDuration is how long a play waits for an ended event that may
// never come: min(duration, 8s) + 0.5s, or 6.5s when the duration is
// unknown.
func FallbackDuration(seconds float64) time.Duration {
	guess := unknownDuration
	if seconds > 0 && !math.IsNaN(seconds) && !math.IsInf(seconds, 0) {
		guess = math.Min(seconds, maxGuessedDuration) + 0.5
	}
	return time.Duration(guess * float64(time.Second))
}

// Started reports whether the overlay is currently shown.
func (c *Coordinator) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Opacity returns the last opacity applied to the layer.
func (c *Coordinator) Opacity() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opacity
}

func (c *Coordinator) reduced() bool {
	return c.opts.View != nil && c.opts.View.ReducedMotion()
}

func (c *Coordinator) element() (media.Element, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.el != nil {
		return c.el, nil
	}
	if c.opts.Factory == nil {
		return nil, ErrNoFactory
	}
	el, err := c.opts.Factory()
	if err != nil {
		return nil, err
	}
	c.el = el
	return el, nil
}

func (c *Coordinator) setOpacity(tok syncx.Token, v float64) {
	if !tok.Valid() {
		return
	}
	c.mu.Lock()
	c.opacity = v
	c.mu.Unlock()
	if c.opts.Layer != nil {
		c.opts.Layer.SetOpacity(v)
	}
}

// start rewinds el and plays it at rate. The returned channel is the
// ended signal of this playback.
func (c *Coordinator) start(ctx context.Context, tok syncx.Token, el media.Element, rate float64) (<-chan struct{}, error) {
	el.Seek(0)
	el.SetPlaybackRate(rate)
	if err := el.Play(ctx); err != nil {
		return nil, err
	}
	ended := el.Ended()
	if tok.Valid() {
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()
	}
	return ended, nil
}

func (c *Coordinator) fadeIn(ctx context.Context, tok syncx.Token) error {
	return anim.Tween(ctx, c.opts.FadeIn, c.opts.Easing, func(v float64) {
		c.setOpacity(tok, v)
	})
}

// endedOrFallback waits for ended or the fallback duration of el.
func endedOrFallback(ctx context.Context, el media.Element, ended <-chan struct{}) error {
	timer := time.NewTimer(FallbackDuration(el.Duration()))
	defer timer.Stop()
	select {
	case <-ended:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// PlaySyncedTo starts the overlay once primary reaches offset seconds and
// returns when the overlay ends or its fallback duration elapses. A sync
// timeout fails open: the overlay plays immediately. Under reduced motion
// it does nothing.
func (c *Coordinator) PlaySyncedTo(ctx context.Context, primary media.Element, offset float64) error {
	if c.reduced() {
		return nil
	}
	tok := c.gen.Next()
	el, err := c.element()
	if err != nil {
		return err
	}
	c.setOpacity(tok, 0)

	err = syncx.WaitForMediaTime(ctx, primary, math.Max(0, offset), syncx.MediaWait{Timeout: c.opts.SyncTimeout})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.opts.Logger.Debug("overlay sync missed, playing now", "offset", offset, "error", err)
	}
	if !tok.Valid() {
		return nil
	}

	ended, err := c.start(ctx, tok, el, 1)
	if err != nil {
		return err
	}
	if err := c.fadeIn(ctx, tok); err != nil {
		return err
	}
	return endedOrFallback(ctx, el, ended)
}

// PlayOnce plays the overlay from the start with a playback rate ramped
// linearly from rateStart to rateEnd across its duration.
func (c *Coordinator) PlayOnce(ctx context.Context, rateStart, rateEnd float64) error {
	if c.reduced() {
		return nil
	}
	tok := c.gen.Next()
	el, err := c.element()
	if err != nil {
		return err
	}
	c.setOpacity(tok, 0)

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ended, err := c.start(ctx, tok, el, rateOr(rateStart, 1))
	if err != nil {
		return err
	}
	go c.ramp(rctx, tok, el, rateStart, rateEnd)
	if err := c.fadeIn(ctx, tok); err != nil {
		return err
	}
	return endedOrFallback(ctx, el, ended)
}

// PlayUntil loops the overlay, restarting it whenever it ends, until
// until is closed. The playback rate ramps from rateStart to rateEnd over
// each iteration. If until is already closed it degrades to PlayOnce.
func (c *Coordinator) PlayUntil(ctx context.Context, until <-chan struct{}, rateStart, rateEnd float64) error {
	if c.reduced() {
		return nil
	}
	if closed(until) {
		return c.PlayOnce(ctx, rateStart, rateEnd)
	}
	tok := c.gen.Next()
	el, err := c.element()
	if err != nil {
		return err
	}
	c.setOpacity(tok, 0)

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rate := rateOr(rateStart, 1)
	ended, err := c.start(ctx, tok, el, rate)
	if err != nil {
		return err
	}
	go c.ramp(rctx, tok, el, rateStart, rateEnd)
	if err := c.fadeIn(ctx, tok); err != nil {
		return err
	}

	for {
		timer := time.NewTimer(FallbackDuration(el.Duration()))
		select {
		case <-until:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-ended:
		case <-timer.C:
		}
		timer.Stop()
		if !tok.Valid() || closed(until) {
			return nil
		}
		if ended, err = c.start(ctx, tok, el, rate); err != nil {
			c.opts.Logger.Debug("overlay restart failed", "error", err)
			return nil
		}
	}
}

// ramp adjusts the playback rate once per frame from the position of el
// until ctx ends or the play is superseded.
func (c *Coordinator) ramp(ctx context.Context, tok syncx.Token, el media.Element, rateStart, rateEnd float64) {
	start := math.Max(minPlaybackRate, rateOr(rateStart, 1))
	end := math.Max(minPlaybackRate, rateOr(rateEnd, 0.5))
	_ = anim.Animate(ctx, anim.FrameInterval, func(time.Duration) bool {
		if !tok.Valid() {
			return true
		}
		d := el.Duration()
		if d <= 0 {
			d = unknownDuration
		}
		t := anim.Clamp(el.CurrentTime()/math.Max(0.001, d), 0, 1)
		el.SetPlaybackRate(anim.Lerp(start, end, t))
		return false
	})
}

// FadeOut ramps the overlay to transparent and releases its element. It
// supersedes any play in progress and is a no-op when nothing started.
func (c *Coordinator) FadeOut(ctx context.Context) error {
	if !c.Started() {
		return nil
	}
	tok := c.gen.Next()
	from := c.Opacity()
	d := c.opts.FadeOut
	if c.reduced() {
		d = c.opts.ReducedFadeOut
	}
	err := anim.Tween(ctx, d, c.opts.Easing, func(v float64) {
		c.setOpacity(tok, anim.Lerp(from, 0, v))
	})
	if tok.Valid() {
		c.release()
	}
	return err
}

// Release stops the overlay immediately and frees its element.
func (c *Coordinator) Release() {
	c.gen.Invalidate()
	c.release()
	if c.opts.Layer != nil {
		c.opts.Layer.SetOpacity(0)
	}
}

func (c *Coordinator) release() {
	c.mu.Lock()
	el := c.el
	c.el = nil
	c.started = false
	c.opacity = 0
	c.mu.Unlock()
	if el != nil {
		el.Pause()
		el.Unload()
	}
}

func rateOr(v, def float64) float64 {
	if v <= 0 || math.IsNaN(v) {
		return def
	}
	return v
}

func closed(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
