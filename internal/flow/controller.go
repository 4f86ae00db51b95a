package flow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/underthetree/internal/anim"
	"github.com/roach88/underthetree/internal/config"
	"github.com/roach88/underthetree/internal/runstate"
	"github.com/roach88/underthetree/internal/scene"
	"github.com/roach88/underthetree/internal/syncx"
	"github.com/roach88/underthetree/internal/telemetry"
)

// CSS easings handed to UI fades.
const (
	EaseOutCubic = "cubic-bezier(0.33, 1, 0.68, 1)"
	EaseBlurRamp = "cubic-bezier(0.22, 1, 0.36, 1)"
)

// Default blur radii of the gift scene.
const (
	DefaultLoadingBlur = 18.0
	DefaultBaseBlur    = 4.0
)

// TweenFunc drives apply from 0 to 1 over d.
type TweenFunc func(ctx context.Context, d time.Duration, ease anim.Easing, apply func(v float64)) error

// Options configures a Controller.
type Options struct {
	Runtime   *runstate.Runtime
	Scenes    Scenes
	Cinematic Cinematic
	Sound     Soundscape
	UI        UI
	Gift      Gift
	Confetti  Confetti
	// Rewards may be nil, in which case opening shows no reward card.
	Rewards Rewards

	Timings config.Timings
	// UserID returns the anonymous user id used for gift opens.
	UserID func() string

	LoadingBlur float64
	BaseBlur    float64

	// MuteOnReducedMotion mutes audio at start when reduced motion is on.
	MuteOnReducedMotion bool
	OnMutedChange       func(muted bool)
	OnReducedMotion     func(enabled bool)

	// Tween defaults to anim.Tween.
	Tween     TweenFunc
	Telemetry telemetry.Emitter
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Runtime == nil {
		o.Runtime = runstate.New(time.Now)
	}
	if o.Timings == (config.Timings{}) {
		o.Timings = config.DefaultTimings()
	}
	if o.UserID == nil {
		o.UserID = func() string { return "" }
	}
	if o.LoadingBlur <= 0 {
		o.LoadingBlur = DefaultLoadingBlur
	}
	if o.BaseBlur <= 0 {
		o.BaseBlur = DefaultBaseBlur
	}
	if o.Tween == nil {
		o.Tween = anim.Tween
	}
	if o.Telemetry == nil {
		o.Telemetry = telemetry.Nop{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Controller runs the experience.
//
// Thread-safety: Dispatch, SetVisible, SetMuted and SetReducedMotion may
// be called from any goroutine. Transition methods may also be called
// directly; their state guards make concurrent calls safe, but only one
// of a conflicting pair will act.
type Controller struct {
	opts   Options
	rt     *runstate.Runtime
	inbox  *inbox
	logger *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	// session is advanced by every gift open and invalidated on the way
	// home, retiring reward and confetti work of older opens.
	session syncx.Generation

	mu          sync.Mutex
	giftScene   scene.Controller
	heroTimer   *time.Timer
	skipNetwork bool
	skipOverlay bool
}

// New returns a Controller. Call Close when done.
func New(opts Options) *Controller {
	opts = opts.withDefaults()
	base, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:   opts,
		rt:     opts.Runtime,
		inbox:  newInbox(),
		logger: opts.Logger.With("component", "flow"),
		base:   base,
		cancel: cancel,
	}
	c.rt.Observe(func(tr runstate.Transition) {
		c.logger.Debug("state transition", "from", tr.From.String(), "to", tr.To.String())
		c.opts.Telemetry.Emit(telemetry.EventFlowTransition, map[string]any{
			"from": tr.From.String(),
			"to":   tr.To.String(),
		})
	})
	return c
}

// Runtime returns the read-only view of the runtime.
func (c *Controller) Runtime() runstate.View { return c.rt }

// State returns the current state.
func (c *Controller) State() runstate.State { return c.rt.State() }

// Dispatch hands an action to the controller. Transitions are queued for
// Run; visibility, mute and skip take effect immediately. It returns
// false when the controller is closed.
func (c *Controller) Dispatch(a Action) bool {
	if a.transitional() {
		return c.inbox.push(a)
	}
	switch a {
	case ActionSkipCinematic:
		if c.rt.Is(runstate.CinematicLoading) && c.opts.Cinematic != nil {
			c.opts.Cinematic.Skip()
		}
	case ActionHide:
		c.SetVisible(false)
	case ActionShow:
		c.SetVisible(true)
	case ActionMute:
		c.SetMuted(true)
	case ActionUnmute:
		c.SetMuted(false)
	}
	return true
}

// Pending returns the number of queued transition actions.
func (c *Controller) Pending() int { return c.inbox.len() }

// Run handles queued actions in order until ctx ends or Close is called.
func (c *Controller) Run(ctx context.Context) error {
	for {
		for {
			a, ok := c.inbox.pop()
			if !ok {
				break
			}
			c.Do(ctx, a)
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-c.inbox.wait():
			if !ok {
				return nil
			}
		}
	}
}

// Do performs a synchronously and reports whether it acted. Actions
// that are not transitions go through Dispatch.
func (c *Controller) Do(ctx context.Context, a Action) bool {
	var acted bool
	switch a {
	case ActionStart:
		acted = c.Start(ctx)
	case ActionEnter:
		acted = c.Enter(ctx)
	case ActionOpenGift:
		acted = c.OpenGift(ctx)
	case ActionMoreGifts:
		acted = c.MoreGifts(ctx)
	case ActionBackHome:
		acted = c.ReturnHome(ctx)
	default:
		return c.Dispatch(a)
	}
	if !acted {
		c.logger.Debug("action ignored", "action", string(a), "state", c.rt.State().String())
	}
	return acted
}

// Start marks the experience as started, starts the hero scene and audio
// and schedules the hero UI. It runs once.
func (c *Controller) Start(ctx context.Context) bool {
	if c.rt.Snapshot().Started {
		return false
	}
	c.rt.Update(func(s *runstate.Snapshot) {
		s.Started = true
		s.Visible = true
	})
	c.rt.ForceIdle()

	if c.opts.Scenes != nil {
		c.opts.Scenes.Hero().Start()
	}
	if c.opts.Sound != nil {
		if err := c.opts.Sound.Start(ctx); err != nil {
			c.logger.Warn("soundscape failed to start", "error", err)
		}
	}
	if c.rt.ReducedMotion() && c.opts.MuteOnReducedMotion {
		c.SetMuted(true)
	} else if c.opts.Sound != nil {
		c.opts.Sound.SetMuted(c.rt.Muted())
	}
	c.scheduleHeroUI()
	return true
}

func (c *Controller) scheduleHeroUI() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heroTimer != nil {
		c.heroTimer.Stop()
	}
	c.heroTimer = time.AfterFunc(c.opts.Timings.HeroUIDelay, func() {
		if c.rt.Is(runstate.Idle) && c.opts.UI != nil {
			c.opts.UI.SetHeroVisible(true)
		}
	})
}

func (c *Controller) cancelHeroUI() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heroTimer != nil {
		c.heroTimer.Stop()
		c.heroTimer = nil
	}
}

// SetVisible pauses every live scene and the soundscape when the page is
// hidden and resumes them when it is shown again.
func (c *Controller) SetVisible(visible bool) {
	c.rt.Update(func(s *runstate.Snapshot) { s.Visible = visible })
	c.mu.Lock()
	gift := c.giftScene
	c.mu.Unlock()

	var scenes []scene.Controller
	if c.opts.Scenes != nil {
		scenes = append(scenes, c.opts.Scenes.Hero())
	}
	if gift != nil {
		scenes = append(scenes, gift)
	}
	for _, s := range scenes {
		if visible {
			s.Resume()
		} else {
			s.Pause()
		}
	}
	if c.opts.Sound != nil {
		if visible {
			c.opts.Sound.Resume()
		} else {
			c.opts.Sound.Pause()
		}
	}
}

// SetMuted updates the mute flag, the soundscape and the stored preference.
func (c *Controller) SetMuted(muted bool) {
	c.rt.Update(func(s *runstate.Snapshot) { s.Muted = muted })
	if c.opts.Sound != nil {
		c.opts.Sound.SetMuted(muted)
	}
	if c.opts.OnMutedChange != nil {
		c.opts.OnMutedChange(muted)
	}
}

// SetReducedMotion records the viewer's reduced-motion choice.
func (c *Controller) SetReducedMotion(enabled bool) {
	c.rt.Update(func(s *runstate.Snapshot) { s.UserReducedMotion = enabled })
	if c.opts.OnReducedMotion != nil {
		c.opts.OnReducedMotion(enabled)
	}
}

// SuppressNextOpen makes the next gift open skip its network request,
// its reward card, or both. The flags are consumed by that open.
func (c *Controller) SuppressNextOpen(network, rewardCard bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipNetwork = network
	c.skipOverlay = rewardCard
}

// Wait blocks until background reward and confetti work has finished.
func (c *Controller) Wait() {
	c.bg.Wait()
}

// Close stops Run, cancels background work and waits for it.
func (c *Controller) Close() {
	c.inbox.close()
	c.cancel()
	c.cancelHeroUI()
	c.bg.Wait()
}

func (c *Controller) timedOut(step string, err error) {
	var te *syncx.TimeoutError
	if errors.As(err, &te) {
		c.logger.Warn("transition timed out, forcing end state", "step", step, "after", te.After)
		c.opts.Telemetry.Emit(telemetry.EventFlowTimeout, map[string]any{
			"step":       step,
			"state":      c.rt.State().String(),
			"durationMs": te.After.Milliseconds(),
		})
		return
	}
	c.logger.Warn("transition failed, forcing end state", "step", step, "error", err)
}

func (c *Controller) layer(l Layer) layerTransition {
	return layerTransition{ui: c.opts.UI, layer: l}
}

// hideLoader removes the loader no sooner than LoaderMinimum after shown.
func (c *Controller) hideLoader(ctx context.Context, shown time.Time) {
	if rest := c.opts.Timings.LoaderMinimum - time.Since(shown); rest > 0 {
		_ = syncx.Wait(ctx, rest)
	}
	c.opts.UI.HideLoader()
}
