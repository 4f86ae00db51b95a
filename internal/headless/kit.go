package headless

import (
	"log/slog"
	"time"

	"github.com/roach88/underthetree/internal/config"
	"github.com/roach88/underthetree/internal/flow"
	"github.com/roach88/underthetree/internal/media"
	"github.com/roach88/underthetree/internal/overlay"
	"github.com/roach88/underthetree/internal/runstate"
	"github.com/roach88/underthetree/internal/telemetry"
)

// KitOptions shapes the simulated environment.
type KitOptions struct {
	Media MediaDurations
	// Timings drive the flow; zero means config.DefaultTimings.
	Timings config.Timings

	CinematicStalls  bool
	GiftNeverEnds    bool
	GiftPlayRejected bool
	ConfettiNoEnded  bool

	LoadDelay     time.Duration
	LoadErr       bool
	SceneStopWait time.Duration
	StallFades    bool

	ReducedMotion bool
	LowPower      bool
	Muted         bool

	Logger *slog.Logger
}

// Kit is a complete headless environment for one flow controller.
type Kit struct {
	Runtime   *runstate.Runtime
	UI        *UI
	Scenes    *Scenes
	Cinematic *Cinematic
	Sound     *Sound
	GiftView  *GiftView
	GiftVideo *media.Simulated
	Gift      *overlay.GiftPlayer
	Confetti  *overlay.Coordinator
	Layer     *Layer
	Timings   config.Timings

	logger *slog.Logger
}

// DefaultMedia matches the lengths of the production videos.
func DefaultMedia() MediaDurations {
	return MediaDurations{
		Cinematic: config.Default().Media.Cinematic,
		GiftOpen:  config.Default().Media.GiftOpen,
		Confetti:  config.Default().Media.Confetti,
	}
}

// NewKit builds a Kit.
func NewKit(opts KitOptions) *Kit {
	if opts.Media == (MediaDurations{}) {
		opts.Media = DefaultMedia()
	}
	if opts.Timings == (config.Timings{}) {
		opts.Timings = config.DefaultTimings()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rt := runstate.New(time.Now)
	rt.Update(func(s *runstate.Snapshot) {
		s.PrefersReducedMotion = opts.ReducedMotion
		s.LowPower = opts.LowPower
		s.Muted = opts.Muted
	})

	var cineOpts []media.SimOption
	if opts.CinematicStalls {
		cineOpts = append(cineOpts, media.WithoutEndedEvent())
	}
	var giftOpts []media.SimOption
	if opts.GiftNeverEnds {
		giftOpts = append(giftOpts, media.WithoutEndedEvent())
	}
	if opts.GiftPlayRejected {
		giftOpts = append(giftOpts, media.WithPlayError(media.ErrPlayRejected))
	}

	k := &Kit{
		Runtime:   rt,
		UI:        NewUI(),
		Scenes:    NewScenes(),
		Sound:     &Sound{},
		GiftView:  &GiftView{},
		GiftVideo: media.NewSimulated("gift_open", opts.Media.GiftOpen, giftOpts...),
		Layer:     &Layer{},
		Timings:   opts.Timings,
		logger:    logger,
	}
	k.UI.StallFades = opts.StallFades
	k.UI.SetOpacity(flow.LayerBlackout, 0)
	k.Scenes.LoadDelay = opts.LoadDelay
	k.Scenes.LoadErr = opts.LoadErr
	k.Scenes.StopDelay = opts.SceneStopWait
	k.Cinematic = NewCinematic(media.NewSimulated("cinematic", opts.Media.Cinematic, cineOpts...))

	k.Gift = overlay.NewGiftPlayer(k.GiftVideo, overlay.GiftOptions{
		View:         k.GiftView,
		Runtime:      rt,
		EndedTimeout: opts.Timings.GiftEndedCeiling,
		Logger:       logger,
	})

	confettiDuration := opts.Media.Confetti
	var confettiOpts []media.SimOption
	if opts.ConfettiNoEnded {
		confettiOpts = append(confettiOpts, media.WithoutEndedEvent())
	}
	k.Confetti = overlay.NewCoordinator(overlay.Options{
		Factory: func() (media.Element, error) {
			return media.NewSimulated("confetti", confettiDuration, confettiOpts...), nil
		},
		Layer:   k.Layer,
		View:    rt,
		FadeOut: opts.Timings.ConfettiFadeOut,
		Logger:  logger,
	})
	return k
}

// Options returns flow options wired to the kit. Rewards and identity
// are left to the caller.
func (k *Kit) Options(rewards flow.Rewards, tel telemetry.Emitter) flow.Options {
	return flow.Options{
		Runtime:   k.Runtime,
		Scenes:    k.Scenes,
		Cinematic: k.Cinematic,
		Sound:     k.Sound,
		UI:        k.UI,
		Gift:      k.Gift,
		Confetti:  k.Confetti,
		Rewards:   rewards,
		Timings:   k.Timings,
		Telemetry: tel,
		Logger:    k.logger,
	}
}
