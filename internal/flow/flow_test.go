package flow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/underthetree/internal/anim"
	"github.com/roach88/underthetree/internal/config"
	"github.com/roach88/underthetree/internal/flow"
	"github.com/roach88/underthetree/internal/headless"
	"github.com/roach88/underthetree/internal/overlay"
	"github.com/roach88/underthetree/internal/remote"
	"github.com/roach88/underthetree/internal/reward"
	"github.com/roach88/underthetree/internal/runstate"
	"github.com/roach88/underthetree/internal/telemetry"
)

func fastTimings() config.Timings {
	return config.Timings{
		CinematicLoad:     400 * time.Millisecond,
		CinematicSafety:   50 * time.Millisecond,
		Crossfade:         30 * time.Millisecond,
		BlurRamp:          40 * time.Millisecond,
		CrossfadeSlack:    100 * time.Millisecond,
		GiftUIDelay:       5 * time.Millisecond,
		GiftUIFadeIn:      10 * time.Millisecond,
		ConfettiOffset:    20 * time.Millisecond,
		ConfettiFadeOut:   10 * time.Millisecond,
		GiftEndedCeiling:  500 * time.Millisecond,
		RewardHardTimeout: 300 * time.Millisecond,
		RewardOpenBudget:  2 * time.Second,
		EnrichPoll:        20 * time.Millisecond,
		EnrichJoin:        10 * time.Millisecond,
		ReturnHome:        time.Second,
		FadeToBlack:       10 * time.Millisecond,
		FadeFromBlack:     10 * time.Millisecond,
		LoaderMinimum:     10 * time.Millisecond,
		HeroUIDelay:       5 * time.Millisecond,
	}
}

func fastMedia() headless.MediaDurations {
	return headless.MediaDurations{
		Cinematic: 50 * time.Millisecond,
		GiftOpen:  80 * time.Millisecond,
		Confetti:  40 * time.Millisecond,
	}
}

type recorder struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (r *recorder) Emit(name string, props map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, telemetry.Event{Name: name, Props: props})
}

func (r *recorder) named(name string) []telemetry.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []telemetry.Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) timeoutSteps() []string {
	var out []string
	for _, ev := range r.named(telemetry.EventFlowTimeout) {
		out = append(out, ev.Props["step"].(string))
	}
	return out
}

type stubRewards struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	r     reward.Reward
}

func (s *stubRewards) Open(ctx context.Context, userID string) (string, <-chan reward.Reward) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	ch := make(chan reward.Reward, 1)
	go func() {
		select {
		case <-time.After(s.delay):
			ch <- s.r
		case <-ctx.Done():
		}
	}()
	return "op-1", ch
}

func (s *stubRewards) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type harness struct {
	kit   *headless.Kit
	ctl   *flow.Controller
	tel   *recorder
	mu    sync.Mutex
	trail []runstate.State
}

func (h *harness) states() []runstate.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]runstate.State(nil), h.trail...)
}

func newHarness(t *testing.T, kopts headless.KitOptions, rewards flow.Rewards, mutate ...func(*flow.Options)) *harness {
	t.Helper()
	if kopts.Media == (headless.MediaDurations{}) {
		kopts.Media = fastMedia()
	}
	if kopts.Timings == (config.Timings{}) {
		kopts.Timings = fastTimings()
	}
	h := &harness{kit: headless.NewKit(kopts), tel: &recorder{}}
	h.kit.Runtime.Observe(func(tr runstate.Transition) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.trail = append(h.trail, tr.To)
	})
	opts := h.kit.Options(rewards, h.tel)
	for _, fn := range mutate {
		fn(&opts)
	}
	h.ctl = flow.New(opts)
	t.Cleanup(h.ctl.Close)
	return h
}

func (h *harness) enter(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.True(t, h.ctl.Start(ctx))
	require.True(t, h.ctl.Enter(ctx))
	require.Equal(t, runstate.GiftOverlayShown, h.ctl.State())
}

func TestEnter_ReachesGiftOverlay(t *testing.T) {
	h := newHarness(t, headless.KitOptions{}, nil)
	h.enter(t)

	assert.Equal(t, []runstate.State{
		runstate.CinematicLoading,
		runstate.LoadingParallax,
		runstate.ParallaxShown,
		runstate.GiftOverlayShown,
	}, h.states())

	ui := h.kit.UI.State()
	assert.Equal(t, 0.0, ui.Blackout)
	assert.Equal(t, 1.0, ui.GiftUI)
	assert.False(t, ui.LoaderVisible)
	assert.False(t, ui.GiftDisabled)
	assert.False(t, ui.HeroVisible)
	assert.Equal(t, 1.0, ui.LoaderProgress)

	gift := h.kit.Scenes.GiftLoop()
	require.NotNil(t, gift)
	assert.True(t, gift.Running())
	assert.Equal(t, 1.0, gift.Uniforms().Opacity)
	assert.InDelta(t, flow.DefaultBaseBlur, gift.Uniforms().BlurRadius, 1e-9)
	assert.True(t, h.kit.Scenes.HeroLoop().Paused())
	assert.Empty(t, h.tel.timeoutSteps())
	assert.Len(t, h.tel.named(telemetry.EventFlowTransition), 4)
}

func TestEnter_RequiresStart(t *testing.T) {
	h := newHarness(t, headless.KitOptions{}, nil)
	assert.False(t, h.ctl.Enter(context.Background()))
	assert.Equal(t, runstate.Idle, h.ctl.State())
}

func TestEnter_IgnoredWhenNotIdle(t *testing.T) {
	h := newHarness(t, headless.KitOptions{}, nil)
	h.enter(t)
	assert.False(t, h.ctl.Enter(context.Background()))
	assert.False(t, h.ctl.Start(context.Background()))
	assert.Equal(t, runstate.GiftOverlayShown, h.ctl.State())
}

func TestEnter_CinematicStallHitsCeiling(t *testing.T) {
	timings := fastTimings()
	timings.CinematicLoad = 80 * time.Millisecond
	timings.CinematicSafety = 20 * time.Millisecond
	h := newHarness(t, headless.KitOptions{Timings: timings, CinematicStalls: true}, nil)

	start := time.Now()
	h.enter(t)

	assert.Less(t, time.Since(start), time.Second)
	assert.Contains(t, h.tel.timeoutSteps(), "cinematic")
	assert.Equal(t, 0.0, h.kit.UI.State().Blackout)
}

func TestEnter_CrossfadeTimeoutConverges(t *testing.T) {
	stalled := func(ctx context.Context, d time.Duration, ease anim.Easing, apply func(v float64)) error {
		apply(0.4)
		<-ctx.Done()
		return ctx.Err()
	}
	h := newHarness(t, headless.KitOptions{}, nil, func(o *flow.Options) { o.Tween = stalled })
	h.enter(t)

	gift := h.kit.Scenes.GiftLoop()
	require.NotNil(t, gift)
	assert.Equal(t, 1.0, gift.Uniforms().Opacity)
	assert.InDelta(t, flow.DefaultBaseBlur, gift.Uniforms().BlurRadius, 1e-9)

	ui := h.kit.UI.State()
	assert.Equal(t, 0.0, ui.Blackout)
	assert.False(t, ui.LoaderVisible)
	assert.Contains(t, h.tel.timeoutSteps(), "crossfade")
}

func TestEnter_StalledFadesStillShowGiftUI(t *testing.T) {
	h := newHarness(t, headless.KitOptions{StallFades: true}, nil)
	h.enter(t)
	assert.Equal(t, 1.0, h.kit.UI.State().GiftUI)
}

func TestEnter_SceneLoadErrorRestoresHome(t *testing.T) {
	h := newHarness(t, headless.KitOptions{LoadErr: true}, nil)
	ctx := context.Background()
	require.True(t, h.ctl.Start(ctx))
	require.True(t, h.ctl.Enter(ctx))

	assert.Equal(t, runstate.Idle, h.ctl.State())
	ui := h.kit.UI.State()
	assert.Equal(t, []string{flow.LoadErrorMessage}, ui.LoadErrors)
	assert.False(t, ui.LoaderVisible)
	assert.True(t, ui.HeroVisible)
	assert.False(t, ui.HeroDisabled)
	assert.Equal(t, 0.0, ui.Blackout)
	assert.False(t, h.kit.Scenes.HeroLoop().Paused())

	// The call to action works again.
	h.kit.Scenes.LoadErr = false
	assert.True(t, h.ctl.Enter(ctx))
	assert.Equal(t, runstate.GiftOverlayShown, h.ctl.State())
}

func TestOpenGift_RevealsAndShowsReward(t *testing.T) {
	rewards := &stubRewards{r: reward.Reward{Title: "Wool Mittens", Source: reward.SourceRemote}}
	h := newHarness(t, headless.KitOptions{}, rewards)
	h.enter(t)

	require.True(t, h.ctl.OpenGift(context.Background()))
	assert.Equal(t, runstate.Reveal, h.ctl.State())
	h.ctl.Wait()

	states := h.states()
	assert.Equal(t, []runstate.State{
		runstate.OpeningGift, runstate.ConfettiPlaying, runstate.Reveal,
	}, states[len(states)-3:])

	ui := h.kit.UI.State()
	assert.True(t, ui.RevealShown)
	require.NotNil(t, ui.Reward)
	assert.Equal(t, "Wool Mittens", ui.Reward.Title)
	assert.False(t, ui.RewardLoading)
	assert.False(t, ui.GiftDisabled)
	assert.Equal(t, []string{flow.OpeningToast}, ui.Toasts)

	frame, locked, _ := h.kit.GiftView.State()
	assert.Equal(t, overlay.FrameVideo, frame)
	assert.True(t, locked)
	assert.Equal(t, 1, rewards.Calls())
	assert.Len(t, h.tel.named(telemetry.EventGiftOpened), 1)
	assert.Len(t, h.tel.named(telemetry.EventRewardShown), 1)
}

func TestOpenGift_IgnoredOutsideGiftOverlay(t *testing.T) {
	h := newHarness(t, headless.KitOptions{}, nil)
	assert.False(t, h.ctl.OpenGift(context.Background()))
	assert.False(t, h.ctl.MoreGifts(context.Background()))
	assert.Equal(t, runstate.Idle, h.ctl.State())
}

type hangingStore struct{}

func (hangingStore) Configured() bool { return true }

func (hangingStore) OpenGiftForUser(ctx context.Context, userID, clientOpID string) (*remote.Open, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (hangingStore) FindOpenByClientOp(context.Context, string) (*remote.Open, error) {
	return nil, nil
}

func (hangingStore) LatestOpen(context.Context, string) (*remote.Open, error) { return nil, nil }

func TestOpenGift_RewardTimeoutNeverBlocksReveal(t *testing.T) {
	timings := fastTimings()
	f := reward.New(reward.Options{
		Store:          hangingStore{},
		Rand:           func() float64 { return 0.99 },
		OpenBudget:     timings.RewardOpenBudget,
		HardTimeout:    timings.RewardHardTimeout,
		EnrichJoin:     timings.EnrichJoin,
		EnrichPoll:     timings.EnrichPoll,
		EnrichWindow:   50 * time.Millisecond,
		PollByClientOp: 5 * time.Millisecond,
		PollLatest:     5 * time.Millisecond,
		LastSeenBudget: 20 * time.Millisecond,
	})
	h := newHarness(t, headless.KitOptions{Timings: timings}, flow.FetcherRewards{Fetcher: f})
	h.enter(t)

	start := time.Now()
	require.True(t, h.ctl.OpenGift(context.Background()))
	assert.Equal(t, runstate.Reveal, h.ctl.State())
	assert.Less(t, time.Since(start), timings.RewardHardTimeout)
	assert.True(t, h.kit.UI.State().RevealShown)

	h.ctl.Wait()
	ui := h.kit.UI.State()
	require.NotNil(t, ui.Reward)
	assert.Equal(t, reward.PlaceholderTitle, ui.Reward.Title)
	assert.Equal(t, reward.SourcePlaceholder, ui.Reward.Source)
	assert.False(t, ui.GiftDisabled)
}

func TestOpenGift_ReducedMotionSkipsConfetti(t *testing.T) {
	rewards := &stubRewards{r: reward.Reward{Title: "Cocoa"}}
	h := newHarness(t, headless.KitOptions{ReducedMotion: true}, rewards)
	h.enter(t)

	require.True(t, h.ctl.OpenGift(context.Background()))
	h.ctl.Wait()

	assert.NotContains(t, h.states(), runstate.ConfettiPlaying)
	assert.Equal(t, runstate.Reveal, h.ctl.State())
	frame, _, _ := h.kit.GiftView.State()
	assert.Equal(t, overlay.FrameOpen, frame)
	assert.False(t, h.kit.Confetti.Started())
	assert.Zero(t, h.kit.GiftVideo.Plays())
}

func TestOpenGift_GiftNeverEndsHitsCeiling(t *testing.T) {
	timings := fastTimings()
	timings.GiftEndedCeiling = 100 * time.Millisecond
	h := newHarness(t, headless.KitOptions{Timings: timings, GiftNeverEnds: true}, nil)
	h.enter(t)

	start := time.Now()
	require.True(t, h.ctl.OpenGift(context.Background()))
	assert.Equal(t, runstate.Reveal, h.ctl.State())
	assert.Less(t, time.Since(start), time.Second)
}

func TestOpenGift_SuppressNextOpen(t *testing.T) {
	rewards := &stubRewards{r: reward.Reward{Title: "Cocoa"}}
	h := newHarness(t, headless.KitOptions{}, rewards)
	h.enter(t)

	h.ctl.SuppressNextOpen(true, true)
	require.True(t, h.ctl.OpenGift(context.Background()))
	h.ctl.Wait()

	assert.Zero(t, rewards.Calls())
	ui := h.kit.UI.State()
	assert.Nil(t, ui.Reward)
	assert.False(t, ui.GiftDisabled)
	assert.Empty(t, ui.Toasts)

	// Flags are consumed by one open.
	require.True(t, h.ctl.MoreGifts(context.Background()))
	h.ctl.Wait()
	assert.Equal(t, 1, rewards.Calls())
}

func TestMoreGifts_ReplaysOpen(t *testing.T) {
	rewards := &stubRewards{r: reward.Reward{Title: "Cocoa"}}
	h := newHarness(t, headless.KitOptions{}, rewards)
	h.enter(t)

	require.True(t, h.ctl.OpenGift(context.Background()))
	h.ctl.Wait()
	require.True(t, h.ctl.MoreGifts(context.Background()))
	h.ctl.Wait()

	assert.Equal(t, runstate.Reveal, h.ctl.State())
	assert.Equal(t, 2, rewards.Calls())
	assert.Equal(t, 2, h.kit.GiftVideo.Plays())
	_, _, locks := h.kit.GiftView.State()
	assert.Equal(t, 2, locks)
	require.NotNil(t, h.kit.UI.State().Reward)
}

func TestReturnHome_RestoresLanding(t *testing.T) {
	rewards := &stubRewards{r: reward.Reward{Title: "Cocoa"}}
	h := newHarness(t, headless.KitOptions{}, rewards)
	h.enter(t)
	require.True(t, h.ctl.OpenGift(context.Background()))
	h.ctl.Wait()

	require.True(t, h.ctl.ReturnHome(context.Background()))
	assert.Equal(t, runstate.Idle, h.ctl.State())

	ui := h.kit.UI.State()
	assert.Equal(t, 0.0, ui.Blackout)
	assert.Equal(t, 0.0, ui.GiftUI)
	assert.True(t, ui.HeroVisible)
	assert.False(t, ui.HeroDisabled)
	assert.False(t, ui.LoaderVisible)
	assert.False(t, ui.RevealShown)
	assert.Nil(t, ui.Reward)
	assert.True(t, h.kit.Scenes.GiftLoop().Stopped())
	assert.False(t, h.kit.Scenes.HeroLoop().Paused())
	assert.False(t, h.kit.Confetti.Started())
	assert.Empty(t, h.tel.timeoutSteps())

	assert.False(t, h.ctl.ReturnHome(context.Background()))
}

func TestReturnHome_TimeoutConverges(t *testing.T) {
	timings := fastTimings()
	timings.ReturnHome = 60 * time.Millisecond
	h := newHarness(t, headless.KitOptions{Timings: timings, SceneStopWait: 500 * time.Millisecond}, nil)
	h.enter(t)

	start := time.Now()
	require.True(t, h.ctl.ReturnHome(context.Background()))
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	assert.Equal(t, runstate.Idle, h.ctl.State())
	ui := h.kit.UI.State()
	assert.True(t, ui.HeroVisible)
	assert.False(t, ui.LoaderVisible)
	assert.Equal(t, 0.0, ui.Blackout)
	assert.Contains(t, h.tel.timeoutSteps(), "return_home")
}

func TestReturnHome_TimeoutLandsOnceAcrossRuns(t *testing.T) {
	timings := fastTimings()
	timings.ReturnHome = 60 * time.Millisecond
	const stopWait = 150 * time.Millisecond

	for i := 0; i < 10; i++ {
		h := newHarness(t, headless.KitOptions{Timings: timings, SceneStopWait: stopWait}, nil)
		h.enter(t)
		require.True(t, h.ctl.ReturnHome(context.Background()))

		landed := h.kit.UI.State()
		require.Equal(t, runstate.Idle, h.ctl.State(), "run %d", i)
		require.Equal(t, 0.0, landed.Blackout, "run %d", i)
		require.True(t, landed.HeroVisible, "run %d", i)
		require.False(t, landed.LoaderVisible, "run %d", i)

		// The overrun teardown finishes later and must not write again.
		time.Sleep(stopWait + 50*time.Millisecond)
		after := h.kit.UI.State()
		assert.Equal(t, 0.0, after.Blackout, "run %d", i)
		assert.Equal(t, landed.LoaderProgress, after.LoaderProgress, "run %d", i)
		assert.True(t, after.HeroVisible, "run %d", i)
		assert.Equal(t, runstate.Idle, h.ctl.State(), "run %d", i)
		assert.Len(t, h.tel.named(telemetry.EventFlowTimeout), 1, "run %d", i)
	}
}

func TestReturnHome_DuringSceneLoadReleasesLateScene(t *testing.T) {
	tests := []struct {
		name      string
		loadDelay time.Duration
	}{
		{"load finishes during teardown", 120 * time.Millisecond},
		{"load finishes after landing", 600 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, headless.KitOptions{LoadDelay: tt.loadDelay}, nil)
			ctx := context.Background()
			require.True(t, h.ctl.Start(ctx))

			entered := make(chan bool, 1)
			go func() { entered <- h.ctl.Enter(ctx) }()
			require.Eventually(t, func() bool {
				return h.ctl.State() == runstate.LoadingParallax
			}, time.Second, time.Millisecond)

			require.True(t, h.ctl.ReturnHome(ctx))
			select {
			case ok := <-entered:
				assert.True(t, ok)
			case <-time.After(2 * time.Second):
				t.Fatal("enter did not return")
			}

			assert.Equal(t, runstate.Idle, h.ctl.State())
			gift := h.kit.Scenes.GiftLoop()
			require.NotNil(t, gift)
			assert.True(t, gift.Stopped())
			assert.False(t, gift.Running())

			ui := h.kit.UI.State()
			assert.Equal(t, 0.0, ui.Blackout)
			assert.True(t, ui.HeroVisible)
			assert.False(t, ui.LoaderVisible)
			assert.Empty(t, ui.LoadErrors)
			assert.False(t, h.kit.Scenes.HeroLoop().Paused())
		})
	}
}

func TestReturnHome_DropsStaleReward(t *testing.T) {
	rewards := &stubRewards{delay: 150 * time.Millisecond, r: reward.Reward{Title: "Late"}}
	h := newHarness(t, headless.KitOptions{}, rewards)
	h.enter(t)
	require.True(t, h.ctl.OpenGift(context.Background()))
	require.True(t, h.ctl.ReturnHome(context.Background()))

	h.ctl.Wait()
	ui := h.kit.UI.State()
	assert.Nil(t, ui.Reward)
	assert.Empty(t, h.tel.named(telemetry.EventRewardShown))
}

func TestReturnHome_FromIdleIgnored(t *testing.T) {
	h := newHarness(t, headless.KitOptions{}, nil)
	assert.False(t, h.ctl.ReturnHome(context.Background()))
}

func TestStart_ShowsHeroUIAfterDelay(t *testing.T) {
	h := newHarness(t, headless.KitOptions{Muted: true}, nil)
	require.True(t, h.ctl.Start(context.Background()))

	require.Eventually(t, func() bool { return h.kit.UI.State().HeroVisible }, time.Second, 5*time.Millisecond)
	started, muted, _ := h.kit.Sound.State()
	assert.True(t, started)
	assert.True(t, muted)
	assert.True(t, h.kit.Scenes.HeroLoop().Running())
}

func TestStart_MuteOnReducedMotion(t *testing.T) {
	var changes []bool
	h := newHarness(t, headless.KitOptions{ReducedMotion: true}, nil, func(o *flow.Options) {
		o.MuteOnReducedMotion = true
		o.OnMutedChange = func(m bool) { changes = append(changes, m) }
	})
	require.True(t, h.ctl.Start(context.Background()))
	assert.Equal(t, []bool{true}, changes)
	assert.True(t, h.ctl.Runtime().Muted())
}

func TestSetVisible_PausesScenesAndSound(t *testing.T) {
	h := newHarness(t, headless.KitOptions{}, nil)
	h.enter(t)

	h.ctl.SetVisible(false)
	assert.True(t, h.kit.Scenes.HeroLoop().Paused())
	assert.True(t, h.kit.Scenes.GiftLoop().Paused())
	_, _, paused := h.kit.Sound.State()
	assert.True(t, paused)
	assert.False(t, h.ctl.Runtime().Snapshot().Visible)

	h.ctl.SetVisible(true)
	assert.False(t, h.kit.Scenes.GiftLoop().Paused())
	_, _, paused = h.kit.Sound.State()
	assert.False(t, paused)
}

func TestRun_HandlesQueuedActions(t *testing.T) {
	rewards := &stubRewards{r: reward.Reward{Title: "Cocoa"}}
	h := newHarness(t, headless.KitOptions{}, rewards)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.ctl.Run(ctx) }()

	for _, a := range []flow.Action{flow.ActionStart, flow.ActionEnter, flow.ActionEnter, flow.ActionOpenGift} {
		require.True(t, h.ctl.Dispatch(a))
	}
	require.Eventually(t, func() bool { return h.ctl.State() == runstate.Reveal }, 2*time.Second, 5*time.Millisecond)

	require.True(t, h.ctl.Dispatch(flow.ActionMute))
	assert.True(t, h.ctl.Runtime().Muted())

	require.True(t, h.ctl.Dispatch(flow.ActionBackHome))
	require.Eventually(t, func() bool {
		return h.ctl.State() == runstate.Idle && h.ctl.Pending() == 0
	}, 2*time.Second, 5*time.Millisecond)

	h.ctl.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.False(t, h.ctl.Dispatch(flow.ActionEnter))
}

func TestParseAction(t *testing.T) {
	a, err := flow.ParseAction("open_gift")
	require.NoError(t, err)
	assert.Equal(t, flow.ActionOpenGift, a)

	_, err = flow.ParseAction("dance")
	assert.Error(t, err)
}
