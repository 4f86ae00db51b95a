package headless

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/underthetree/internal/flow"
	"github.com/roach88/underthetree/internal/reward"
)

func TestUI_FadeAppliesTargetAndSignals(t *testing.T) {
	u := NewUI()
	done := u.Fade(flow.LayerGiftUI, 1, 5*time.Millisecond, "ease-out")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fade never completed")
	}
	assert.Equal(t, 1.0, u.Opacity(flow.LayerGiftUI))
	assert.Equal(t, 1.0, u.State().GiftUI)
}

func TestUI_LaterWriteSupersedesPendingFade(t *testing.T) {
	u := NewUI()
	slow := u.Fade(flow.LayerBlackout, 1, 40*time.Millisecond, "linear")
	u.SetOpacity(flow.LayerBlackout, 0)
	fast := u.Fade(flow.LayerGiftUI, 1, 5*time.Millisecond, "linear")

	for _, done := range []<-chan struct{}{slow, fast} {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("fade never completed")
		}
	}
	assert.Equal(t, 0.0, u.Opacity(flow.LayerBlackout))
	assert.Equal(t, 1.0, u.Opacity(flow.LayerGiftUI))
}

func TestUI_StalledFadeStillApplies(t *testing.T) {
	u := NewUI()
	u.StallFades = true
	done := u.Fade(flow.LayerBlackout, 1, 5*time.Millisecond, "linear")

	assert.Eventually(t, func() bool { return u.Opacity(flow.LayerBlackout) == 1 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("stalled fade signalled completion")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUI_RewardCard(t *testing.T) {
	u := NewUI()

	u.ShowReward(reward.Reward{}, true)
	s := u.State()
	assert.True(t, s.RewardLoading)
	assert.Nil(t, s.Reward)

	u.ShowReward(reward.Reward{Title: "Cocoa", Source: reward.SourceLocal}, false)
	s = u.State()
	assert.False(t, s.RewardLoading)
	require.NotNil(t, s.Reward)
	assert.Equal(t, "Cocoa", s.Reward.Title)

	u.CloseReward()
	assert.Nil(t, u.State().Reward)
}

func TestUI_SnapshotIsACopy(t *testing.T) {
	u := NewUI()
	u.Toast("one")
	s := u.State()
	s.Toasts[0] = "changed"

	assert.Equal(t, []string{"one"}, u.State().Toasts)
}

func TestUI_OnChange(t *testing.T) {
	u := NewUI()
	var last UIState
	u.OnChange = func(s UIState) { last = s }

	u.ShowLoader("Loading")
	assert.True(t, last.LoaderVisible)
	assert.Equal(t, 1, u.LoaderShows())

	u.HideLoader()
	assert.False(t, last.LoaderVisible)
}

func TestScenes_LoadGiftReportsProgress(t *testing.T) {
	s := NewScenes()
	s.LoadDelay = 8 * time.Millisecond

	var progress []float64
	gift, err := s.LoadGift(context.Background(), func(p float64) { progress = append(progress, p) })
	require.NoError(t, err)
	require.NotNil(t, gift)

	assert.Equal(t, []float64{0.25, 0.5, 0.75, 1}, progress)
	assert.NotNil(t, s.GiftLoop())
}

func TestScenes_LoadGiftError(t *testing.T) {
	s := NewScenes()
	s.LoadErr = true

	_, err := s.LoadGift(context.Background(), nil)
	require.ErrorIs(t, err, ErrSceneLoad)
	assert.Nil(t, s.GiftLoop())
}

func TestScenes_LoadGiftCancelled(t *testing.T) {
	s := NewScenes()
	s.LoadDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.LoadGift(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSound_State(t *testing.T) {
	var s Sound
	require.NoError(t, s.Start(context.Background()))
	s.SetMuted(true)
	s.Pause()

	started, muted, paused := s.State()
	assert.True(t, started)
	assert.True(t, muted)
	assert.True(t, paused)

	s.Resume()
	_, _, paused = s.State()
	assert.False(t, paused)
}
