package headless

import (
	"sync"
	"time"

	"github.com/roach88/underthetree/internal/flow"
	"github.com/roach88/underthetree/internal/reward"
)

// UIState is a snapshot of the headless UI.
type UIState struct {
	Blackout       float64        `json:"blackout"`
	GiftUI         float64        `json:"gift_ui"`
	HeroVisible    bool           `json:"hero_visible"`
	HeroDisabled   bool           `json:"hero_disabled"`
	GiftDisabled   bool           `json:"gift_disabled"`
	LoaderVisible  bool           `json:"loader_visible"`
	LoaderProgress float64        `json:"loader_progress"`
	RevealShown    bool           `json:"reveal_shown"`
	RewardLoading  bool           `json:"reward_loading"`
	Reward         *reward.Reward `json:"reward,omitempty"`
	Toasts         []string       `json:"toasts,omitempty"`
	LoadErrors     []string       `json:"load_errors,omitempty"`
}

// UI implements flow.UI in memory.
//
// Fades apply their target after the nominal duration and then signal
// completion. With StallFades the target is still applied but the
// completion never fires. As with CSS transitions, a later Fade or
// SetOpacity on the same layer supersedes a pending one, whose target
// is then never applied.
//
// Thread-safety: all methods are safe for concurrent use.
type UI struct {
	StallFades bool
	// OnChange, when set, receives a snapshot after every mutation.
	OnChange func(UIState)

	mu      sync.Mutex
	s       UIState
	opacity map[flow.Layer]float64
	fades   map[flow.Layer]uint64
	loaders int
}

// NewUI returns a UI with the veil down and everything hidden.
func NewUI() *UI {
	return &UI{opacity: map[flow.Layer]float64{}, fades: map[flow.Layer]uint64{}}
}

func (u *UI) update(fn func(s *UIState)) {
	u.mu.Lock()
	fn(&u.s)
	snap := u.snapshotLocked()
	u.mu.Unlock()
	if u.OnChange != nil {
		u.OnChange(snap)
	}
}

// Fade implements flow.UI.
func (u *UI) Fade(layer flow.Layer, target float64, d time.Duration, _ string) <-chan struct{} {
	done := make(chan struct{})
	stall := u.StallFades
	u.mu.Lock()
	gen := u.supersedeLocked(layer)
	u.mu.Unlock()
	time.AfterFunc(d, func() {
		u.update(func(*UIState) {
			if u.fades[layer] == gen {
				u.opacity[layer] = target
			}
		})
		if !stall {
			close(done)
		}
	})
	return done
}

// SetOpacity implements flow.UI.
func (u *UI) SetOpacity(layer flow.Layer, v float64) {
	u.update(func(*UIState) {
		u.supersedeLocked(layer)
		u.opacity[layer] = v
	})
}

// supersedeLocked retires any pending fade on layer and returns the new
// fade generation.
func (u *UI) supersedeLocked(layer flow.Layer) uint64 {
	if u.fades == nil {
		u.fades = map[flow.Layer]uint64{}
	}
	u.fades[layer]++
	return u.fades[layer]
}

// Opacity returns the current opacity of layer.
func (u *UI) Opacity(layer flow.Layer) float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.opacity[layer]
}

// SetHeroVisible implements flow.UI.
func (u *UI) SetHeroVisible(v bool) { u.update(func(s *UIState) { s.HeroVisible = v }) }

// SetHeroDisabled implements flow.UI.
func (u *UI) SetHeroDisabled(v bool) { u.update(func(s *UIState) { s.HeroDisabled = v }) }

// SetGiftDisabled implements flow.UI.
func (u *UI) SetGiftDisabled(v bool) { u.update(func(s *UIState) { s.GiftDisabled = v }) }

// ShowLoader implements flow.UI.
func (u *UI) ShowLoader(string) {
	u.update(func(s *UIState) {
		u.loaders++
		s.LoaderVisible = true
		s.LoaderProgress = 0
	})
}

// SetLoaderProgress implements flow.UI.
func (u *UI) SetLoaderProgress(p float64) { u.update(func(s *UIState) { s.LoaderProgress = p }) }

// HideLoader implements flow.UI.
func (u *UI) HideLoader() { u.update(func(s *UIState) { s.LoaderVisible = false }) }

// LoaderShows returns how many times the loader was shown.
func (u *UI) LoaderShows() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.loaders
}

// ShowReveal implements flow.UI.
func (u *UI) ShowReveal(v bool) { u.update(func(s *UIState) { s.RevealShown = v }) }

// ShowReward implements flow.UI.
func (u *UI) ShowReward(r reward.Reward, loading bool) {
	u.update(func(s *UIState) {
		s.RewardLoading = loading
		if loading {
			s.Reward = nil
			return
		}
		s.Reward = &r
	})
}

// CloseReward implements flow.UI.
func (u *UI) CloseReward() {
	u.update(func(s *UIState) {
		s.Reward = nil
		s.RewardLoading = false
	})
}

// Toast implements flow.UI.
func (u *UI) Toast(msg string) { u.update(func(s *UIState) { s.Toasts = append(s.Toasts, msg) }) }

// ShowLoadError implements flow.UI.
func (u *UI) ShowLoadError(msg string) {
	u.update(func(s *UIState) { s.LoadErrors = append(s.LoadErrors, msg) })
}

// State returns a snapshot.
func (u *UI) State() UIState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.snapshotLocked()
}

func (u *UI) snapshotLocked() UIState {
	s := u.s
	s.Blackout = u.opacity[flow.LayerBlackout]
	s.GiftUI = u.opacity[flow.LayerGiftUI]
	s.Toasts = append([]string(nil), u.s.Toasts...)
	s.LoadErrors = append([]string(nil), u.s.LoadErrors...)
	if u.s.Reward != nil {
		r := *u.s.Reward
		s.Reward = &r
	}
	return s
}
