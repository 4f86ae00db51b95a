// Package runstate holds the shared runtime state of the experience.
//
// The Runtime value is written by exactly one owner (the flow controller).
// Every other component receives a View, which exposes reads only.
package runstate

import "fmt"

// State is the top-level phase of the experience.
type State int

const (
	// Idle is the landing page with the hero scene and call-to-action.
	Idle State = iota
	// CinematicLoading covers preloading and playing the intro cinematic.
	CinematicLoading
	// LoadingParallax covers loading the gift scene behind the loading veil.
	LoadingParallax
	// ParallaxShown means the gift scene is visible, gift UI not yet shown.
	ParallaxShown
	// GiftOverlayShown means the gift can be opened.
	GiftOverlayShown
	// OpeningGift covers the gift-open animation.
	OpeningGift
	// ConfettiPlaying means the synced confetti overlay is running.
	ConfettiPlaying
	// Reveal shows the reward card.
	Reveal
	// ReturningHome covers the fade back to the landing page.
	ReturningHome
)

var stateNames = [...]string{
	Idle:             "idle",
	CinematicLoading: "cinematicLoading",
	LoadingParallax:  "loadingParallax",
	ParallaxShown:    "parallaxShown",
	GiftOverlayShown: "giftOverlayShown",
	OpeningGift:      "openingGift",
	ConfettiPlaying:  "confettiPlaying",
	Reveal:           "reveal",
	ReturningHome:    "returningHome",
}

// String returns the wire name of the state.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState resolves a wire name back to a State.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return Idle, fmt.Errorf("unknown state %q", name)
}

// States lists every state in declaration order.
func States() []State {
	out := make([]State, len(stateNames))
	for i := range stateNames {
		out[i] = State(i)
	}
	return out
}

// transitions is the table of legal forward moves. ReturningHome is
// reachable from every non-idle state and is handled in CanTransition.
var transitions = map[State][]State{
	Idle:             {CinematicLoading},
	CinematicLoading: {LoadingParallax},
	LoadingParallax:  {ParallaxShown},
	ParallaxShown:    {GiftOverlayShown},
	GiftOverlayShown: {OpeningGift},
	OpeningGift:      {ConfettiPlaying, Reveal},
	ConfettiPlaying:  {Reveal},
	Reveal:           {GiftOverlayShown},
	ReturningHome:    {Idle},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	if to == ReturningHome {
		return from != Idle && from != ReturningHome
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
