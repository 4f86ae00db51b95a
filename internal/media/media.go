// Package media defines the playback surface the overlay and flow layers
// drive, plus a wall-clock Simulated element used headless and in tests.
package media

import (
	"context"
	"errors"
)

// Element is a playable, seekable media element.
type Element interface {
	// CurrentTime returns the playback position in seconds.
	CurrentTime() float64
	// Duration returns the length in seconds, or 0 when unknown.
	Duration() float64
	// Play starts or resumes playback. It returns an error when the
	// platform refuses to play (autoplay policy, decode failure).
	Play(ctx context.Context) error
	Pause()
	Seek(seconds float64)
	SetPlaybackRate(rate float64)
	PlaybackRate() float64
	// Ended returns the completion channel of the current playback. Each
	// Play that restarts from the end or after a Seek gets a fresh channel;
	// callers must capture it right after Play.
	Ended() <-chan struct{}
	// Unload releases decoded resources. The element may be reused after
	// a new Play.
	Unload()
}

// ErrPlayRejected is returned by Play when playback is refused.
var ErrPlayRejected = errors.New("media: play rejected")

// Factory creates elements lazily.
type Factory func() (Element, error)
