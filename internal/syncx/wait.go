package syncx

import (
	"context"
	"fmt"
	"math"
	"time"
)

// DefaultPollInterval approximates one display frame.
const DefaultPollInterval = 16 * time.Millisecond

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WithTimeout runs fn and waits at most d for its result.
//
// On timeout it returns a *TimeoutError labeled with label. fn keeps
// running with the caller's ctx; it is not cancelled. A d <= 0 waits
// without a ceiling.
func WithTimeout[T any](ctx context.Context, d time.Duration, label string, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	var zero T
	select {
	case r := <-done:
		return r.v, r.err
	case <-timeout:
		return zero, &TimeoutError{Label: label, After: d}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Run is WithTimeout for functions without a result value.
func Run(ctx context.Context, d time.Duration, label string, fn func(context.Context) error) error {
	_, err := WithTimeout(ctx, d, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Await waits for ch to close or receive, bounded by d.
func Await(ctx context.Context, ch <-chan struct{}, d time.Duration, label string) error {
	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ch:
		return nil
	case <-timeout:
		return &TimeoutError{Label: label, After: d}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MediaClock is the part of a media element a time wait needs.
type MediaClock interface {
	// CurrentTime returns the playback position in seconds.
	CurrentTime() float64
}

// FrameNotifier is implemented by media that can signal each presented
// frame. WaitForMediaTime prefers it over polling.
type FrameNotifier interface {
	NextFrame() <-chan struct{}
}

// MediaWait tunes WaitForMediaTime.
type MediaWait struct {
	// Tolerance is subtracted from the target; defaults to one frame at 60Hz.
	Tolerance float64
	// Timeout defaults to 8s.
	Timeout time.Duration
	// Poll is the fallback polling interval when frames are not available.
	Poll time.Duration
}

func (w MediaWait) withDefaults() MediaWait {
	if w.Tolerance <= 0 || math.IsNaN(w.Tolerance) {
		w.Tolerance = 1.0 / 60
	}
	if w.Timeout <= 0 {
		w.Timeout = 8 * time.Second
	}
	if w.Poll <= 0 {
		w.Poll = DefaultPollInterval
	}
	return w
}

// WaitForMediaTime returns once m's playback position reaches
// target-tolerance. It checks once per presented frame when m is a
// FrameNotifier and polls otherwise.
func WaitForMediaTime(ctx context.Context, m MediaClock, target float64, opts MediaWait) error {
	if m == nil {
		return ErrNoMedia
	}
	opts = opts.withDefaults()
	threshold := math.Max(0, target-opts.Tolerance)

	reached := func() bool {
		t := m.CurrentTime()
		return !math.IsNaN(t) && t >= threshold
	}
	if reached() {
		return nil
	}

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()

	frames, hasFrames := m.(FrameNotifier)
	var ticker *time.Ticker
	if !hasFrames {
		ticker = time.NewTicker(opts.Poll)
		defer ticker.Stop()
	}

	for {
		var tick <-chan struct{}
		var pollTick <-chan time.Time
		if hasFrames {
			tick = frames.NextFrame()
		} else {
			pollTick = ticker.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &TimeoutError{
				Label:  "waitForMediaTime",
				After:  opts.Timeout,
				Detail: fmt.Sprintf("target=%.3f current=%.3f", target, m.CurrentTime()),
			}
		case <-tick:
		case <-pollTick:
		}
		if reached() {
			return nil
		}
	}
}

// Transitioner starts a property transition and reports its completion
// event. The returned channel may never fire; TransitionEnd covers that.
type Transitioner interface {
	StartTransition(target float64, d time.Duration, easing string) <-chan struct{}
}

// TransitionSlack is added to the nominal duration before the fallback
// timer resolves a transition whose completion event never arrived.
const TransitionSlack = 50 * time.Millisecond

// TransitionEnd starts a transition on t and returns when its completion
// event fires or d+TransitionSlack elapses, whichever is first. A missing
// event is not an error.
func TransitionEnd(ctx context.Context, t Transitioner, target float64, d time.Duration, easing string) error {
	if t == nil {
		return nil
	}
	ended := t.StartTransition(target, d, easing)
	fallback := time.NewTimer(d + TransitionSlack)
	defer fallback.Stop()
	select {
	case <-ended:
	case <-fallback.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
