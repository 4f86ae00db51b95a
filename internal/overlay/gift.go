package overlay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/underthetree/internal/media"
	"github.com/roach88/underthetree/internal/runstate"
	"github.com/roach88/underthetree/internal/syncx"
)

// Frame selects what the gift preview shows.
type Frame string

const (
	FrameVideo  Frame = "video"
	FrameClosed Frame = "closed"
	FrameOpen   Frame = "open"
)

// GiftView is the visual side of the gift preview.
type GiftView interface {
	ShowFrame(f Frame)
	// SetFinalFrameLocked covers the video with the static open frame so
	// the last decoded frame never shows decode artifacts.
	SetFinalFrameLocked(locked bool)
}

// Defaults for GiftOptions.
const (
	DefaultEndedTimeout = 20 * time.Second
	DefaultLidOffset    = 2250 * time.Millisecond
	DefaultPaintDelay   = 2 * 16 * time.Millisecond
)

// GiftOptions configures a GiftPlayer.
type GiftOptions struct {
	View GiftView
	// Runtime supplies the reduced-motion flag.
	Runtime runstate.View
	// EndedTimeout bounds the wait for the ended event.
	EndedTimeout time.Duration
	// PaintDelay lets the final frame present before it is locked.
	PaintDelay time.Duration
	// LidOffset is when OnLid fires after playback starts.
	LidOffset time.Duration
	OnLid     func()
	Logger    *slog.Logger
}

// GiftPlayer plays the gift-open video.
//
// Thread-safety: all methods are safe for concurrent use.
type GiftPlayer struct {
	el   media.Element
	opts GiftOptions
	gen  syncx.Generation

	mu      sync.Mutex
	ended   *syncx.Signal
	retired *syncx.Signal
	lid     *time.Timer
	locked  bool
}

// NewGiftPlayer returns a player for el.
func NewGiftPlayer(el media.Element, opts GiftOptions) *GiftPlayer {
	if opts.EndedTimeout <= 0 {
		opts.EndedTimeout = DefaultEndedTimeout
	}
	if opts.PaintDelay <= 0 {
		opts.PaintDelay = DefaultPaintDelay
	}
	if opts.LidOffset <= 0 {
		opts.LidOffset = DefaultLidOffset
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &GiftPlayer{el: el, opts: opts}
}

// Element returns the gift video, for overlays synced to it.
func (p *GiftPlayer) Element() media.Element { return p.el }

// Locked reports whether the final frame lock is applied.
func (p *GiftPlayer) Locked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locked
}

// Open plays the gift from its closed frame. When the video ends, or its
// ended event does not arrive within EndedTimeout, the final frame is
// locked; a newer Open, Reset or Stop ends that wait at once without
// locking. Play failures and
// reduced motion show the static open frame instead and count as ended.
func (p *GiftPlayer) Open(ctx context.Context) error {
	tok := p.gen.Next()
	done := syncx.NewSignal()
	retired := syncx.NewSignal()

	p.mu.Lock()
	p.retireLocked()
	p.ended = done
	p.retired = retired
	p.mu.Unlock()

	p.setLocked(false)

	if p.reduced() || p.el == nil {
		p.show(FrameOpen)
		done.Fire()
		return nil
	}

	p.show(FrameVideo)
	p.el.Pause()
	p.el.Seek(0)
	if err := p.el.Play(ctx); err != nil {
		if ctx.Err() != nil {
			done.Fire()
			return ctx.Err()
		}
		p.opts.Logger.Debug("gift video refused to play, showing open frame", "error", err)
		p.show(FrameOpen)
		done.Fire()
		return nil
	}
	ended := p.el.Ended()

	if p.opts.OnLid != nil {
		p.mu.Lock()
		p.lid = time.AfterFunc(p.opts.LidOffset, func() {
			if tok.Valid() {
				p.opts.OnLid()
			}
		})
		p.mu.Unlock()
	}

	go p.finish(tok, ended, retired, done)
	return nil
}

// finish locks the final frame once playback ends. It returns as soon as
// the play is retired, so a stale completion never waits out EndedTimeout.
func (p *GiftPlayer) finish(tok syncx.Token, ended <-chan struct{}, retired, done *syncx.Signal) {
	defer done.Fire()
	if !tok.Valid() {
		return
	}

	timer := time.NewTimer(p.opts.EndedTimeout)
	defer timer.Stop()
	select {
	case <-ended:
	case <-retired.Done():
		return
	case <-timer.C:
		p.opts.Logger.Debug("gift video ended event missing", "after", p.opts.EndedTimeout)
	}
	if !tok.Valid() {
		return
	}

	paint := time.NewTimer(p.opts.PaintDelay)
	defer paint.Stop()
	select {
	case <-paint.C:
	case <-retired.Done():
		return
	}
	if !tok.Valid() {
		return
	}
	p.setLocked(true)
}

// retireLocked ends the pending completion and lid cue. p.mu must be held.
func (p *GiftPlayer) retireLocked() {
	if p.retired != nil {
		p.retired.Fire()
		p.retired = nil
	}
	if p.lid != nil {
		p.lid.Stop()
		p.lid = nil
	}
}

// WaitEnded blocks until the current Open has finished, bounded by d when
// d > 0. With no Open in flight it returns immediately.
func (p *GiftPlayer) WaitEnded(ctx context.Context, d time.Duration) error {
	p.mu.Lock()
	done := p.ended
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	return syncx.Await(ctx, done.Done(), d, "gift ended")
}

// EndedSignal returns the completion channel of the current Open.
func (p *GiftPlayer) EndedSignal() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended == nil {
		return syncx.Fired().Done()
	}
	return p.ended.Done()
}

// Reset returns the preview to its closed frame and retires any pending
// completion.
func (p *GiftPlayer) Reset() {
	p.gen.Invalidate()
	p.mu.Lock()
	p.retireLocked()
	p.mu.Unlock()
	p.setLocked(false)
	if p.el != nil {
		p.el.Pause()
		p.el.Seek(0)
	}
	if p.reduced() {
		p.show(FrameClosed)
		return
	}
	p.show(FrameVideo)
}

// Replay resets the preview and, when autoOpen is set, opens it again.
func (p *GiftPlayer) Replay(ctx context.Context, autoOpen bool) error {
	p.Reset()
	if !autoOpen {
		return nil
	}
	return p.Open(ctx)
}

// Stop retires pending work and pauses the video.
func (p *GiftPlayer) Stop() {
	p.gen.Invalidate()
	p.mu.Lock()
	p.retireLocked()
	p.mu.Unlock()
	if p.el != nil {
		p.el.Pause()
	}
}

func (p *GiftPlayer) reduced() bool {
	return p.opts.Runtime != nil && p.opts.Runtime.ReducedMotion()
}

func (p *GiftPlayer) show(f Frame) {
	if p.opts.View != nil {
		p.opts.View.ShowFrame(f)
	}
}

func (p *GiftPlayer) setLocked(locked bool) {
	p.mu.Lock()
	p.locked = locked
	p.mu.Unlock()
	if p.opts.View != nil {
		p.opts.View.SetFinalFrameLocked(locked)
	}
}
