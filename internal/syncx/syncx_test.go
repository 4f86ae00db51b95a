package syncx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances by step on every read.
type fakeClock struct {
	mu   sync.Mutex
	t    float64
	step float64
}

func (c *fakeClock) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t += c.step
	return c.t
}

type frameClock struct {
	fakeClock
	frames atomic.Int32
}

func (c *frameClock) NextFrame() <-chan struct{} {
	c.frames.Add(1)
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeTransition struct {
	fire bool
	got  float64
}

func (f *fakeTransition) StartTransition(target float64, d time.Duration, easing string) <-chan struct{} {
	f.got = target
	ch := make(chan struct{})
	if f.fire {
		close(ch)
	}
	return ch
}

func TestWithTimeout_ReturnsValue(t *testing.T) {
	v, err := WithTimeout(context.Background(), time.Second, "fast", func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestWithTimeout_TimesOutWithLabel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	_, err := WithTimeout(context.Background(), 20*time.Millisecond, "slow op", func(context.Context) (int, error) {
		<-release
		return 1, nil
	})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Contains(t, err.Error(), "slow op")
}

func TestWithTimeout_DoesNotCancelWork(t *testing.T) {
	var finished atomic.Bool
	_, err := WithTimeout(context.Background(), 10*time.Millisecond, "bg", func(ctx context.Context) (int, error) {
		time.Sleep(40 * time.Millisecond)
		if ctx.Err() == nil {
			finished.Store(true)
		}
		return 0, nil
	})
	require.True(t, IsTimeout(err))
	assert.Eventually(t, finished.Load, time.Second, 5*time.Millisecond)
}

func TestWithTimeout_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := Run(context.Background(), time.Second, "x", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsTimeout(err))
}

func TestWithTimeout_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	block := make(chan struct{})
	defer close(block)
	err := Run(ctx, time.Second, "x", func(context.Context) error { <-block; return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForMediaTime_ReachesTarget(t *testing.T) {
	c := &fakeClock{step: 0.1}
	err := WaitForMediaTime(context.Background(), c, 1.0, MediaWait{Timeout: time.Second, Poll: time.Millisecond})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, c.t, 1.0-1.0/60)
}

func TestWaitForMediaTime_ToleranceApplied(t *testing.T) {
	c := &fakeClock{t: 0.95}
	err := WaitForMediaTime(context.Background(), c, 1.0, MediaWait{Tolerance: 0.1, Timeout: 50 * time.Millisecond})
	assert.NoError(t, err)
}

func TestWaitForMediaTime_Timeout(t *testing.T) {
	c := &fakeClock{}
	err := WaitForMediaTime(context.Background(), c, 5, MediaWait{Timeout: 30 * time.Millisecond, Poll: time.Millisecond})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Contains(t, err.Error(), "target=5.000")
}

func TestWaitForMediaTime_PrefersFrames(t *testing.T) {
	c := &frameClock{fakeClock: fakeClock{step: 0.5}}
	require.NoError(t, WaitForMediaTime(context.Background(), c, 2, MediaWait{Timeout: time.Second}))
	assert.Greater(t, c.frames.Load(), int32(0))
}

func TestWaitForMediaTime_NilElement(t *testing.T) {
	assert.ErrorIs(t, WaitForMediaTime(context.Background(), nil, 1, MediaWait{}), ErrNoMedia)
}

func TestTransitionEnd_EventFires(t *testing.T) {
	tr := &fakeTransition{fire: true}
	start := time.Now()
	require.NoError(t, TransitionEnd(context.Background(), tr, 0.5, time.Second, "ease"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 0.5, tr.got)
}

func TestTransitionEnd_FallbackTimer(t *testing.T) {
	tr := &fakeTransition{}
	start := time.Now()
	require.NoError(t, TransitionEnd(context.Background(), tr, 1, 20*time.Millisecond, "linear"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond+TransitionSlack)
}

func TestSignal_FireOnce(t *testing.T) {
	s := NewSignal()
	assert.False(t, s.IsFired())
	s.Fire()
	s.Fire()
	assert.True(t, s.IsFired())
	<-s.Done()
	assert.True(t, Fired().IsFired())
}

func TestFuture_Await(t *testing.T) {
	f := Go(context.Background(), func(context.Context) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return "ok", nil
	})
	v, err := f.Await(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	slow := Go(context.Background(), func(context.Context) (string, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	})
	_, err = slow.Await(context.Background(), 10*time.Millisecond)
	assert.True(t, IsTimeout(err))
}

func TestGeneration_TokensGoStale(t *testing.T) {
	var g Generation
	a := g.Next()
	assert.True(t, a.Valid())

	b := g.Next()
	assert.False(t, a.Valid())
	assert.True(t, b.Valid())

	g.Invalidate()
	assert.False(t, b.Valid())
	assert.False(t, Token{}.Valid())
}

func TestWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Wait(ctx, time.Second), context.Canceled)
	assert.NoError(t, Wait(context.Background(), time.Millisecond))
}
