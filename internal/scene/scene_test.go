package scene

import (
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoop_StartIsIdempotent(t *testing.T) {
	var frames atomic.Int32
	l := NewLoop("hero", func(Uniforms) { frames.Add(1) }, WithInterval(time.Millisecond))
	l.Start()
	l.Start()
	assert.Eventually(t, func() bool { return frames.Load() > 3 }, time.Second, time.Millisecond)
	l.Stop()
	assert.False(t, l.Running())
}

func TestLoop_StopIsIrreversible(t *testing.T) {
	var released atomic.Int32
	l := NewLoop("gift", nil, WithInterval(time.Millisecond), WithRelease(func() { released.Add(1) }))
	l.Start()
	l.Stop()
	l.Stop()
	l.Start()

	assert.True(t, l.Stopped())
	assert.False(t, l.Running())
	assert.Equal(t, int32(1), released.Load())

	frames := l.Frames()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, frames, l.Frames())
}

func TestLoop_PauseStopsRendering(t *testing.T) {
	l := NewLoop("hero", nil, WithInterval(time.Millisecond))
	l.Start()
	defer l.Stop()
	assert.Eventually(t, func() bool { return l.Frames() > 0 }, time.Second, time.Millisecond)

	l.Pause()
	time.Sleep(5 * time.Millisecond)
	paused := l.Frames()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, paused, l.Frames())

	l.Resume()
	assert.Eventually(t, func() bool { return l.Frames() > paused }, time.Second, time.Millisecond)
}

func TestLoop_SettersClamp(t *testing.T) {
	l := NewLoop("gift", nil)
	l.SetOpacity(2)
	l.SetBlurRadius(-5)
	assert.Equal(t, 1.0, l.Uniforms().Opacity)
	assert.Equal(t, 0.0, l.Uniforms().BlurRadius)

	l.SetOpacity(math.NaN())
	l.SetBlurRadius(1e9)
	assert.Equal(t, 0.0, l.Uniforms().Opacity)
	assert.Equal(t, MaxBlurRadius, l.Uniforms().BlurRadius)
}

func TestLoop_SettersSafeAfterStop(t *testing.T) {
	l := NewLoop("gift", nil)
	l.Stop()
	l.SetOpacity(0.4)
	l.SetInputEnabled(false)
	assert.Equal(t, 0.4, l.Uniforms().Opacity)
	assert.False(t, l.Uniforms().InputEnabled)
}

func TestLoop_RenderSeesUniforms(t *testing.T) {
	got := make(chan Uniforms, 64)
	l := NewLoop("gift", func(u Uniforms) {
		select {
		case got <- u:
		default:
		}
	}, WithInterval(time.Millisecond))
	l.SetOpacity(0.25)
	l.SetBlurRadius(12)
	l.Start()
	defer l.Stop()

	u := <-got
	assert.Equal(t, 0.25, u.Opacity)
	assert.Equal(t, 12.0, u.BlurRadius)
	assert.Equal(t, uint64(1), u.Frame)
}

var _ Controller = (*Loop)(nil)
