// Package anim holds easing curves and a frame-driven tween loop.
package anim

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"
)

// FrameInterval is the default step of Animate, roughly 60Hz.
const FrameInterval = 16 * time.Millisecond

// Clamp bounds v to [lo, hi]. NaN clamps to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Lerp interpolates between a and b.
func Lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// Easing maps linear progress in [0,1] to eased progress.
type Easing func(float64) float64

// Linear is the identity easing.
func Linear(t float64) float64 { return t }

// EaseOutCubic decelerates towards the end.
func EaseOutCubic(t float64) float64 {
	u := 1 - t
	return 1 - u*u*u
}

// CubicBezier builds an easing from CSS-style control points. x is solved
// by Newton iteration with a bisection fallback.
func CubicBezier(x1, y1, x2, y2 float64) Easing {
	x1, x2 = Clamp(x1, 0, 1), Clamp(x2, 0, 1)
	cx := 3 * x1
	bx := 3*(x2-x1) - cx
	ax := 1 - cx - bx
	cy := 3 * y1
	by := 3*(y2-y1) - cy
	ay := 1 - cy - by

	sampleX := func(t float64) float64 { return ((ax*t+bx)*t + cx) * t }
	sampleY := func(t float64) float64 { return ((ay*t+by)*t + cy) * t }
	slopeX := func(t float64) float64 { return (3*ax*t+2*bx)*t + cx }

	solve := func(x float64) float64 {
		t := x
		for i := 0; i < 8; i++ {
			dx := sampleX(t) - x
			if math.Abs(dx) < 1e-6 {
				return t
			}
			d := slopeX(t)
			if math.Abs(d) < 1e-6 {
				break
			}
			t -= dx / d
		}
		lo, hi := 0.0, 1.0
		t = x
		for i := 0; i < 32 && lo < hi; i++ {
			v := sampleX(t)
			if math.Abs(v-x) < 1e-6 {
				break
			}
			if x > v {
				lo = t
			} else {
				hi = t
			}
			t = (lo + hi) / 2
		}
		return t
	}

	return func(x float64) float64 {
		x = Clamp(x, 0, 1)
		if x == 0 || x == 1 {
			return x
		}
		return sampleY(solve(x))
	}
}

// ParseEasing understands "linear", "ease-out" and "cubic-bezier(a,b,c,d)".
// Anything else falls back to Linear.
func ParseEasing(s string) Easing {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "", "linear":
		return Linear
	case "ease":
		return CubicBezier(0.25, 0.1, 0.25, 1)
	case "ease-out":
		return CubicBezier(0, 0, 0.58, 1)
	case "ease-in-out":
		return CubicBezier(0.42, 0, 0.58, 1)
	}
	if !strings.HasPrefix(s, "cubic-bezier(") || !strings.HasSuffix(s, ")") {
		return Linear
	}
	parts := strings.Split(s[len("cubic-bezier("):len(s)-1], ",")
	if len(parts) != 4 {
		return Linear
	}
	var p [4]float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return Linear
		}
		p[i] = v
	}
	return CubicBezier(p[0], p[1], p[2], p[3])
}

// Animate calls step once per interval with the elapsed time until step
// returns true or ctx is done. The first call happens immediately with
// zero elapsed.
func Animate(ctx context.Context, interval time.Duration, step func(elapsed time.Duration) bool) error {
	if interval <= 0 {
		interval = FrameInterval
	}
	start := time.Now()
	if step(0) {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if step(time.Since(start)) {
				return nil
			}
		}
	}
}

// Tween drives apply from 0 to 1 over d with the given easing. apply
// always receives a final 1 unless ctx ends first.
func Tween(ctx context.Context, d time.Duration, ease Easing, apply func(v float64)) error {
	if ease == nil {
		ease = Linear
	}
	if d <= 0 {
		apply(1)
		return nil
	}
	return Animate(ctx, FrameInterval, func(elapsed time.Duration) bool {
		u := Clamp(float64(elapsed)/float64(d), 0, 1)
		apply(ease(u))
		return u >= 1
	})
}
