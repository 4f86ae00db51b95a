// Package overlay sequences time-based media layers: the gift-open video
// with its final-frame lock, and a confetti overlay started relative to a
// position in another element.
//
// Every play takes a syncx.Token. Deferred work (ended handlers, fallback
// timers, rate ramps) checks the token before it touches shared state, so
// a newer play silently retires the callbacks of the one it replaced.
package overlay
