// Package flow is the top-level state machine of the experience.
//
// The Controller is the only writer of the runtime state. It sequences
// every transition (cinematic, gift scene crossfade, gift open, reveal,
// return home) and fans out to injected collaborators: scenes, the
// cinematic, the soundscape, the UI, the gift player, the confetti
// overlay and the reward fetcher.
//
// Every awaited multi-step transition runs under a timeout. When one
// fires the controller forces the expected end state (scene fully shown,
// veil removed, home restored) instead of waiting further.
//
// User actions arrive through an inbox and are handled one at a time by
// Run. Handlers check the current state before acting, so a repeated or
// late action is ignored rather than re-entering a transition.
package flow
