package runstate

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of the runtime.
type Snapshot struct {
	State                State     `json:"state"`
	Started              bool      `json:"started"`
	LowPower             bool      `json:"low_power"`
	PrefersReducedMotion bool      `json:"prefers_reduced_motion"`
	UserReducedMotion    bool      `json:"user_reduced_motion"`
	Muted                bool      `json:"muted"`
	Visible              bool      `json:"visible"`
	Progress             float64   `json:"progress"`
	Since                time.Time `json:"since"`
}

// ReducedMotion is true when either the platform or the user asked for it.
func (s Snapshot) ReducedMotion() bool {
	return s.PrefersReducedMotion || s.UserReducedMotion
}

// View is the read-only face of the runtime handed to collaborators.
type View interface {
	State() State
	ReducedMotion() bool
	LowPower() bool
	Muted() bool
	Snapshot() Snapshot
}

// Transition records one state change.
type Transition struct {
	Seq  int64     `json:"seq"`
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Observer is notified after every applied transition.
type Observer func(Transition)

// Runtime is the single mutable runtime record.
//
// Only the flow controller should hold a *Runtime; it satisfies View for
// everyone else. Transitions are compare-and-set: a handler that finds the
// state moved underneath it loses the race and must not act.
//
// Thread-safety: all methods are safe for concurrent use.
type Runtime struct {
	mu        sync.Mutex
	snap      Snapshot
	seq       int64
	observers []Observer
	now       func() time.Time
}

// New creates a runtime in the idle state.
func New(now func() time.Time) *Runtime {
	if now == nil {
		now = time.Now
	}
	return &Runtime{
		snap: Snapshot{State: Idle, Visible: true, Since: now()},
		now:  now,
	}
}

// Observe registers an observer. Observers run synchronously after the
// lock is released, in registration order.
func (r *Runtime) Observe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// State returns the current state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.State
}

// Is reports whether the current state is any of the given states.
func (r *Runtime) Is(states ...State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range states {
		if r.snap.State == s {
			return true
		}
	}
	return false
}

// Transition moves to the target state only if the current state is one of
// from and the move is legal. It returns false otherwise.
func (r *Runtime) Transition(to State, from ...State) bool {
	r.mu.Lock()
	cur := r.snap.State
	ok := false
	for _, f := range from {
		if cur == f && CanTransition(cur, to) {
			ok = true
			break
		}
	}
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.apply(cur, to)
	return true
}

// ForceIdle resets to idle from any state. Used by teardown paths that
// must always finish on the landing page.
func (r *Runtime) ForceIdle() {
	r.mu.Lock()
	cur := r.snap.State
	if cur == Idle {
		r.mu.Unlock()
		return
	}
	r.apply(cur, Idle)
}

// apply must be called with mu held; it releases it before notifying.
func (r *Runtime) apply(from, to State) {
	r.seq++
	at := r.now()
	r.snap.State = to
	r.snap.Since = at
	tr := Transition{Seq: r.seq, From: from, To: to, At: at}
	observers := append([]Observer(nil), r.observers...)
	r.mu.Unlock()

	for _, o := range observers {
		o(tr)
	}
}

// ReducedMotion implements View.
func (r *Runtime) ReducedMotion() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.ReducedMotion()
}

// LowPower implements View.
func (r *Runtime) LowPower() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.LowPower
}

// Muted implements View.
func (r *Runtime) Muted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.Muted
}

// Snapshot implements View.
func (r *Runtime) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// Update applies fn to the non-state fields. Changes to State made by fn
// are discarded; use Transition for that.
func (r *Runtime) Update(fn func(*Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, since := r.snap.State, r.snap.Since
	fn(&r.snap)
	r.snap.State, r.snap.Since = state, since
	if r.snap.Progress < 0 {
		r.snap.Progress = 0
	}
	if r.snap.Progress > 1 {
		r.snap.Progress = 1
	}
}
