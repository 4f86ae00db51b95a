package flow

import (
	"fmt"
	"sync"
)

// Action is a user or platform input to the controller.
type Action string

const (
	ActionStart         Action = "start"
	ActionEnter         Action = "enter"
	ActionOpenGift      Action = "open_gift"
	ActionMoreGifts     Action = "more_gifts"
	ActionBackHome      Action = "back_home"
	ActionSkipCinematic Action = "skip_cinematic"
	ActionHide          Action = "hide"
	ActionShow          Action = "show"
	ActionMute          Action = "mute"
	ActionUnmute        Action = "unmute"
)

var actions = []Action{
	ActionStart, ActionEnter, ActionOpenGift, ActionMoreGifts, ActionBackHome,
	ActionSkipCinematic, ActionHide, ActionShow, ActionMute, ActionUnmute,
}

// ParseAction resolves an action name.
func ParseAction(s string) (Action, error) {
	for _, a := range actions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// transitional reports whether a is handled by Run in order. Other
// actions are applied immediately by Dispatch.
func (a Action) transitional() bool {
	switch a {
	case ActionStart, ActionEnter, ActionOpenGift, ActionMoreGifts, ActionBackHome:
		return true
	}
	return false
}

// inbox is an unbounded FIFO of actions.
//
// Dispatch may be called from any goroutine while Run dequeues. The
// signal channel has a buffer of one so repeated enqueues coalesce.
type inbox struct {
	mu      sync.Mutex
	actions []Action
	closed  bool
	signal  chan struct{}
}

func newInbox() *inbox {
	return &inbox{
		actions: make([]Action, 0, 8),
		signal:  make(chan struct{}, 1),
	}
}

// push appends a. It returns false once the inbox is closed.
func (q *inbox) push(a Action) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.actions = append(q.actions, a)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// pop removes the front action without blocking.
func (q *inbox) pop() (Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.actions) == 0 {
		return "", false
	}
	a := q.actions[0]
	if len(q.actions) == 1 {
		q.actions = q.actions[:0]
	} else {
		q.actions = q.actions[1:]
	}
	return a, true
}

// wait signals that actions may be available. It is closed by close.
func (q *inbox) wait() <-chan struct{} {
	return q.signal
}

func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

func (q *inbox) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
