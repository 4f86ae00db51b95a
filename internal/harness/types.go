package harness

import (
	"sync"

	"github.com/roach88/underthetree/internal/headless"
	"github.com/roach88/underthetree/internal/testutil"
)

// Trace event types.
const (
	EventAction     = "action"
	EventTransition = "transition"
	EventWish       = "wish"
)

// TraceEvent is one entry of a scenario trace.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	// Acted counts how many of Of dispatched copies of an action acted.
	Acted  int    `json:"acted,omitempty"`
	Of     int    `json:"of,omitempty"`
	Status string `json:"status,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace holds actions, transitions and wishes in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// FinalState is the flow state after background work drained.
	FinalState string `json:"final_state"`

	// UI is the headless UI after background work drained.
	UI headless.UIState `json:"ui"`

	// Events counts telemetry events by name.
	Events map[string]int `json:"events"`

	mu sync.Mutex
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Events: make(map[string]int),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// append stamps ev with the next sequence number, adds it and returns
// its index.
func (r *Result) append(clock *testutil.DeterministicClock, ev TraceEvent) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.Seq = clock.Next()
	r.Trace = append(r.Trace, ev)
	return len(r.Trace) - 1
}

func (r *Result) update(i int, fn func(ev *TraceEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.Trace[i])
}

// Transitions returns the target state of every transition, in order.
func (r *Result) Transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.Trace {
		if ev.Type == EventTransition {
			out = append(out, ev.To)
		}
	}
	return out
}
