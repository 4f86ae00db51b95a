// Package monitor is the terminal monitor for the retry queue and the
// flow: pending and failed counts, the current flow state, the queued
// operations and a tail of recent telemetry.
//
// Keys:
//
//	up/k, down/j  select an operation
//	p             run a processing pass now, ignoring backoff
//	r             retry every failed operation
//	d             discard the selected operation
//	q, ctrl+c     quit
package monitor

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/roach88/underthetree/internal/queue"
	"github.com/roach88/underthetree/internal/runstate"
	"github.com/roach88/underthetree/internal/telemetry"
)

// Queue is the part of queue.Queue the monitor drives.
type Queue interface {
	Peek(ctx context.Context) ([]queue.Operation, error)
	Process(ctx context.Context, opts queue.ProcessOptions) error
	Requeue(ctx context.Context, id string) (bool, error)
	Discard(ctx context.Context, id string) error
}

// Events supplies recent telemetry, newest last.
type Events interface {
	Recent(n int) []telemetry.Event
}

// Options configures the monitor.
type Options struct {
	Context  context.Context
	Queue    Queue
	Events   Events
	Runtime  runstate.View
	PollTick time.Duration
	// Tail is how many telemetry events are shown.
	Tail int
	Now  func() time.Time
}

// Snapshot is one poll of every source.
type Snapshot struct {
	Ops    []queue.Operation
	Counts queue.Counts
	State  string
	Events []telemetry.Event
	Err    error
}

type (
	tickMsg     time.Time
	snapshotMsg Snapshot
	actionMsg   struct {
		status string
		err    error
	}
)

// Model is the Bubble Tea model.
type Model struct {
	ctx      context.Context
	queue    Queue
	events   Events
	runtime  runstate.View
	pollTick time.Duration
	tail     int
	now      func() time.Time

	width  int
	height int
	ready  bool
	styles Styles

	snapshot    Snapshot
	lastUpdated time.Time
	selected    int
	status      string
	busy        bool
}

// New creates a monitor model.
func New(opts Options) Model {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	pollTick := opts.PollTick
	if pollTick <= 0 {
		pollTick = time.Second
	}
	tail := opts.Tail
	if tail <= 0 {
		tail = 8
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return Model{
		ctx:      ctx,
		queue:    opts.Queue,
		events:   opts.Events,
		runtime:  opts.Runtime,
		pollTick: pollTick,
		tail:     tail,
		now:      now,
		styles:   DefaultStyles(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(m.pollTick), m.fetchCmd())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		return m, nil

	case tickMsg:
		return m, tea.Batch(tickCmd(m.pollTick), m.fetchCmd())

	case snapshotMsg:
		m.snapshot = Snapshot(msg)
		m.lastUpdated = m.now()
		m.clampSelection()
		return m, nil

	case actionMsg:
		m.busy = false
		if msg.err != nil {
			m.status = "error: " + msg.err.Error()
		} else {
			m.status = msg.status
		}
		return m, m.fetchCmd()
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
		return m, nil
	case "down", "j":
		if m.selected < len(m.snapshot.Ops)-1 {
			m.selected++
		}
		return m, nil
	}

	if m.queue == nil || m.busy {
		return m, nil
	}
	switch msg.String() {
	case "p":
		m.busy = true
		m.status = "processing…"
		return m, m.processCmd()
	case "r":
		m.busy = true
		m.status = "retrying failed operations…"
		return m, m.retryAllCmd()
	case "d":
		if op, ok := m.selectedOp(); ok {
			m.busy = true
			m.status = "discarding " + op.ID + "…"
			return m, m.discardCmd(op.ID)
		}
	}
	return m, nil
}

func (m Model) selectedOp() (queue.Operation, bool) {
	if m.selected < 0 || m.selected >= len(m.snapshot.Ops) {
		return queue.Operation{}, false
	}
	return m.snapshot.Ops[m.selected], true
}

func (m *Model) clampSelection() {
	if m.selected >= len(m.snapshot.Ops) {
		m.selected = len(m.snapshot.Ops) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) fetchCmd() tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg(m.poll())
	}
}

// poll reads every source once.
func (m Model) poll() Snapshot {
	var s Snapshot
	if m.queue != nil {
		ops, err := m.queue.Peek(m.ctx)
		if err != nil {
			s.Err = err
		}
		s.Ops = ops
		s.Counts = queue.CountsOf(ops)
	}
	if m.runtime != nil {
		s.State = m.runtime.State().String()
	}
	if m.events != nil {
		s.Events = m.events.Recent(m.tail)
	}
	return s
}

func (m Model) processCmd() tea.Cmd {
	return func() tea.Msg {
		err := m.queue.Process(m.ctx, queue.ProcessOptions{Force: true})
		return actionMsg{status: "processed", err: err}
	}
}

// retryAllCmd resets every failed operation and runs a pass.
func (m Model) retryAllCmd() tea.Cmd {
	failed := make([]string, 0, m.snapshot.Counts.Failed)
	for _, op := range m.snapshot.Ops {
		if op.Failed {
			failed = append(failed, op.ID)
		}
	}
	return func() tea.Msg {
		n := 0
		for _, id := range failed {
			ok, err := m.queue.Requeue(m.ctx, id)
			if err != nil {
				return actionMsg{err: err}
			}
			if ok {
				n++
			}
		}
		if err := m.queue.Process(m.ctx, queue.ProcessOptions{}); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{status: fmt.Sprintf("retried %d", n)}
	}
}

func (m Model) discardCmd(id string) tea.Cmd {
	return func() tea.Msg {
		err := m.queue.Discard(m.ctx, id)
		return actionMsg{status: "discarded " + id, err: err}
	}
}

// Run starts the monitor.
func Run(opts Options) error {
	p := tea.NewProgram(New(opts), tea.WithAltScreen(), tea.WithContext(contextOf(opts)))
	_, err := p.Run()
	return err
}

func contextOf(opts Options) context.Context {
	if opts.Context != nil {
		return opts.Context
	}
	return context.Background()
}
