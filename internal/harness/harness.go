package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/underthetree/internal/anim"
	"github.com/roach88/underthetree/internal/flow"
	"github.com/roach88/underthetree/internal/headless"
	"github.com/roach88/underthetree/internal/queue"
	"github.com/roach88/underthetree/internal/remote"
	"github.com/roach88/underthetree/internal/reward"
	"github.com/roach88/underthetree/internal/runstate"
	"github.com/roach88/underthetree/internal/store"
	"github.com/roach88/underthetree/internal/syncx"
	"github.com/roach88/underthetree/internal/telemetry"
	"github.com/roach88/underthetree/internal/testutil"
	"github.com/roach88/underthetree/internal/wish"
)

// Harness executes one scenario.
type Harness struct {
	store  *store.Store
	kit    *headless.Kit
	ctl    *flow.Controller
	hub    *telemetry.Hub
	ring   *telemetry.Ring
	queue  *queue.Queue
	wishes *wish.Service
	clock  *testutil.DeterministicClock
	logger *slog.Logger
	result *Result

	setOnline func(bool)
}

// Options tunes a run.
type Options struct {
	// Logger receives flow logs. Nil discards them.
	Logger *slog.Logger
	// Emitter, when set, also receives every telemetry event, for
	// example a debug feed watching the run.
	Emitter telemetry.Emitter
}

// Run executes a scenario and evaluates its assertions.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Deterministic helpers ensure reproducible results.
//
// Execution flow:
//  1. Create a fresh in-memory database and telemetry hub
//  2. Build the headless kit and flow controller
//  3. Execute steps
//  4. Drain background work and snapshot the final state
//  5. Evaluate assertions
func Run(ctx context.Context, scenario *Scenario, opts ...Options) (*Result, error) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := newHarness(st, scenario, o)
	defer h.close()

	for i, step := range scenario.Steps {
		if err := h.step(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	h.drain()
	h.snapshot()

	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func newHarness(st *store.Store, s *Scenario, o Options) *Harness {
	h := &Harness{
		store:  st,
		ring:   telemetry.NewRing(1000),
		clock:  testutil.NewDeterministicClock(),
		logger: o.Logger,
		result: NewResult(),
	}

	sinks := []telemetry.NamedSink{
		{Name: "ring", Sink: h.ring},
		{Name: "sqlite", Sink: st.Telemetry()},
	}
	if o.Emitter != nil {
		sinks = append(sinks, telemetry.NamedSink{Name: "watch", Sink: emitterSink{o.Emitter}})
	}
	h.hub = telemetry.NewHub(sinks,
		telemetry.WithClock(testutil.NewDeterministicClock().Now),
		telemetry.WithLogger(o.Logger))

	h.kit = headless.NewKit(headless.KitOptions{
		Media: headless.MediaDurations{
			Cinematic: s.Media.Cinematic,
			GiftOpen:  s.Media.GiftOpen,
			Confetti:  s.Media.Confetti,
		},
		Timings:          s.Timings,
		CinematicStalls:  s.Kit.CinematicStalls,
		GiftNeverEnds:    s.Kit.GiftNeverEnds,
		GiftPlayRejected: s.Kit.GiftPlayRejected,
		ConfettiNoEnded:  s.Kit.ConfettiNoEnded,
		LoadDelay:        s.Kit.LoadDelay,
		LoadErr:          s.Kit.LoadError,
		SceneStopWait:    s.Kit.SceneStopWait,
		StallFades:       s.Kit.StallFades,
		ReducedMotion:    s.Kit.ReducedMotion,
		LowPower:         s.Kit.LowPower,
		Muted:            s.Kit.Muted,
		Logger:           o.Logger,
	})
	h.kit.Runtime.Observe(func(tr runstate.Transition) {
		h.result.append(h.clock, TraceEvent{
			Type: EventTransition,
			From: tr.From.String(),
			To:   tr.To.String(),
		})
	})

	var rewards flow.Rewards
	if s.Reward.enabled() {
		rewards = h.rewards(s)
	}
	fo := h.kit.Options(rewards, h.hub)
	fo.UserID = func() string { return "user-1" }
	if s.Kit.StallCrossfade {
		fo.Tween = stalledTween
	}
	h.ctl = flow.New(fo)

	var online atomic.Bool
	online.Store(true)
	h.setOnline = online.Store
	h.queue = queue.New(st.Queue(), queue.Options{
		Online:    online.Load,
		IDs:       testutil.NewSequenceIDs("queue"),
		Telemetry: h.hub,
		Logger:    o.Logger,
	})
	// No model is wired. Scenarios only make wishes offline, where they
	// are kept on the queue.
	h.wishes = wish.New(wish.Options{
		Queue:     h.queue,
		IDs:       testutil.NewSequenceIDs("op"),
		Online:    online.Load,
		Telemetry: h.hub,
		Logger:    o.Logger,
	})
	h.queue.SetHandlers(h.wishes.Handlers())
	return h
}

func (h *Harness) rewards(s *Scenario) flow.Rewards {
	if s.Reward.Hang {
		t := s.Timings
		return flow.FetcherRewards{Fetcher: reward.New(reward.Options{
			Store:          hangingStore{},
			IDs:            testutil.NewSequenceIDs("open"),
			Rand:           func() float64 { return 0.99 },
			Logger:         h.logger,
			OpenBudget:     t.RewardOpenBudget,
			HardTimeout:    t.RewardHardTimeout,
			EnrichJoin:     t.EnrichJoin,
			EnrichPoll:     t.EnrichPoll,
			EnrichWindow:   50 * time.Millisecond,
			PollByClientOp: 5 * time.Millisecond,
			PollLatest:     5 * time.Millisecond,
			LastSeenBudget: 20 * time.Millisecond,
		})}
	}
	source := s.Reward.Source
	if source == "" {
		source = reward.SourceRemote
	}
	return &stubRewards{
		ids:   testutil.NewSequenceIDs("open"),
		delay: s.Reward.Delay,
		r:     reward.Reward{Title: s.Reward.Title, Source: source},
	}
}

func (h *Harness) step(ctx context.Context, step Step) error {
	switch {
	case step.Action != "":
		a, err := flow.ParseAction(step.Action)
		if err != nil {
			return err
		}
		h.act(ctx, a, max(step.Repeat, 1))
	case step.Wait > 0:
		if err := syncx.Wait(ctx, step.Wait); err != nil {
			return err
		}
	case step.Settle:
		h.ctl.Wait()
	case step.Suppress != nil:
		h.ctl.SuppressNextOpen(step.Suppress.Network, step.Suppress.Card)
	case step.Wish != "":
		return h.submitWish(ctx, step)
	}
	return nil
}

// act dispatches n concurrent copies of a and records how many acted.
func (h *Harness) act(ctx context.Context, a flow.Action, n int) {
	i := h.result.append(h.clock, TraceEvent{Type: EventAction, Name: string(a), Of: n})

	var acted atomic.Int32
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.ctl.Do(ctx, a) {
				acted.Add(1)
			}
		}()
	}
	wg.Wait()
	h.result.update(i, func(ev *TraceEvent) { ev.Acted = int(acted.Load()) })
}

func (h *Harness) submitWish(ctx context.Context, step Step) error {
	h.setOnline(!step.Offline)
	res, err := h.wishes.Submit(ctx, wish.Request{Text: step.Wish}, nil)
	if err != nil {
		return fmt.Errorf("submit wish: %w", err)
	}
	h.queue.Wait()
	h.result.append(h.clock, TraceEvent{Type: EventWish, Name: res.ClientOpID, Status: string(res.Status)})
	return nil
}

func (h *Harness) drain() {
	h.ctl.Wait()
	h.queue.Wait()
}

func (h *Harness) snapshot() {
	h.result.FinalState = h.ctl.State().String()
	h.result.UI = h.kit.UI.State()
	counts := make(map[string]int)
	for _, ev := range h.ring.Recent(0) {
		counts[ev.Name]++
	}
	h.result.Events = counts
}

func (h *Harness) close() {
	h.ctl.Close()
	h.queue.Wait()
	_ = h.hub.Close(context.Background())
}

// EventNames returns the names in a result's event counts, sorted.
func (r *Result) EventNames() []string {
	names := make([]string, 0, len(r.Events))
	for n := range r.Events {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func stalledTween(ctx context.Context, _ time.Duration, _ anim.Easing, apply func(v float64)) error {
	apply(0.4)
	<-ctx.Done()
	return ctx.Err()
}

type stubRewards struct {
	ids   *testutil.SequenceIDs
	delay time.Duration
	r     reward.Reward
}

func (s *stubRewards) Open(ctx context.Context, _ string) (string, <-chan reward.Reward) {
	id := s.ids.Generate()
	r := s.r
	r.ClientOpID = id
	ch := make(chan reward.Reward, 1)
	go func() {
		select {
		case <-time.After(s.delay):
			ch <- r
		case <-ctx.Done():
		}
	}()
	return id, ch
}

// hangingStore is a configured remote store that never answers an open.
type hangingStore struct{}

func (hangingStore) Configured() bool { return true }

func (hangingStore) OpenGiftForUser(ctx context.Context, _, _ string) (*remote.Open, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (hangingStore) FindOpenByClientOp(context.Context, string) (*remote.Open, error) {
	return nil, nil
}

func (hangingStore) LatestOpen(context.Context, string) (*remote.Open, error) { return nil, nil }

// emitterSink forwards hub events to another emitter.
type emitterSink struct{ e telemetry.Emitter }

func (s emitterSink) Write(ev telemetry.Event) error {
	s.e.Emit(ev.Name, ev.Props)
	return nil
}

func (emitterSink) Close(context.Context) error { return nil }
