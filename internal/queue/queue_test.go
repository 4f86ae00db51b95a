package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/underthetree/internal/ids"
	"github.com/roach88/underthetree/internal/telemetry"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestQueue builds a queue with a frozen clock, no failure pause and
// no background processing handlers.
func newTestQueue(t *testing.T, mutate func(*Options)) (*Queue, *MemoryStorage, *testClock) {
	t.Helper()
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	storage := NewMemoryStorage()
	opts := Options{
		Now:          clock.Now,
		Rand:         func() float64 { return 0.5 },
		FailurePause: -1,
	}
	if mutate != nil {
		mutate(&opts)
	}
	q := New(storage, opts)
	t.Cleanup(q.Wait)
	return q, storage, clock
}

func TestEnqueue_PersistsOperation(t *testing.T) {
	offline := func() bool { return false }
	q, storage, _ := newTestQueue(t, func(o *Options) {
		o.IDs = ids.NewFixedGenerator("op-1")
		o.Online = offline
	})

	op, err := q.Enqueue(context.Background(), "SUBMIT_WISH", map[string]any{"text": "a pony"})
	require.NoError(t, err)
	q.Wait()

	assert.Equal(t, "op-1", op.ID)
	ops, err := storage.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "SUBMIT_WISH", ops[0].OpType)
	assert.JSONEq(t, `{"text":"a pony"}`, string(ops[0].Payload))
}

func TestEnqueueWithID_IdempotentAndHandledOnce(t *testing.T) {
	var calls atomic.Int32
	var inFlight atomic.Int32
	var overlapped atomic.Bool
	handler := func(ctx context.Context, payload json.RawMessage) error {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		defer inFlight.Add(-1)
		calls.Add(1)
		time.Sleep(5 * time.Millisecond)
		return nil
	}
	q, _, _ := newTestQueue(t, func(o *Options) {
		o.Handlers = Handlers{"SUBMIT_WISH": handler}
	})

	ctx := context.Background()
	_, err := q.EnqueueWithID(ctx, "client-op-1", "SUBMIT_WISH", map[string]any{"text": "x"})
	require.NoError(t, err)
	_, err = q.EnqueueWithID(ctx, "client-op-1", "SUBMIT_WISH", map[string]any{"text": "x"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Process(ctx, ProcessOptions{Force: true})
		}()
	}
	wg.Wait()
	q.Wait()

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Total)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, overlapped.Load())
}

func TestProcess_SuccessRemovesAndRescans(t *testing.T) {
	var order []string
	handler := func(_ context.Context, payload json.RawMessage) error {
		var p struct{ N string }
		_ = json.Unmarshal(payload, &p)
		order = append(order, p.N)
		return nil
	}
	storage := NewMemoryStorage()
	require.NoError(t, storage.Save(context.Background(), []Operation{
		{ID: "a", OpType: "T", Payload: json.RawMessage(`{"N":"a"}`)},
		{ID: "b", OpType: "T", Payload: json.RawMessage(`{"N":"b"}`)},
		{ID: "c", OpType: "T", Payload: json.RawMessage(`{"N":"c"}`)},
	}))
	q := New(storage, Options{FailurePause: -1})

	require.NoError(t, q.Process(context.Background(), ProcessOptions{Handlers: Handlers{"T": handler}}))
	assert.Equal(t, []string{"a", "b", "c"}, order)
	counts, _ := q.Counts(context.Background())
	assert.Equal(t, Counts{}, counts)
}

func TestProcess_RetryableFailureReschedules(t *testing.T) {
	q, storage, clock := newTestQueue(t, nil)
	require.NoError(t, storage.Save(context.Background(), []Operation{{ID: "a", OpType: "T"}}))

	boom := Handlers{"T": func(context.Context, json.RawMessage) error { return errors.New("503") }}
	require.NoError(t, q.Process(context.Background(), ProcessOptions{Handlers: boom}))

	ops, _ := q.Peek(context.Background())
	require.Len(t, ops, 1)
	assert.Equal(t, 1, ops[0].Attempts)
	assert.False(t, ops[0].Failed)
	assert.Contains(t, ops[0].LastError, "503")
	want := clock.Now().Add(Backoff(DefaultBaseDelay, DefaultMultiplier, 1, 0.5)).UnixMilli()
	assert.Equal(t, want, ops[0].NextAttemptAt)

	// Not due yet: a second pass leaves it alone.
	require.NoError(t, q.Process(context.Background(), ProcessOptions{Handlers: boom}))
	ops, _ = q.Peek(context.Background())
	assert.Equal(t, 1, ops[0].Attempts)
}

func TestProcess_NonRetryableFailsAfterOneAttempt(t *testing.T) {
	var failed []Operation
	q, storage, _ := newTestQueue(t, func(o *Options) {
		o.MaxAttempts = 10
		o.OnItemFailed = func(op Operation) { failed = append(failed, op) }
	})
	require.NoError(t, storage.Save(context.Background(), []Operation{{ID: "a", OpType: "T"}}))

	var calls int
	h := Handlers{"T": func(context.Context, json.RawMessage) error {
		calls++
		return NonRetryable("invalid_wish", "rejected")
	}}
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Process(context.Background(), ProcessOptions{Handlers: h, Force: true}))
	}

	assert.Equal(t, 1, calls)
	require.Len(t, failed, 1)
	assert.True(t, failed[0].Failed)
	assert.Equal(t, "invalid_wish: rejected", failed[0].LastError)
}

func TestProcess_MaxAttemptsMarksFailed(t *testing.T) {
	var failedCount int
	q, storage, _ := newTestQueue(t, func(o *Options) {
		o.MaxAttempts = 3
		o.OnItemFailed = func(Operation) { failedCount++ }
	})
	require.NoError(t, storage.Save(context.Background(), []Operation{{ID: "a", OpType: "T"}}))
	h := Handlers{"T": func(context.Context, json.RawMessage) error { return Retryable("network", "down") }}

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Process(context.Background(), ProcessOptions{Handlers: h, Force: true}))
	}
	ops, _ := q.Peek(context.Background())
	require.Len(t, ops, 1)
	assert.True(t, ops[0].Failed)
	assert.Equal(t, 3, ops[0].Attempts)
	assert.Equal(t, 1, failedCount)
}

func TestProcess_MissingHandlerFails(t *testing.T) {
	var failed int
	q, storage, _ := newTestQueue(t, func(o *Options) {
		o.OnItemFailed = func(Operation) { failed++ }
	})
	require.NoError(t, storage.Save(context.Background(), []Operation{{ID: "a", OpType: "UNKNOWN"}}))
	require.NoError(t, q.Process(context.Background(), ProcessOptions{Handlers: Handlers{}}))

	ops, _ := q.Peek(context.Background())
	assert.True(t, ops[0].Failed)
	assert.Contains(t, ops[0].LastError, CodeMissingHandler)
	assert.Equal(t, 1, failed)
}

func TestProcess_OfflineReschedulesWithoutCallingHandler(t *testing.T) {
	q, storage, _ := newTestQueue(t, func(o *Options) {
		o.Online = func() bool { return false }
	})
	require.NoError(t, storage.Save(context.Background(), []Operation{
		{ID: "a", OpType: "T"}, {ID: "b", OpType: "T"},
	}))
	var calls int
	h := Handlers{"T": func(context.Context, json.RawMessage) error { calls++; return nil }}

	require.NoError(t, q.Process(context.Background(), ProcessOptions{Handlers: h}))
	assert.Zero(t, calls)
	ops, _ := q.Peek(context.Background())
	for _, op := range ops {
		assert.Equal(t, 1, op.Attempts)
		assert.Equal(t, CodeOffline, op.LastError)
		assert.False(t, op.Failed)
	}
}

func TestProcess_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	q, storage, _ := newTestQueue(t, nil)
	require.NoError(t, storage.Save(context.Background(), []Operation{{ID: "a", OpType: "T"}}))
	h := Handlers{"T": func(context.Context, json.RawMessage) error {
		close(started)
		<-release
		return nil
	}}

	done := make(chan error, 1)
	go func() { done <- q.Process(context.Background(), ProcessOptions{Handlers: h}) }()
	<-started

	// The second pass returns immediately without touching the item.
	require.NoError(t, q.Process(context.Background(), ProcessOptions{Handlers: h}))
	close(release)
	require.NoError(t, <-done)
}

func TestProcess_FailureWithDelayStillProcessesRest(t *testing.T) {
	q, storage, _ := newTestQueue(t, nil)
	require.NoError(t, storage.Save(context.Background(), []Operation{
		{ID: "bad", OpType: "BAD"}, {ID: "good", OpType: "GOOD"},
	}))
	h := Handlers{
		"BAD":  func(context.Context, json.RawMessage) error { return errors.New("nope") },
		"GOOD": func(context.Context, json.RawMessage) error { return nil },
	}
	require.NoError(t, q.Process(context.Background(), ProcessOptions{Handlers: h, Force: true}))
	ops, _ := q.Peek(context.Background())
	require.Len(t, ops, 1)
	assert.Equal(t, "bad", ops[0].ID)
	assert.Equal(t, 1, ops[0].Attempts, "a rescan must not retry the same item twice in one pass")
}

func TestBackoff_NonDecreasingAndBounded(t *testing.T) {
	base := 2 * time.Second
	for _, mult := range []float64{1, 1.2, 1.5, 2, 3} {
		for _, seq := range [][]float64{{0, 0.99, 0, 0.99, 0}, {0.99, 0, 0.99, 0, 0.99}, {0.5, 0.5, 0.5, 0.5, 0.5}} {
			var prev time.Duration
			for n := 1; n <= len(seq); n++ {
				d := Backoff(base, mult, n, seq[n-1])
				assert.GreaterOrEqual(t, d, prev, "mult=%v n=%d", mult, n)
				bound := time.Duration(float64(base) * pow(mult, n) * 1.25)
				assert.LessOrEqual(t, d, bound)
				prev = d
			}
		}
	}
}

func TestBackoff_HugeAttemptsStayPositive(t *testing.T) {
	base := 2 * time.Second
	for _, attempts := range []int{63, 64, 1000, math.MaxInt32, math.MaxInt} {
		for _, r := range []float64{0, 0.5, 0.99} {
			d := Backoff(base, 2, attempts, r)
			assert.Greater(t, d, time.Duration(0), "attempts=%d r=%v", attempts, r)
			assert.GreaterOrEqual(t, d, Backoff(base, 2, 40, r), "attempts=%d r=%v", attempts, r)
		}
	}
	assert.Equal(t, time.Duration(math.MaxInt64), Backoff(base, 2, math.MaxInt, 0.5))
	assert.Equal(t, time.Duration(0), Backoff(0, 2, math.MaxInt, 0.5))
}

func pow(b float64, n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= b
	}
	return out
}

func TestDiscardAndRequeue(t *testing.T) {
	q, storage, _ := newTestQueue(t, nil)
	require.NoError(t, storage.Save(context.Background(), []Operation{
		{ID: "a", OpType: "T", Failed: true, Attempts: 6, LastError: "x"},
		{ID: "b", OpType: "T"},
	}))

	ok, err := q.Requeue(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.Requeue(context.Background(), "zzz")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.Discard(context.Background(), "b"))
	ops, _ := q.Peek(context.Background())
	require.Len(t, ops, 1)
	assert.False(t, ops[0].Failed)
	assert.Zero(t, ops[0].Attempts)
}

func TestOnChangeAndTelemetry(t *testing.T) {
	ring := telemetry.NewRing(50)
	var last Counts
	q, storage, _ := newTestQueue(t, func(o *Options) {
		o.OnChange = func(c Counts) { last = c }
		o.Telemetry = telemetry.NewHub([]telemetry.NamedSink{{Name: "mem", Sink: ring}})
	})
	require.NoError(t, storage.Save(context.Background(), []Operation{{ID: "a", OpType: "T"}}))
	require.NoError(t, q.Process(context.Background(), ProcessOptions{
		Handlers: Handlers{"T": func(context.Context, json.RawMessage) error { return nil }},
	}))
	assert.Equal(t, Counts{}, last)
	assert.Equal(t, 1, ring.Count(telemetry.EventQueueDrain))
}

type retryableErr struct{ retry bool }

func (e retryableErr) Error() string     { return "layered" }
func (e retryableErr) Retryable() bool   { return e.retry }
func (e retryableErr) ErrorCode() string { return "NOT_CONFIGURED" }

func TestClassifyError(t *testing.T) {
	assert.Nil(t, ClassifyError(nil))

	oe := ClassifyError(errors.New("plain"))
	assert.True(t, oe.Retryable)
	assert.Equal(t, CodeHandlerFailed, oe.Code)

	oe = ClassifyError(retryableErr{retry: false})
	assert.False(t, oe.Retryable)
	assert.Equal(t, "NOT_CONFIGURED", oe.Code)

	wrapped := errors.Join(errors.New("ctx"), NonRetryable("bad", "m"))
	assert.True(t, IsNonRetryable(wrapped))
}
