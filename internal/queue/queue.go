package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/underthetree/internal/ids"
	"github.com/roach88/underthetree/internal/telemetry"
)

// Defaults for Options.
const (
	DefaultBaseDelay    = 2 * time.Second
	DefaultMultiplier   = 2.0
	DefaultMaxAttempts  = 6
	DefaultFailurePause = 30 * time.Millisecond
	jitterFraction      = 0.25
)

// Options configures a Queue.
type Options struct {
	BaseDelay    time.Duration
	Multiplier   float64
	MaxAttempts  int
	FailurePause time.Duration

	// Handlers are used by Process when none are passed explicitly.
	Handlers Handlers

	// Online reports connectivity. Nil means always online.
	Online func() bool

	// OnChange receives fresh counts after every mutation.
	OnChange func(Counts)

	// OnItemFailed is called once for each operation that becomes
	// permanently failed.
	OnItemFailed func(Operation)

	Now       func() time.Time
	Rand      func() float64
	IDs       ids.Generator
	Telemetry telemetry.Emitter
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.Multiplier < 1 {
		o.Multiplier = DefaultMultiplier
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.FailurePause < 0 {
		o.FailurePause = 0
	} else if o.FailurePause == 0 {
		o.FailurePause = DefaultFailurePause
	}
	if o.Online == nil {
		o.Online = func() bool { return true }
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
	if o.IDs == nil {
		o.IDs = ids.UUIDv7Generator{}
	}
	if o.Telemetry == nil {
		o.Telemetry = telemetry.Nop{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// ProcessOptions tunes one Process pass.
type ProcessOptions struct {
	// Handlers override Options.Handlers for this pass.
	Handlers Handlers
	// Force ignores nextAttemptAt.
	Force bool
}

// Queue is the durable retry queue.
//
// Thread-safety: all methods are safe for concurrent use. Storage
// read-modify-write cycles are serialised by an internal mutex; Process is
// single-flight.
type Queue struct {
	storage Storage
	opts    Options

	mu         sync.Mutex // guards storage read-modify-write
	processing atomic.Bool
	bg         sync.WaitGroup
}

// New creates a queue over storage.
func New(storage Storage, opts Options) *Queue {
	return &Queue{storage: storage, opts: opts.withDefaults()}
}

// SetHandlers replaces the default handlers.
func (q *Queue) SetHandlers(h Handlers) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.opts.Handlers = h
}

// Enqueue stores a new operation with a generated id and starts a
// background processing pass.
func (q *Queue) Enqueue(ctx context.Context, opType string, payload any) (Operation, error) {
	return q.EnqueueWithID(ctx, q.opts.IDs.Generate(), opType, payload)
}

// EnqueueWithID stores an operation under a caller-chosen id. If an
// operation with that id is already queued it is returned unchanged, so
// retried submissions of the same logical operation collapse into one.
func (q *Queue) EnqueueWithID(ctx context.Context, id, opType string, payload any) (Operation, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Operation{}, err
	}

	q.mu.Lock()
	ops, err := q.storage.Load(ctx)
	if err != nil {
		q.mu.Unlock()
		return Operation{}, fmt.Errorf("load queue: %w", err)
	}
	for _, op := range ops {
		if op.ID == id {
			q.mu.Unlock()
			return op, nil
		}
	}
	op := Operation{
		ID:            id,
		OpType:        opType,
		Payload:       raw,
		NextAttemptAt: q.opts.Now().UnixMilli(),
		CreatedAt:     q.opts.Now().UTC(),
	}
	ops = append(ops, op)
	err = q.storage.Save(ctx, ops)
	counts := CountsOf(ops)
	q.mu.Unlock()
	if err != nil {
		return Operation{}, fmt.Errorf("save queue: %w", err)
	}

	q.notify(counts)
	q.opts.Telemetry.Emit(telemetry.EventQueueEnqueue, map[string]any{"op_type": opType})
	q.opts.Logger.Debug("operation queued", "op_id", id, "op_type", opType)

	q.bg.Add(1)
	go func() {
		defer q.bg.Done()
		if err := q.Process(context.WithoutCancel(ctx), ProcessOptions{}); err != nil {
			q.opts.Logger.Warn("background queue pass failed", "error", err)
		}
	}()
	return op, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		return append(json.RawMessage(nil), p...), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// Process runs one pass over due operations. It returns immediately with
// a nil error when another pass is in progress. The returned error is
// only for storage failures; handler failures are recorded on the
// operations.
func (q *Queue) Process(ctx context.Context, opts ProcessOptions) error {
	if !q.processing.CompareAndSwap(false, true) {
		return nil
	}
	defer q.processing.Store(false)

	handlers := opts.Handlers
	if handlers == nil {
		q.mu.Lock()
		handlers = q.opts.Handlers
		q.mu.Unlock()
	}

	items, err := q.load(ctx)
	if err != nil {
		return err
	}

	// Each operation gets at most one attempt per pass, even across rescans.
	tried := make(map[string]bool, len(items))
	for i := 0; i < len(items); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		op := items[i]
		if op.Failed || tried[op.ID] {
			continue
		}
		now := q.opts.Now()
		if !opts.Force && !op.Due(now) {
			continue
		}

		tried[op.ID] = true

		if !q.opts.Online() {
			op.Attempts++
			op.LastError = CodeOffline
			op.NextAttemptAt = now.Add(q.backoff(op.Attempts)).UnixMilli()
			if err := q.persist(ctx, op); err != nil {
				return err
			}
			q.opts.Telemetry.Emit(telemetry.EventQueueRescheduled, map[string]any{
				"op_type": op.OpType, "attempts": op.Attempts, "reason": CodeOffline,
			})
			continue
		}

		handler := handlers[op.OpType]
		if handler == nil {
			op.Failed = true
			op.NextAttemptAt = 0
			op.LastError = fmt.Sprintf("%s: %s", CodeMissingHandler, op.OpType)
			if err := q.persist(ctx, op); err != nil {
				return err
			}
			q.failed(op)
			continue
		}

		herr := handler(ctx, op.Payload)
		if herr == nil {
			if err := q.remove(ctx, op.ID); err != nil {
				return err
			}
			q.opts.Telemetry.Emit(telemetry.EventQueueDrain, map[string]any{
				"op_type": op.OpType, "attempts": op.Attempts + 1,
			})
			// The collection changed underneath the index; rescan.
			if items, err = q.load(ctx); err != nil {
				return err
			}
			i = -1
			continue
		}

		oe := ClassifyError(herr)
		op.Attempts++
		op.LastError = oe.Error()
		if !oe.Retryable || op.Attempts >= q.opts.MaxAttempts {
			op.Failed = true
			op.NextAttemptAt = 0
			if err := q.persist(ctx, op); err != nil {
				return err
			}
			q.failed(op)
		} else {
			op.NextAttemptAt = q.opts.Now().Add(q.backoff(op.Attempts)).UnixMilli()
			if err := q.persist(ctx, op); err != nil {
				return err
			}
			q.opts.Telemetry.Emit(telemetry.EventQueueRescheduled, map[string]any{
				"op_type": op.OpType, "attempts": op.Attempts, "reason": oe.Code,
			})
		}
		q.opts.Logger.Debug("queued operation failed",
			"op_id", op.ID, "op_type", op.OpType, "attempts", op.Attempts,
			"retryable", oe.Retryable, "error", oe.Error())

		if q.opts.FailurePause > 0 {
			t := time.NewTimer(q.opts.FailurePause)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return nil
}

// Wait blocks until background passes started by Enqueue have finished.
func (q *Queue) Wait() {
	q.bg.Wait()
}

// Discard removes an operation by id. Unknown ids are ignored.
func (q *Queue) Discard(ctx context.Context, id string) error {
	return q.remove(ctx, id)
}

// Requeue resets a failed operation to pending with a fresh attempt
// budget. It returns false if no operation has that id.
func (q *Queue) Requeue(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	ops, err := q.storage.Load(ctx)
	if err != nil {
		q.mu.Unlock()
		return false, fmt.Errorf("load queue: %w", err)
	}
	found := false
	for i := range ops {
		if ops[i].ID == id {
			ops[i].Failed = false
			ops[i].Attempts = 0
			ops[i].LastError = ""
			ops[i].NextAttemptAt = q.opts.Now().UnixMilli()
			found = true
		}
	}
	if !found {
		q.mu.Unlock()
		return false, nil
	}
	err = q.storage.Save(ctx, ops)
	counts := CountsOf(ops)
	q.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("save queue: %w", err)
	}
	q.notify(counts)
	return true, nil
}

// Counts returns the current counts.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	ops, err := q.load(ctx)
	if err != nil {
		return Counts{}, err
	}
	return CountsOf(ops), nil
}

// Peek returns a copy of every operation in queue order.
func (q *Queue) Peek(ctx context.Context) ([]Operation, error) {
	return q.load(ctx)
}

func (q *Queue) load(ctx context.Context) ([]Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.storage.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	return ops, nil
}

// persist replaces the stored copy of op, re-reading the latest collection
// first so concurrent enqueues are kept.
func (q *Queue) persist(ctx context.Context, op Operation) error {
	q.mu.Lock()
	ops, err := q.storage.Load(ctx)
	if err != nil {
		q.mu.Unlock()
		return fmt.Errorf("load queue: %w", err)
	}
	for i := range ops {
		if ops[i].ID == op.ID {
			ops[i] = op
		}
	}
	err = q.storage.Save(ctx, ops)
	counts := CountsOf(ops)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	q.notify(counts)
	return nil
}

func (q *Queue) remove(ctx context.Context, id string) error {
	q.mu.Lock()
	ops, err := q.storage.Load(ctx)
	if err != nil {
		q.mu.Unlock()
		return fmt.Errorf("load queue: %w", err)
	}
	kept := ops[:0]
	for _, op := range ops {
		if op.ID != id {
			kept = append(kept, op)
		}
	}
	err = q.storage.Save(ctx, kept)
	counts := CountsOf(kept)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	q.notify(counts)
	return nil
}

func (q *Queue) failed(op Operation) {
	q.opts.Telemetry.Emit(telemetry.EventQueueFailedItem, map[string]any{
		"op_type": op.OpType, "attempts": op.Attempts, "error": op.LastError,
	})
	q.opts.Logger.Warn("queued operation failed permanently",
		"op_id", op.ID, "op_type", op.OpType, "attempts", op.Attempts, "error", op.LastError)
	if q.opts.OnItemFailed != nil {
		q.opts.OnItemFailed(op)
	}
}

func (q *Queue) notify(c Counts) {
	if q.opts.OnChange != nil {
		q.opts.OnChange(c)
	}
}

// backoff returns the delay before attempt number attempts+1.
func (q *Queue) backoff(attempts int) time.Duration {
	return Backoff(q.opts.BaseDelay, q.opts.Multiplier, attempts, q.opts.Rand())
}

// maxBackoffExponent caps the exponent so very old operations keep a
// finite delay.
const maxBackoffExponent = 64

// Backoff computes base*mult^attempts with +-25% jitter from r in [0,1).
//
// The lower bound is raised to the previous attempt's upper bound so the
// sequence of delays never decreases, whatever the multiplier.
func Backoff(base time.Duration, mult float64, attempts int, r float64) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > maxBackoffExponent {
		attempts = maxBackoffExponent
	}
	exp := float64(base) * math.Pow(mult, float64(attempts))
	hi := exp * (1 + jitterFraction)
	lo := exp * (1 - jitterFraction)
	if attempts > 0 {
		prevHi := float64(base) * math.Pow(mult, float64(attempts-1)) * (1 + jitterFraction)
		lo = math.Max(lo, prevHi)
	}
	if lo > hi {
		lo = hi
	}
	d := lo + (hi-lo)*r
	if math.IsNaN(d) || d >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
