// Package telemetry records best-effort product events.
//
// Events fan out to named sinks (memory ring, SQLite, HTTP beacon) and to
// live subscribers such as the debug feed and the monitor. Emit never
// blocks on a slow consumer and never returns an error.
package telemetry

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Event names emitted across the system.
const (
	EventQueueEnqueue     = "queue_enqueue"
	EventQueueDrain       = "queue_drain"
	EventQueueRescheduled = "queue_rescheduled"
	EventQueueFailedItem  = "queue_failed_item"
	EventWishSynced       = "wish_synced"
	EventWishSubmitted    = "wish_submitted"
	EventModelFallback    = "model_provider_fallback"
	EventModelFailed      = "model_request_failed"
	EventFlowTransition   = "flow_transition"
	EventFlowTimeout      = "flow_timeout"
	EventGiftOpened       = "gift_opened"
	EventRewardShown      = "reward_shown"
)

// maxStringProp caps string property values.
const maxStringProp = 500

// Event is one recorded occurrence.
type Event struct {
	TS    time.Time      `json:"ts"`
	Name  string         `json:"event"`
	Props map[string]any `json:"props,omitempty"`
}

// Emitter is implemented by anything that accepts events.
type Emitter interface {
	Emit(name string, props map[string]any)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(string, map[string]any) {}

// Sink persists or forwards events.
type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

// NamedSink pairs a sink with a name for logging.
type NamedSink struct {
	Name string
	Sink Sink
}

// Hub fans events out to sinks and subscribers.
//
// Thread-safety: all methods are safe for concurrent use.
type Hub struct {
	mu     sync.RWMutex
	sinks  []NamedSink
	subs   map[int]chan Event
	nextID int
	now    func() time.Time
	logger *slog.Logger
	closed atomic.Bool

	eventsTotal  atomic.Uint64
	droppedTotal atomic.Uint64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// WithLogger sets the logger used for sink failures.
func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

// NewHub creates a hub with the given sinks.
func NewHub(sinks []NamedSink, opts ...HubOption) *Hub {
	h := &Hub{
		subs:   make(map[int]chan Event),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, s := range sinks {
		if s.Sink != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Emit implements Emitter. Property strings are scrubbed of control
// characters and capped.
func (h *Hub) Emit(name string, props map[string]any) {
	if name == "" || h.closed.Load() {
		return
	}
	ev := Event{TS: h.now().UTC(), Name: Scrub(name, 64), Props: scrubProps(props)}
	h.eventsTotal.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sinks {
		if err := s.Sink.Write(ev); err != nil {
			h.logger.Debug("telemetry sink write failed", "sink", s.Name, "event", ev.Name, "error", err)
		}
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.droppedTotal.Add(1)
		}
	}
}

// Subscribe returns a channel of future events and a cancel function.
// Slow subscribers lose events rather than block emitters.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(ch)
			}
		})
	}
}

// Stats reports counters.
func (h *Hub) Stats() (events, dropped uint64) {
	return h.eventsTotal.Load(), h.droppedTotal.Load()
}

// Close closes every sink. Further Emit calls are ignored.
func (h *Hub) Close(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for _, s := range h.sinks {
		if err := s.Sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	return firstErr
}

// Scrub removes C0 control characters and DEL, NFC-normalises and caps
// the result at max runes.
func Scrub(s string, max int) string {
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	s = norm.NFC.String(s)
	if max > 0 {
		if r := []rune(s); len(r) > max {
			s = string(r[:max])
		}
	}
	return s
}

func scrubProps(props map[string]any) map[string]any {
	if len(props) == 0 {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		if s, ok := v.(string); ok {
			out[k] = Scrub(s, maxStringProp)
			continue
		}
		out[k] = v
	}
	return out
}
