package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// DefaultRingSize is how many events the memory ring keeps.
const DefaultRingSize = 200

// Ring keeps the most recent events in memory.
type Ring struct {
	mu     sync.RWMutex
	size   int
	events []Event
}

// NewRing creates a ring holding at most size events.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{size: size, events: make([]Event, 0, size)}
}

// Write implements Sink.
func (r *Ring) Write(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, cloneEvent(ev))
	if over := len(r.events) - r.size; over > 0 {
		r.events = append(r.events[:0], r.events[over:]...)
	}
	return nil
}

// Recent returns up to n of the newest events, oldest first. n <= 0
// returns all.
func (r *Ring) Recent(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	start := 0
	if n > 0 && n < len(r.events) {
		start = len(r.events) - n
	}
	out := make([]Event, len(r.events)-start)
	copy(out, r.events[start:])
	return out
}

// Count returns events with the given name.
func (r *Ring) Count(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ev := range r.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

// Close implements Sink.
func (r *Ring) Close(context.Context) error { return nil }

func cloneEvent(ev Event) Event {
	if ev.Props != nil {
		props := make(map[string]any, len(ev.Props))
		for k, v := range ev.Props {
			props[k] = v
		}
		ev.Props = props
	}
	return ev
}

// Beacon posts each event as JSON to an HTTP endpoint without waiting
// for the response. Delivery failures are logged at debug level.
type Beacon struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewBeacon creates a beacon sink. A nil client uses a 5s timeout client.
func NewBeacon(endpoint string, client *http.Client, logger *slog.Logger) *Beacon {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Beacon{endpoint: endpoint, client: client, logger: logger}
}

// Write implements Sink.
func (b *Beacon) Write(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		req, err := http.NewRequest(http.MethodPost, b.endpoint, bytes.NewReader(body))
		if err != nil {
			b.logger.Debug("beacon request", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := b.client.Do(req)
		if err != nil {
			b.logger.Debug("beacon send failed", "event", ev.Name, "error", err)
			return
		}
		resp.Body.Close()
	}()
	return nil
}

// Close waits for in-flight posts or ctx.
func (b *Beacon) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes events to a slog logger at debug level.
type LogSink struct {
	Logger *slog.Logger
}

// Write implements Sink.
func (s LogSink) Write(ev Event) error {
	attrs := make([]any, 0, 2+2*len(ev.Props))
	attrs = append(attrs, "event", ev.Name)
	for k, v := range ev.Props {
		attrs = append(attrs, k, v)
	}
	s.Logger.Debug("telemetry", attrs...)
	return nil
}

// Close implements Sink.
func (LogSink) Close(context.Context) error { return nil }
