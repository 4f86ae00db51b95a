package store

import (
	"context"
	"time"

	"github.com/roach88/underthetree/internal/queue"
	"github.com/roach88/underthetree/internal/telemetry"
)

// QueueStorage adapts a Store to queue.Storage.
type QueueStorage struct {
	s *Store
}

// Queue returns the queue.Storage view of the store.
func (s *Store) Queue() QueueStorage {
	return QueueStorage{s: s}
}

// Load implements queue.Storage.
func (q QueueStorage) Load(ctx context.Context) ([]queue.Operation, error) {
	return q.s.LoadOperations(ctx)
}

// Save implements queue.Storage.
func (q QueueStorage) Save(ctx context.Context, ops []queue.Operation) error {
	return q.s.SaveOperations(ctx, ops)
}

// TelemetrySink adapts a Store to telemetry.Sink. Writes use a short
// timeout so a locked database never stalls an emitter.
type TelemetrySink struct {
	s       *Store
	timeout time.Duration
}

// Telemetry returns the telemetry.Sink view of the store.
func (s *Store) Telemetry() TelemetrySink {
	return TelemetrySink{s: s, timeout: 2 * time.Second}
}

// Write implements telemetry.Sink.
func (t TelemetrySink) Write(ev telemetry.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	return t.s.AppendEvent(ctx, ev)
}

// Close implements telemetry.Sink. The store itself is closed by its owner.
func (TelemetrySink) Close(context.Context) error { return nil }

var (
	_ queue.Storage  = QueueStorage{}
	_ telemetry.Sink = TelemetrySink{}
)
