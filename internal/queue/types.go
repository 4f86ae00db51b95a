package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Operation is one queued side effect.
type Operation struct {
	ID            string          `json:"id"`
	OpType        string          `json:"opType"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt int64           `json:"nextAttemptAt"` // epoch milliseconds
	CreatedAt     time.Time       `json:"createdAt"`
	Failed        bool            `json:"failed"`
	LastError     string          `json:"lastError,omitempty"`
}

// Due reports whether the operation may run at now.
func (o Operation) Due(now time.Time) bool {
	return o.NextAttemptAt <= now.UnixMilli()
}

// Handler performs one operation. Returning nil removes it from the queue.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Handlers maps opType to its handler.
type Handlers map[string]Handler

// Storage persists the whole operation collection.
type Storage interface {
	Load(ctx context.Context) ([]Operation, error)
	Save(ctx context.Context, ops []Operation) error
}

// Counts summarises the queue.
type Counts struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// CountsOf computes Counts for ops.
func CountsOf(ops []Operation) Counts {
	c := Counts{Total: len(ops)}
	for _, op := range ops {
		if op.Failed {
			c.Failed++
		} else {
			c.Pending++
		}
	}
	return c
}
