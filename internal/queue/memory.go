package queue

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStorage keeps operations in memory. It backs tests and runs
// without a database.
type MemoryStorage struct {
	mu  sync.Mutex
	ops []Operation
}

// NewMemoryStorage creates an empty storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Load implements Storage.
func (m *MemoryStorage) Load(context.Context) ([]Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneOps(m.ops), nil
}

// Save implements Storage.
func (m *MemoryStorage) Save(_ context.Context, ops []Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = cloneOps(ops)
	return nil
}

func cloneOps(ops []Operation) []Operation {
	out := make([]Operation, len(ops))
	for i, op := range ops {
		op.Payload = append(json.RawMessage(nil), op.Payload...)
		out[i] = op
	}
	return out
}
