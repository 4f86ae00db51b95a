package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/underthetree/internal/queue"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestOperation creates a pending operation with minimal fields.
func createTestOperation(id, opType string) queue.Operation {
	return queue.Operation{
		ID:            id,
		OpType:        opType,
		Payload:       json.RawMessage(`{"client_op_id":"` + id + `"}`),
		NextAttemptAt: 1_700_000_000_000,
		CreatedAt:     time.Date(2025, 12, 24, 18, 0, 0, 0, time.UTC),
	}
}
