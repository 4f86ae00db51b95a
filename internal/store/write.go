package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/underthetree/internal/queue"
	"github.com/roach88/underthetree/internal/telemetry"
)

// SaveOperations replaces the whole queue with ops in one transaction.
// seq is the position in ops.
func (s *Store) SaveOperations(ctx context.Context, ops []queue.Operation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save operations: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queued_operations`); err != nil {
		return fmt.Errorf("save operations: clear: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO queued_operations
		(id, op_type, payload, attempts, next_attempt_at, created_at, failed, last_error, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("save operations: prepare: %w", err)
	}
	defer stmt.Close()

	for i, op := range ops {
		payload := op.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		if _, err := stmt.ExecContext(ctx,
			op.ID,
			op.OpType,
			string(payload),
			op.Attempts,
			op.NextAttemptAt,
			formatTime(op.CreatedAt),
			boolInt(op.Failed),
			nullString(op.LastError),
			i,
		); err != nil {
			return fmt.Errorf("save operations: insert %s: %w", op.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save operations: commit: %w", err)
	}
	return nil
}

// AppendEvent records a telemetry event and trims the table to the cap.
func (s *Store) AppendEvent(ctx context.Context, ev telemetry.Event) error {
	props, err := marshalProps(ev.Props)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	ts := ev.TS
	if ts.IsZero() {
		ts = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append event: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO telemetry_events (ts, event, props) VALUES (?, ?, ?)`,
		formatTime(ts), ev.Name, props,
	); err != nil {
		return fmt.Errorf("append event: insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM telemetry_events
		WHERE id NOT IN (SELECT id FROM telemetry_events ORDER BY id DESC LIMIT ?)
	`, s.telemetryCap); err != nil {
		return fmt.Errorf("append event: trim: %w", err)
	}
	return tx.Commit()
}

// PutJSON stores v as JSON under key, replacing any previous value.
func (s *Store) PutJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(b), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// DeleteKey removes key. Missing keys are not an error.
func (s *Store) DeleteKey(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
