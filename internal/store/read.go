package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/underthetree/internal/queue"
	"github.com/roach88/underthetree/internal/telemetry"
)

// LoadOperations returns the queue in saved order.
//
// Returns an empty slice (not nil) when the queue is empty.
func (s *Store) LoadOperations(ctx context.Context) ([]queue.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, op_type, payload, attempts, next_attempt_at, created_at, failed, last_error
		FROM queued_operations
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	ops := []queue.Operation{}
	for rows.Next() {
		var (
			op        queue.Operation
			payload   string
			createdAt string
			failed    int
			lastError sql.NullString
		)
		if err := rows.Scan(&op.ID, &op.OpType, &payload, &op.Attempts, &op.NextAttemptAt,
			&createdAt, &failed, &lastError); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.Payload = json.RawMessage(payload)
		if op.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		op.Failed = failed != 0
		op.LastError = lastError.String
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

// RecentEvents returns up to limit of the newest telemetry events, oldest
// first. limit <= 0 returns everything kept.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]telemetry.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, event, props FROM (
			SELECT id, ts, event, props FROM telemetry_events ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []telemetry.Event{}
	for rows.Next() {
		var ts, name, props string
		if err := rows.Scan(&ts, &name, &props); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev := telemetry.Event{Name: name}
		if ev.TS, err = parseTime(ts); err != nil {
			return nil, err
		}
		if ev.Props, err = unmarshalProps(props); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// GetJSON decodes the value stored under key into v. It returns false
// when the key does not exist.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("get %s: decode: %w", key, err)
	}
	return true, nil
}
