package wish

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/roach88/underthetree/internal/model"
	"github.com/roach88/underthetree/internal/queue"
	"github.com/roach88/underthetree/internal/remote"
	"github.com/roach88/underthetree/internal/telemetry"
)

// Handlers returns the queue handlers that replay wishes.
func (s *Service) Handlers() queue.Handlers {
	return queue.Handlers{
		OpSubmitWish: s.handleSubmit,
		OpCreateWish: s.handleCreate,
	}
}

func (s *Service) handleSubmit(ctx context.Context, raw json.RawMessage) error {
	o := s.opts
	var p SubmitPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return queue.NonRetryable("BAD_PAYLOAD", err.Error())
	}
	if strings.TrimSpace(p.ClientOpID) == "" {
		return queue.NonRetryable("MISSING_CLIENT_OP_ID", "SUBMIT_WISH without client_op_id")
	}
	p.Text = Sanitize(p.Text)
	if p.Text == "" {
		return queue.NonRetryable("EMPTY_WISH", "wish text is empty")
	}
	if o.Model == nil {
		return queue.Retryable(string(model.CodeNotConfigured), "no model providers")
	}

	shaped, rejected, err := s.shape(ctx, p, model.RequestOptions{
		Timeout:    o.ModelTimeout,
		ClientOpID: p.ClientOpID,
	})
	if err != nil {
		return err
	}
	if rejected != nil {
		return queue.NonRetryable("WISH_REJECTED", strings.Join(rejected.Reasons, "; "))
	}

	writer, err := s.write(ctx, shaped.record, o.QueuedAgentTimeout)
	if err != nil {
		return err
	}
	confirmed := s.confirm(ctx, p.ClientOpID, o.QueuedConfirmWindow)
	s.recordCandidate(ctx, shaped.text, p.GiftDescription)
	o.Telemetry.Emit(telemetry.EventWishSynced, map[string]any{
		"clientOpId": p.ClientOpID,
		"writer":     writer,
		"confirmed":  confirmed,
		"fallback":   shaped.fallback,
	})
	return nil
}

func (s *Service) handleCreate(ctx context.Context, raw json.RawMessage) error {
	var rec remote.WishRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return queue.NonRetryable("BAD_PAYLOAD", err.Error())
	}
	if rec.ID == "" {
		return queue.NonRetryable("MISSING_CLIENT_OP_ID", "CREATE_WISH without id")
	}
	writer, err := s.write(ctx, rec, s.opts.QueuedAgentTimeout)
	if err != nil {
		return err
	}
	s.opts.Telemetry.Emit(telemetry.EventWishSynced, map[string]any{
		"clientOpId": rec.ID,
		"writer":     writer,
	})
	return nil
}
