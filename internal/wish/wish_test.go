package wish

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/underthetree/internal/agent"
	"github.com/roach88/underthetree/internal/ids"
	"github.com/roach88/underthetree/internal/model"
	"github.com/roach88/underthetree/internal/queue"
	"github.com/roach88/underthetree/internal/remote"
	"github.com/roach88/underthetree/internal/reward"
	"github.com/roach88/underthetree/internal/telemetry"
)

type stubModel struct {
	mu      sync.Mutex
	calls   []model.Operation
	replies map[model.Operation]map[string]any
	errs    map[model.Operation]error
}

func (m *stubModel) Request(_ context.Context, op model.Operation, _ map[string]any, _ model.RequestOptions) (*model.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op)
	if err := m.errs[op]; err != nil {
		return nil, err
	}
	return &model.Result{OK: true, Operation: op, Payload: m.replies[op], Meta: model.Meta{ProviderUsed: "stub"}}, nil
}

func acceptingModel(text string) *stubModel {
	return &stubModel{replies: map[model.Operation]map[string]any{
		model.OpValidateWish: {
			"ok": true, "operation": "VALIDATE_WISH", "valid": true,
			"reasons": []any{}, "sanitized_text": text,
		},
		model.OpCreateWishPayload: {
			"ok": true, "operation": "CREATE_WISH_PAYLOAD",
			"db_payload": map[string]any{
				"user_id": nil, "text": text, "is_public": true,
				"tags": []any{"cozy"}, "summary": "a warm wish",
			},
			"error_code": nil, "error_msg": nil,
		},
	}}
}

type stubAgent struct {
	configured bool
	err        error
	written    []remote.WishRecord
}

func (a *stubAgent) Configured() bool { return a.configured }

func (a *stubAgent) WriteWish(_ context.Context, rec remote.WishRecord, _ time.Duration) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.written = append(a.written, rec)
	return "run-1", nil
}

type stubStore struct {
	mu         sync.Mutex
	configured bool
	err        error
	written    []remote.WishRecord
}

func (s *stubStore) Configured() bool { return s.configured }

func (s *stubStore) UpsertWish(_ context.Context, rec remote.WishRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.written = append(s.written, rec)
	return nil
}

func (s *stubStore) WaitForWish(_ context.Context, id string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.written {
		if r.ID == id {
			return true, nil
		}
	}
	return false, nil
}

type enqueued struct {
	id, opType string
	payload    any
}

type stubQueue struct {
	items []enqueued
}

func (q *stubQueue) EnqueueWithID(_ context.Context, id, opType string, payload any) (queue.Operation, error) {
	q.items = append(q.items, enqueued{id, opType, payload})
	return queue.Operation{ID: id, OpType: opType}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Emit(name string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "a puppy", Sanitize("  a\x00 pup\x07py\x7f \n"))
	assert.Equal(t, "café", Sanitize("café"), "normalized to NFC")
	assert.Equal(t, "", Sanitize("\t\r\n "))
	long := strings.Repeat("é", MaxLength+40)
	assert.Len(t, []rune(Sanitize(long)), MaxLength)
}

func TestSubmit_Empty(t *testing.T) {
	m := acceptingModel("x")
	svc := New(Options{Model: m, Queue: &stubQueue{}})
	res, err := svc.Submit(context.Background(), Request{Text: " \x01 "}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusEmpty, res.Status)
	assert.Empty(t, m.calls)
}

func TestSubmit_OfflineQueuesWithoutModelCalls(t *testing.T) {
	m := acceptingModel("unused")
	storage := queue.NewMemoryStorage()
	q := queue.New(storage, queue.Options{Online: func() bool { return false }})
	svc := New(Options{
		Model:  m,
		Queue:  q,
		IDs:    ids.NewFixedGenerator("op-offline"),
		Online: func() bool { return false },
	})

	res, err := svc.Submit(context.Background(), Request{Text: "a red bicycle", IsPublic: true}, nil)
	require.NoError(t, err)
	q.Wait()

	assert.Equal(t, StatusSavedLocally, res.Status)
	assert.Equal(t, "op-offline", res.ClientOpID)
	assert.Empty(t, m.calls)

	ops, err := storage.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "op-offline", ops[0].ID)
	assert.Equal(t, OpSubmitWish, ops[0].OpType)

	var p SubmitPayload
	require.NoError(t, json.Unmarshal(ops[0].Payload, &p))
	assert.Equal(t, "a red bicycle", p.Text)
	assert.Equal(t, "op-offline", p.ClientOpID)
	assert.Nil(t, p.UserID)
	assert.True(t, p.IsPublic)
}

func TestSubmit_SavedThroughAgent(t *testing.T) {
	m := acceptingModel("a red bicycle")
	a := &stubAgent{configured: true}
	st := &stubStore{configured: true}
	rec := &recorder{}
	cands := reward.NewCandidates(reward.NewMemoryKV(), nil, nil)
	svc := New(Options{
		Model: m, Agent: a, Store: st, Queue: &stubQueue{},
		Candidates: cands, IDs: ids.NewFixedGenerator("op-1"), Telemetry: rec,
	})

	res, err := svc.Submit(context.Background(), Request{Text: "a red bicycle", GiftDescription: "two wheels"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSaved, res.Status)
	assert.Equal(t, "agent", res.Writer)
	assert.False(t, res.Confirmed, "agent writes are not visible in the stub store")
	assert.Equal(t, []model.Operation{model.OpValidateWish, model.OpCreateWishPayload}, m.calls)

	require.Len(t, a.written, 1)
	assert.Equal(t, "op-1", a.written[0].ID)
	assert.Equal(t, []string{"cozy"}, a.written[0].Tags)
	assert.Contains(t, rec.events, telemetry.EventWishSubmitted)

	c, err := cands.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "a red bicycle", c.Title)
	assert.Equal(t, "two wheels", c.Description)
}

func TestSubmit_AgentNotConfiguredFallsBackToStore(t *testing.T) {
	st := &stubStore{configured: true}
	svc := New(Options{
		Model: acceptingModel("snow"), Agent: &stubAgent{}, Store: st,
		Queue: &stubQueue{}, IDs: ids.NewFixedGenerator("op-2"),
	})
	res, err := svc.Submit(context.Background(), Request{Text: "snow"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSaved, res.Status)
	assert.Equal(t, "store", res.Writer)
	assert.True(t, res.Confirmed)
	require.Len(t, st.written, 1)
	assert.True(t, st.written[0].IsPublic)
}

func TestSubmit_AgentFailureFallsBackToStore(t *testing.T) {
	st := &stubStore{configured: true}
	a := &stubAgent{configured: true, err: &agent.Error{Code: agent.CodeHTTP, Status: 502}}
	svc := New(Options{
		Model: acceptingModel("snow"), Agent: a, Store: st,
		Queue: &stubQueue{}, IDs: ids.NewFixedGenerator("op-3"),
	})
	res, err := svc.Submit(context.Background(), Request{Text: "snow"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "store", res.Writer)
}

func TestSubmit_WriteFailureQueuesCreateWish(t *testing.T) {
	q := &stubQueue{}
	st := &stubStore{configured: true, err: &remote.Error{Code: remote.CodeNetwork, Message: "offline"}}
	svc := New(Options{
		Model: acceptingModel("snow"), Store: st, Queue: q, IDs: ids.NewFixedGenerator("op-4"),
	})
	res, err := svc.Submit(context.Background(), Request{Text: "snow"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSavedLocally, res.Status)
	require.Len(t, q.items, 1)
	assert.Equal(t, OpCreateWish, q.items[0].opType)
	assert.Equal(t, "op-4", q.items[0].id)
	assert.Equal(t, "snow", q.items[0].payload.(remote.WishRecord).Text)
}

func TestSubmit_ModelErrorQueuesSubmitWish(t *testing.T) {
	m := acceptingModel("snow")
	m.errs = map[model.Operation]error{
		model.OpCreateWishPayload: &model.RequestError{Code: model.CodeTimeout},
	}
	q := &stubQueue{}
	svc := New(Options{Model: m, Queue: q, IDs: ids.NewFixedGenerator("op-5")})
	res, err := svc.Submit(context.Background(), Request{Text: "snow"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSavedLocally, res.Status)
	require.Len(t, q.items, 1)
	assert.Equal(t, OpSubmitWish, q.items[0].opType)
}

func TestSubmit_NotConfiguredIsNeverQueued(t *testing.T) {
	notConfigured := acceptingModel("snow")
	notConfigured.errs = map[model.Operation]error{
		model.OpValidateWish: &model.RequestError{Code: model.CodeNotConfigured, Message: "no providers"},
	}
	tests := []struct {
		name   string
		model  model.Requester
		store  StoreWriter
		reason string
	}{
		{"no model", nil, &stubStore{configured: true}, "No model providers are configured."},
		{"model has no providers", notConfigured, &stubStore{configured: true}, "No model providers are configured."},
		{"no writer", acceptingModel("snow"), &stubStore{}, "No wish store is configured."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := queue.NewMemoryStorage()
			q := queue.New(storage, queue.Options{})
			svc := New(Options{Model: tt.model, Store: tt.store, Queue: q, IDs: ids.NewFixedGenerator("op-nc")})

			res, err := svc.Submit(context.Background(), Request{Text: "snow"}, nil)
			require.NoError(t, err)
			q.Wait()

			assert.Equal(t, StatusNotConfigured, res.Status)
			assert.Equal(t, []string{tt.reason}, res.Reasons)
			assert.Empty(t, res.ClientOpID)
			ops, err := storage.Load(context.Background())
			require.NoError(t, err)
			assert.Empty(t, ops)
		})
	}
}

func TestSubmit_OfflineWithoutModelStillQueues(t *testing.T) {
	q := &stubQueue{}
	svc := New(Options{Queue: q, IDs: ids.NewFixedGenerator("op-8"), Online: func() bool { return false }})
	res, err := svc.Submit(context.Background(), Request{Text: "snow"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSavedLocally, res.Status)
	require.Len(t, q.items, 1)
	assert.Equal(t, OpSubmitWish, q.items[0].opType)
}

func TestSubmit_RejectedByValidation(t *testing.T) {
	m := acceptingModel("x")
	m.replies[model.OpValidateWish] = map[string]any{
		"ok": true, "operation": "VALIDATE_WISH", "valid": false,
		"reasons": []any{"Please keep it kind."}, "sanitized_text": nil,
	}
	q := &stubQueue{}
	svc := New(Options{Model: m, Queue: q, IDs: ids.NewFixedGenerator("op-6")})
	res, err := svc.Submit(context.Background(), Request{Text: "mean words"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, []string{"Please keep it kind."}, res.Reasons)
	assert.Empty(t, q.items)
	assert.Len(t, m.calls, 1)
}

func TestSubmit_RejectedByPayloadStep(t *testing.T) {
	m := acceptingModel("x")
	m.replies[model.OpCreateWishPayload] = map[string]any{
		"ok": false, "operation": "CREATE_WISH_PAYLOAD",
		"db_payload": map[string]any{"user_id": nil, "text": "", "is_public": false, "tags": []any{}, "summary": nil},
		"error_code": "TOO_VAGUE", "error_msg": "Tell us a little more.",
	}
	svc := New(Options{Model: m, Queue: &stubQueue{}, IDs: ids.NewFixedGenerator("op-7")})
	res, err := svc.Submit(context.Background(), Request{Text: "thing"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, []string{"Tell us a little more."}, res.Reasons)
}

func TestHandleSubmit(t *testing.T) {
	ctx := context.Background()
	raw := func(p SubmitPayload) json.RawMessage {
		b, err := json.Marshal(p)
		require.NoError(t, err)
		return b
	}

	t.Run("missing client op id is not retryable", func(t *testing.T) {
		svc := New(Options{Model: acceptingModel("x")})
		err := svc.Handlers()[OpSubmitWish](ctx, raw(SubmitPayload{Text: "x"}))
		assert.True(t, queue.IsNonRetryable(err))
	})

	t.Run("rejection is not retryable", func(t *testing.T) {
		m := acceptingModel("x")
		m.replies[model.OpValidateWish]["valid"] = false
		svc := New(Options{Model: m})
		err := svc.Handlers()[OpSubmitWish](ctx, raw(SubmitPayload{ClientOpID: "op", Text: "x"}))
		assert.True(t, queue.IsNonRetryable(err))
	})

	t.Run("model failure is retryable", func(t *testing.T) {
		m := acceptingModel("x")
		m.errs = map[model.Operation]error{model.OpValidateWish: errors.New("boom")}
		svc := New(Options{Model: m})
		err := svc.Handlers()[OpSubmitWish](ctx, raw(SubmitPayload{ClientOpID: "op", Text: "x"}))
		require.Error(t, err)
		assert.False(t, queue.IsNonRetryable(err))
	})

	t.Run("writes with the queued id and reports sync", func(t *testing.T) {
		st := &stubStore{configured: true}
		rec := &recorder{}
		svc := New(Options{Model: acceptingModel("sled"), Store: st, Telemetry: rec})
		err := svc.Handlers()[OpSubmitWish](ctx, raw(SubmitPayload{ClientOpID: "op-q", Text: "sled"}))
		require.NoError(t, err)
		require.Len(t, st.written, 1)
		assert.Equal(t, "op-q", st.written[0].ID)
		assert.Contains(t, rec.events, telemetry.EventWishSynced)
	})

	t.Run("no writer configured is not retryable", func(t *testing.T) {
		svc := New(Options{Model: acceptingModel("sled")})
		err := svc.Handlers()[OpSubmitWish](ctx, raw(SubmitPayload{ClientOpID: "op-q", Text: "sled"}))
		assert.True(t, queue.IsNonRetryable(err))
	})
}

func TestHandleCreate(t *testing.T) {
	st := &stubStore{configured: true}
	svc := New(Options{Store: st})
	b, err := json.Marshal(remote.WishRecord{ID: "op-c", Text: "skates"})
	require.NoError(t, err)
	require.NoError(t, svc.Handlers()[OpCreateWish](context.Background(), b))
	require.Len(t, st.written, 1)

	err = svc.Handlers()[OpCreateWish](context.Background(), json.RawMessage(`{"text":"x"}`))
	assert.True(t, queue.IsNonRetryable(err))
}
