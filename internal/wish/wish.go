// Package wish submits viewer wishes: sanitize, validate and shape with the
// model, then write through the agent relay or the remote store. Anything
// that cannot finish now is queued for the retry queue, so a wish is never
// lost. Missing configuration is reported instead, since a retry cannot fix
// it.
package wish

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/underthetree/internal/agent"
	"github.com/roach88/underthetree/internal/ids"
	"github.com/roach88/underthetree/internal/model"
	"github.com/roach88/underthetree/internal/queue"
	"github.com/roach88/underthetree/internal/remote"
	"github.com/roach88/underthetree/internal/reward"
	"github.com/roach88/underthetree/internal/telemetry"
)

// Queue operation types.
const (
	OpSubmitWish = "SUBMIT_WISH"
	OpCreateWish = "CREATE_WISH"
)

// Status is the outcome shown to the viewer.
type Status string

const (
	StatusSaved        Status = "saved"
	StatusSavedLocally Status = "saved_locally"
	StatusRejected     Status = "rejected"
	StatusEmpty        Status = "empty"
	// StatusNotConfigured means no model or writer is set up. Nothing is
	// queued.
	StatusNotConfigured Status = "not_configured"
)

// Request is one wish submission.
type Request struct {
	Text            string
	UserID          string
	IsPublic        bool
	GiftDescription string
}

// Result describes a submission.
type Result struct {
	Status     Status   `json:"status"`
	ClientOpID string   `json:"client_op_id,omitempty"`
	Text       string   `json:"text,omitempty"`
	Reasons    []string `json:"reasons,omitempty"`
	Writer     string   `json:"writer,omitempty"`
	Confirmed  bool     `json:"confirmed,omitempty"`
	Fallback   bool     `json:"fallback,omitempty"`
}

// SubmitPayload is the SUBMIT_WISH queue payload.
type SubmitPayload struct {
	ClientOpID      string  `json:"client_op_id"`
	UserID          *string `json:"user_id"`
	Text            string  `json:"text"`
	IsPublic        bool    `json:"is_public"`
	GiftDescription string  `json:"gift_description,omitempty"`
}

// AgentWriter writes wishes through the agent relay.
type AgentWriter interface {
	Configured() bool
	WriteWish(ctx context.Context, rec remote.WishRecord, timeout time.Duration) (string, error)
}

// StoreWriter writes wishes directly to the remote store.
type StoreWriter interface {
	Configured() bool
	UpsertWish(ctx context.Context, rec remote.WishRecord) error
	WaitForWish(ctx context.Context, id string, interval time.Duration) (bool, error)
}

// Enqueuer is the part of the retry queue the service uses.
type Enqueuer interface {
	EnqueueWithID(ctx context.Context, id, opType string, payload any) (queue.Operation, error)
}

// Options configures a Service.
type Options struct {
	Model      model.Requester
	Agent      AgentWriter
	Store      StoreWriter
	Queue      Enqueuer
	Candidates *reward.Candidates
	IDs        ids.Generator
	Online     func() bool
	Telemetry  telemetry.Emitter
	Logger     *slog.Logger

	ModelTimeout        time.Duration // 10s
	AgentTimeout        time.Duration // 15s interactive
	QueuedAgentTimeout  time.Duration // 4s from the queue
	ConfirmTimeout      time.Duration // 3.5s
	QueuedConfirmWindow time.Duration // 4.5s
	TotalTimeout        time.Duration // 20s
	ConfirmInterval     time.Duration // 500ms
}

func (o Options) withDefaults() Options {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&o.ModelTimeout, model.DefaultTimeout)
	def(&o.AgentTimeout, 15*time.Second)
	def(&o.QueuedAgentTimeout, 4*time.Second)
	def(&o.ConfirmTimeout, 3500*time.Millisecond)
	def(&o.QueuedConfirmWindow, 4500*time.Millisecond)
	def(&o.TotalTimeout, 20*time.Second)
	def(&o.ConfirmInterval, 500*time.Millisecond)
	if o.IDs == nil {
		o.IDs = ids.UUIDv7Generator{}
	}
	if o.Online == nil {
		o.Online = func() bool { return true }
	}
	if o.Telemetry == nil {
		o.Telemetry = telemetry.Nop{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Service submits wishes.
type Service struct {
	opts Options
}

// New returns a Service.
func New(opts Options) *Service {
	return &Service{opts: opts.withDefaults()}
}

// Submit runs the interactive submission. Errors are returned only when
// even the local queue cannot take the wish.
func (s *Service) Submit(ctx context.Context, req Request, onProgress func(model.Progress)) (Result, error) {
	o := s.opts
	text := Sanitize(req.Text)
	if text == "" {
		return Result{Status: StatusEmpty, Reasons: []string{"Wish can't be empty."}}, nil
	}
	id := o.IDs.Generate()
	payload := SubmitPayload{
		ClientOpID:      id,
		UserID:          optional(req.UserID),
		Text:            text,
		IsPublic:        req.IsPublic,
		GiftDescription: req.GiftDescription,
	}

	if !o.Online() {
		return s.saveLocally(ctx, payload, "offline")
	}
	if o.Model == nil {
		return notConfiguredResult(text, "No model providers are configured."), nil
	}

	pctx, cancel := context.WithTimeout(ctx, o.TotalTimeout)
	defer cancel()

	shaped, rejected, err := s.shape(pctx, payload, model.RequestOptions{
		Timeout:    o.ModelTimeout,
		Stream:     true,
		OnProgress: onProgress,
		ClientOpID: id,
	})
	if err != nil {
		if isNotConfigured(err) {
			o.Logger.Warn("wish model step is not configured", "client_op_id", id, "error", err)
			return notConfiguredResult(text, "No model providers are configured."), nil
		}
		o.Logger.Info("wish model step failed, saving locally", "client_op_id", id, "error", err)
		return s.saveLocally(ctx, payload, "model")
	}
	if rejected != nil {
		rejected.ClientOpID = id
		rejected.Text = text
		return *rejected, nil
	}

	res := Result{Status: StatusSaved, ClientOpID: id, Text: shaped.text, Fallback: shaped.fallback}
	writer, err := s.write(pctx, shaped.record, o.AgentTimeout)
	if err != nil {
		if isNotConfigured(err) {
			o.Logger.Warn("no wish writer is configured", "client_op_id", id, "error", err)
			return notConfiguredResult(shaped.text, "No wish store is configured."), nil
		}
		o.Logger.Info("wish write failed, saving locally", "client_op_id", id, "error", err)
		if _, qerr := o.Queue.EnqueueWithID(ctx, id, OpCreateWish, shaped.record); qerr != nil {
			return Result{}, qerr
		}
		res.Status = StatusSavedLocally
		return res, nil
	}
	res.Writer = writer
	res.Confirmed = s.confirm(pctx, id, o.ConfirmTimeout)
	s.recordCandidate(ctx, shaped.text, req.GiftDescription)

	o.Telemetry.Emit(telemetry.EventWishSubmitted, map[string]any{
		"clientOpId": id,
		"writer":     writer,
		"confirmed":  res.Confirmed,
		"fallback":   shaped.fallback,
		"textLength": len([]rune(shaped.text)),
	})
	return res, nil
}

func (s *Service) saveLocally(ctx context.Context, p SubmitPayload, reason string) (Result, error) {
	if s.opts.Queue == nil {
		return Result{}, errors.New("wish queue unavailable")
	}
	if _, err := s.opts.Queue.EnqueueWithID(ctx, p.ClientOpID, OpSubmitWish, p); err != nil {
		return Result{}, err
	}
	s.opts.Logger.Debug("wish saved locally", "client_op_id", p.ClientOpID, "reason", reason)
	return Result{Status: StatusSavedLocally, ClientOpID: p.ClientOpID, Text: p.Text}, nil
}

// isNotConfigured reports whether err is a permanent NOT_CONFIGURED
// failure from the model, the agent relay or the store.
func isNotConfigured(err error) bool {
	oe := queue.ClassifyError(err)
	return oe != nil && !oe.Retryable && oe.Code == string(model.CodeNotConfigured)
}

func notConfiguredResult(text, reason string) Result {
	return Result{Status: StatusNotConfigured, Text: text, Reasons: []string{reason}}
}

type shapedWish struct {
	text     string
	record   remote.WishRecord
	fallback bool
}

// shape runs VALIDATE_WISH and CREATE_WISH_PAYLOAD. A model-level
// rejection is returned as a Result, transport failures as an error.
func (s *Service) shape(ctx context.Context, p SubmitPayload, ro model.RequestOptions) (*shapedWish, *Result, error) {
	m := s.opts.Model

	vopts := ro
	vopts.Stream = false
	vopts.OnProgress = nil
	vres, err := m.Request(ctx, model.OpValidateWish, map[string]any{"text": p.Text}, vopts)
	if err != nil {
		return nil, nil, err
	}
	var v model.ValidateWishResult
	if err := vres.Decode(&v); err != nil {
		return nil, nil, err
	}
	if !v.OK || !v.Valid {
		reasons := nonEmpty(v.Reasons)
		if len(reasons) == 0 {
			reasons = []string{"Something went wrong, try again"}
		}
		return nil, &Result{Status: StatusRejected, Reasons: reasons}, nil
	}
	text := p.Text
	if v.SanitizedText != nil && *v.SanitizedText != "" {
		text = *v.SanitizedText
	}

	var userID any
	if p.UserID != nil {
		userID = *p.UserID
	}
	cres, err := m.Request(ctx, model.OpCreateWishPayload, map[string]any{
		"user_id":   userID,
		"text":      text,
		"is_public": p.IsPublic,
	}, ro)
	if err != nil {
		return nil, nil, err
	}
	var c model.CreateWishPayloadResult
	if err := cres.Decode(&c); err != nil {
		return nil, nil, err
	}
	if !c.OK {
		msg := "Something went wrong, try again"
		if c.ErrorMsg != nil && *c.ErrorMsg != "" {
			msg = *c.ErrorMsg
		}
		return nil, &Result{Status: StatusRejected, Reasons: []string{msg}}, nil
	}

	rec := remote.WishRecord{
		ID:       p.ClientOpID,
		UserID:   c.DBPayload.UserID,
		Text:     c.DBPayload.Text,
		Summary:  c.DBPayload.Summary,
		Tags:     c.DBPayload.Tags,
		IsPublic: c.DBPayload.IsPublic,
	}
	if rec.Text == "" {
		rec.Text = text
	}
	return &shapedWish{text: text, record: rec, fallback: vres.Meta.Fallback || cres.Meta.Fallback}, nil, nil
}

// write tries the agent relay first and the store second. It returns the
// name of the writer that succeeded.
func (s *Service) write(ctx context.Context, rec remote.WishRecord, agentTimeout time.Duration) (string, error) {
	o := s.opts
	var agentErr error
	if o.Agent != nil && o.Agent.Configured() {
		if _, err := o.Agent.WriteWish(ctx, rec, agentTimeout); err == nil {
			return "agent", nil
		} else {
			agentErr = err
			o.Logger.Info("agent wish write failed", "client_op_id", rec.ID, "error", err)
		}
	}
	if o.Store == nil || !o.Store.Configured() {
		if agentErr != nil {
			return "", agentErr
		}
		return "", &remote.Error{Op: "upsert_wish", Code: remote.CodeNotConfigured, Message: "no wish writer configured"}
	}
	if err := o.Store.UpsertWish(ctx, rec); err != nil {
		return "", err
	}
	return "store", nil
}

// confirm waits briefly for the wish to become visible. It is best effort.
func (s *Service) confirm(ctx context.Context, id string, window time.Duration) bool {
	o := s.opts
	if o.Store == nil || !o.Store.Configured() {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	ok, err := o.Store.WaitForWish(cctx, id, o.ConfirmInterval)
	if err != nil {
		o.Logger.Debug("wish confirmation failed", "client_op_id", id, "error", err)
	}
	return ok
}

func (s *Service) recordCandidate(ctx context.Context, text, description string) {
	if s.opts.Candidates == nil {
		return
	}
	if err := s.opts.Candidates.Record(ctx, text, description); err != nil {
		s.opts.Logger.Debug("could not record wish candidate", "error", err)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

var _ AgentWriter = (*agent.Client)(nil)
var _ StoreWriter = (*remote.Client)(nil)
