package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/underthetree/internal/telemetry"
)

// DefaultTimeout bounds one provider attempt.
const DefaultTimeout = 10 * time.Second

// Policy controls provider fallback.
type Policy struct {
	// MaxFallbacks is how many providers after the first may be tried.
	MaxFallbacks int
}

// DefaultPolicy falls back at most once.
func DefaultPolicy() Policy { return Policy{MaxFallbacks: 1} }

// RequestOptions tunes one request.
type RequestOptions struct {
	Timeout    time.Duration
	Stream     bool
	OnProgress func(Progress)
	// ClientOpID correlates telemetry with a queued operation.
	ClientOpID string
}

// Meta describes how a request was served.
type Meta struct {
	ProviderUsed string        `json:"provider_used"`
	Duration     time.Duration `json:"duration"`
	Fallback     bool          `json:"fallback"`
	FallbackFrom ErrorCode     `json:"fallback_from,omitempty"`
}

// Result is a schema-valid reply.
type Result struct {
	OK        bool           `json:"ok"`
	Operation Operation      `json:"operation"`
	Payload   map[string]any `json:"payload"`
	Meta      Meta           `json:"meta"`
}

// Decode converts the payload into one of the typed result structs.
func (r *Result) Decode(v any) error {
	b, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("decode %s result: %w", r.Operation, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s result: %w", r.Operation, err)
	}
	return nil
}

// Requester is the part of Client that callers depend on.
type Requester interface {
	Request(ctx context.Context, op Operation, input map[string]any, opts RequestOptions) (*Result, error)
}

// Client sends operations to an ordered list of providers, validating
// each reply before accepting it.
type Client struct {
	providers []Provider
	policy    Policy
	schemas   *Schemas
	telemetry telemetry.Emitter
	logger    *slog.Logger
	now       func() time.Time
}

var _ Requester = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithPolicy overrides the fallback policy.
func WithPolicy(p Policy) ClientOption { return func(c *Client) { c.policy = p } }

// WithTelemetry sets the event emitter.
func WithTelemetry(t telemetry.Emitter) ClientOption { return func(c *Client) { c.telemetry = t } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption { return func(c *Client) { c.logger = l } }

// WithClock overrides the clock used for durations.
func WithClock(now func() time.Time) ClientOption { return func(c *Client) { c.now = now } }

// NewClient returns a client trying providers in order.
func NewClient(providers []Provider, opts ...ClientOption) (*Client, error) {
	schemas, err := LoadSchemas()
	if err != nil {
		return nil, err
	}
	c := &Client{
		providers: providers,
		policy:    DefaultPolicy(),
		schemas:   schemas,
		telemetry: telemetry.Nop{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Providers returns the provider names in attempt order.
func (c *Client) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// Request runs op against the providers. A provider failure of any kind
// moves on to the next provider while the policy allows; caller
// cancellation stops immediately.
func (c *Client) Request(ctx context.Context, op Operation, input map[string]any, opts RequestOptions) (*Result, error) {
	start := c.now()
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	attempts := 1 + c.policy.MaxFallbacks
	if attempts > len(c.providers) {
		attempts = len(c.providers)
	}

	var (
		lastErr   error
		firstCode ErrorCode
		tried     []string
	)
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = providerErr("", CodeUnknown, "cancelled", err)
			}
			break
		}
		p := c.providers[i]
		if i > 0 {
			c.telemetry.Emit(telemetry.EventModelFallback, map[string]any{
				"from":       c.providers[i-1].Name(),
				"to":         p.Name(),
				"reason":     string(CodeOf(lastErr)),
				"operation":  string(op),
				"clientOpId": opts.ClientOpID,
			})
			c.logger.Info("model provider fallback",
				"from", c.providers[i-1].Name(), "to", p.Name(), "reason", CodeOf(lastErr), "operation", op)
		}
		tried = append(tried, p.Name())

		obj, err := c.attempt(ctx, p, op, input, opts)
		if err == nil {
			meta := Meta{ProviderUsed: p.Name(), Duration: c.now().Sub(start), Fallback: i > 0}
			if i > 0 {
				meta.FallbackFrom = firstCode
			}
			return &Result{OK: true, Operation: op, Payload: obj, Meta: meta}, nil
		}
		if i == 0 {
			firstCode = CodeOf(err)
		}
		lastErr = err
		c.logger.Debug("model provider failed", "provider", p.Name(), "operation", op, "error", err)
	}

	if lastErr == nil {
		lastErr = providerErr("", CodeNotConfigured, "no providers configured", nil)
	}
	reqErr := &RequestError{
		Operation: op,
		Code:      CodeOf(lastErr),
		Duration:  c.now().Sub(start),
		Attempts:  tried,
		Err:       lastErr,
	}
	c.telemetry.Emit(telemetry.EventModelFailed, map[string]any{
		"operation":  string(op),
		"code":       string(reqErr.Code),
		"durationMs": reqErr.Duration.Milliseconds(),
		"clientOpId": opts.ClientOpID,
	})
	return nil, reqErr
}

func (c *Client) attempt(ctx context.Context, p Provider, op Operation, input map[string]any, opts RequestOptions) (map[string]any, error) {
	text, err := p.Call(ctx, Call{
		Operation: op,
		Input:     input,
		Timeout:   opts.Timeout,
		Stream:    opts.Stream,
		OnChunk:   opts.OnProgress,
	})
	if err != nil {
		var pe *ProviderError
		if !errors.As(err, &pe) {
			err = providerErr(p.Name(), CodeUnknown, "provider failed", err)
		}
		return nil, err
	}
	obj, err := ParseStrict(text, p.Name())
	if err != nil {
		return nil, err
	}
	if err := c.schemas.Validate(op, obj); err != nil {
		return nil, providerErr(p.Name(), CodeSchema, "reply failed schema", err)
	}
	return obj, nil
}

// Ordered returns providers with the one named primary first, skipping
// nil entries. Unknown primaries keep the given order.
func Ordered(primary string, providers ...Provider) []Provider {
	out := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p != nil && p.Name() == primary {
			out = append(out, p)
		}
	}
	for _, p := range providers {
		if p != nil && p.Name() != primary {
			out = append(out, p)
		}
	}
	return out
}
