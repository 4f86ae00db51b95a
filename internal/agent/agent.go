// Package agent calls the wish-writing agent through the relay and
// interprets its loosely structured replies.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/underthetree/internal/proxy"
)

// DefaultTimeout bounds one agent call.
const DefaultTimeout = 15 * time.Second

// Error codes.
const (
	CodeNotConfigured = "NOT_CONFIGURED"
	CodeHTTP          = "HTTP"
	CodeTimeout       = "TIMEOUT"
	CodeNetwork       = "NETWORK"
	CodeMalformed     = "MALFORMED"
	CodeRejected      = "REJECTED"
)

// Error is a failed agent call.
type Error struct {
	Code    string
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := "agent " + e.Code
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Err }

// ErrorCode returns the code for queue classification.
func (e *Error) ErrorCode() string { return e.Code }

// Retryable reports whether the call may succeed later.
func (e *Error) Retryable() bool { return e.Code != CodeNotConfigured }

// Request is one call through the relay.
type Request struct {
	// RunID continues an existing run with PUT when set.
	RunID   string
	Message string
	Payload any
	Stream  bool
	OnChunk func([]byte)
	Timeout time.Duration
}

// Response is the relay's reply.
type Response struct {
	Text  string
	RunID string
}

// Client talks to a relay endpoint.
type Client struct {
	URL  string
	HTTP *http.Client
}

// Configured reports whether a relay URL is set.
func (c *Client) Configured() bool { return c != nil && strings.TrimSpace(c.URL) != "" }

// Do sends req and returns the full reply text.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if !c.Configured() {
		return nil, &Error{Code: CodeNotConfigured, Message: "agent relay not configured"}
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, &Error{Code: CodeNetwork, Message: "bad relay url", Err: err}
	}
	q := u.Query()
	method := http.MethodPost
	if req.RunID != "" {
		method = http.MethodPut
		q.Set("runId", req.RunID)
	}
	if req.Stream {
		q.Set("stream", "1")
	}
	u.RawQuery = q.Encode()

	var body io.Reader
	var envelope map[string]any
	switch {
	case req.Payload != nil:
		envelope = map[string]any{"payload": req.Payload, "stream": req.Stream}
	case req.Message != "":
		envelope = map[string]any{"message": req.Message, "stream": req.Stream}
	case req.Stream:
		envelope = map[string]any{"stream": true}
	}
	if envelope != nil {
		b, err := json.Marshal(envelope)
		if err != nil {
			return nil, &Error{Code: CodeMalformed, Message: "encode request", Err: err}
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, &Error{Code: CodeNetwork, Err: err}
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportErr(ctx, err)
	}
	defer resp.Body.Close()

	var text bytes.Buffer
	if req.OnChunk == nil {
		_, err = io.Copy(&text, resp.Body)
	} else {
		buf := make([]byte, 4096)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				text.Write(buf[:n])
				req.OnChunk(buf[:n])
			}
			if rerr != nil {
				if !errors.Is(rerr, io.EOF) {
					err = rerr
				}
				break
			}
		}
	}
	if err != nil {
		return nil, transportErr(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := CodeHTTP
		if resp.StatusCode == http.StatusNotImplemented {
			code = CodeNotConfigured
		}
		return nil, &Error{Code: code, Status: resp.StatusCode, Message: strings.TrimSpace(text.String())}
	}
	return &Response{Text: text.String(), RunID: resp.Header.Get(proxy.RunIDHeader)}, nil
}

func transportErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Err: err}
	}
	return &Error{Code: CodeNetwork, Err: err}
}
