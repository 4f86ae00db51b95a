package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// DefaultInactivity aborts a stream that delivers no bytes for this long.
const DefaultInactivity = 6 * time.Second

// maxLine bounds one streamed line.
const maxLine = 1 << 20

// Provider sends one operation to a model backend and returns the raw
// reply text.
type Provider interface {
	Name() string
	Call(ctx context.Context, call Call) (string, error)
}

// Call is one provider invocation.
type Call struct {
	Operation Operation
	Input     map[string]any
	Timeout   time.Duration
	Stream    bool
	OnChunk   func(Progress)
}

// Progress reports streaming progress.
type Progress struct {
	Provider string `json:"provider"`
	Chunks   int    `json:"chunks"`
	Bytes    int    `json:"bytes"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// messages builds the system + user message pair. The user message is the
// input object with "operation" set.
func messages(op Operation, input map[string]any) ([]chatMessage, error) {
	envelope := make(map[string]any, len(input)+1)
	for k, v := range input {
		envelope[k] = v
	}
	envelope["operation"] = string(op)
	b, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	return []chatMessage{
		{Role: "system", Content: SystemPrompt},
		{Role: "user", Content: string(b)},
	}, nil
}

var (
	errCallTimeout = errors.New("call timeout")
	errInactivity  = errors.New("stream inactivity")
)

// callScope bounds one provider call with an overall timeout and, for
// streams, an inactivity watchdog.
type callScope struct {
	parent   context.Context
	ctx      context.Context
	cancel   context.CancelCauseFunc
	overall  *time.Timer
	mu       sync.Mutex
	idle     *time.Timer
	idleSpan time.Duration
}

func newCallScope(parent context.Context, timeout time.Duration) *callScope {
	ctx, cancel := context.WithCancelCause(parent)
	s := &callScope{parent: parent, ctx: ctx, cancel: cancel}
	if timeout > 0 {
		s.overall = time.AfterFunc(timeout, func() { cancel(errCallTimeout) })
	}
	return s
}

// watchIdle arms the inactivity watchdog.
func (s *callScope) watchIdle(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleSpan = d
	s.idle = time.AfterFunc(d, func() { s.cancel(errInactivity) })
}

// bump resets the inactivity watchdog.
func (s *callScope) bump() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idle != nil {
		s.idle.Reset(s.idleSpan)
	}
}

func (s *callScope) close() {
	if s.overall != nil {
		s.overall.Stop()
	}
	s.mu.Lock()
	if s.idle != nil {
		s.idle.Stop()
	}
	s.mu.Unlock()
	s.cancel(nil)
}

// classify maps a transport or read error to a ProviderError.
func (s *callScope) classify(provider string, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	cause := context.Cause(s.ctx)
	switch {
	case errors.Is(cause, errCallTimeout):
		return providerErr(provider, CodeTimeout, "timeout", err)
	case errors.Is(cause, errInactivity):
		return providerErr(provider, CodeTimeout, "stream inactivity", err)
	case s.parent.Err() != nil:
		return providerErr(provider, CodeUnknown, "cancelled", s.parent.Err())
	default:
		return providerErr(provider, CodeNetwork, "request failed", err)
	}
}

// post sends a JSON body and checks the status.
func (s *callScope) post(client *http.Client, provider, url string, header http.Header, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, providerErr(provider, CodeUnknown, "encode request", err)
	}
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, providerErr(provider, CodeNetwork, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, s.classify(provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &ProviderError{
			Provider: provider,
			Code:     CodeHTTP,
			Message:  fmt.Sprintf("HTTP %d", resp.StatusCode),
			Status:   resp.StatusCode,
		}
	}
	return resp, nil
}

// idleReader bumps the watchdog whenever bytes arrive.
type idleReader struct {
	r     io.Reader
	scope *callScope
}

func (r idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.scope.bump()
	}
	return n, err
}

// streamLines reads body line by line under the inactivity watchdog and
// accumulates the text returned by extract. extract returns the content
// delta of a line and whether the stream is finished.
func (s *callScope) streamLines(provider string, body io.Reader, inactivity time.Duration,
	onChunk func(Progress), extract func(line []byte) (string, bool)) (string, error) {
	s.watchIdle(inactivity)
	sc := bufio.NewScanner(idleReader{r: body, scope: s})
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	var full bytes.Buffer
	chunks := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		part, done := extract(line)
		if part != "" {
			full.WriteString(part)
			chunks++
			if onChunk != nil {
				onChunk(Progress{Provider: provider, Chunks: chunks, Bytes: full.Len()})
			}
		}
		if done {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return "", s.classify(provider, err)
	}
	if full.Len() == 0 {
		return "", providerErr(provider, CodeEmpty, "stream produced no content", nil)
	}
	return full.String(), nil
}
