package model

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	name  string
	props map[string]any
}

type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recorder) Emit(name string, props map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{name: name, props: props})
}

func (r *recorder) named(name string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

// stubProvider returns canned replies in order.
type stubProvider struct {
	name    string
	replies []string
	errs    []error
	calls   int
	mu      sync.Mutex
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Call(ctx context.Context, call Call) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.replies) {
		return s.replies[i], nil
	}
	return "", providerErr(s.name, CodeEmpty, "no reply", nil)
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

const validCreateWish = `{"ok":true,"operation":"CREATE_WISH_PAYLOAD","db_payload":{"user_id":null,"text":"a puppy","is_public":false,"tags":["pets"],"summary":null},"error_code":null,"error_msg":null}`

func newTestClient(t *testing.T, providers []Provider, rec *recorder) *Client {
	t.Helper()
	c, err := NewClient(providers, WithTelemetry(rec))
	require.NoError(t, err)
	return c
}

func TestRequest_PrimarySuccess(t *testing.T) {
	rec := &recorder{}
	primary := &stubProvider{name: "chat", replies: []string{validCreateWish}}
	secondary := &stubProvider{name: "ollama"}
	c := newTestClient(t, []Provider{primary, secondary}, rec)

	res, err := c.Request(context.Background(), OpCreateWishPayload, map[string]any{"text": "a puppy"}, RequestOptions{})
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.Equal(t, "chat", res.Meta.ProviderUsed)
	assert.False(t, res.Meta.Fallback)
	assert.Equal(t, 0, secondary.callCount())
	assert.Empty(t, rec.named("model_provider_fallback"))

	var typed CreateWishPayloadResult
	require.NoError(t, res.Decode(&typed))
	assert.Equal(t, "a puppy", typed.DBPayload.Text)
	assert.Equal(t, []string{"pets"}, typed.DBPayload.Tags)
}

func TestRequest_FallsBackOnceOnSchemaFailure(t *testing.T) {
	rec := &recorder{}
	missingTags := `{"ok":true,"operation":"CREATE_WISH_PAYLOAD","db_payload":{"user_id":null,"text":"a puppy","is_public":false,"summary":null},"error_code":null,"error_msg":null}`
	primary := &stubProvider{name: "chat", replies: []string{missingTags}}
	secondary := &stubProvider{name: "ollama", replies: []string{validCreateWish}}
	c := newTestClient(t, []Provider{primary, secondary}, rec)

	res, err := c.Request(context.Background(), OpCreateWishPayload, nil, RequestOptions{ClientOpID: "op-1"})
	require.NoError(t, err)

	assert.Equal(t, "ollama", res.Meta.ProviderUsed)
	assert.True(t, res.Meta.Fallback)
	assert.Equal(t, CodeSchema, res.Meta.FallbackFrom)

	fallbacks := rec.named("model_provider_fallback")
	require.Len(t, fallbacks, 1)
	assert.Equal(t, "chat", fallbacks[0].props["from"])
	assert.Equal(t, "ollama", fallbacks[0].props["to"])
	assert.Equal(t, "SCHEMA", fallbacks[0].props["reason"])
	assert.Equal(t, "op-1", fallbacks[0].props["clientOpId"])
}

func TestRequest_NoSecondFallback(t *testing.T) {
	rec := &recorder{}
	a := &stubProvider{name: "a", replies: []string{"not json"}}
	b := &stubProvider{name: "b", replies: []string{"still not json"}}
	third := &stubProvider{name: "c", replies: []string{validCreateWish}}
	c := newTestClient(t, []Provider{a, b, third}, rec)

	_, err := c.Request(context.Background(), OpCreateWishPayload, nil, RequestOptions{})
	require.Error(t, err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, CodeMalformedJSON, reqErr.Code)
	assert.Equal(t, []string{"a", "b"}, reqErr.Attempts)
	assert.False(t, reqErr.Retryable())
	assert.Equal(t, 0, third.callCount())
	assert.Len(t, rec.named("model_provider_fallback"), 1)
	assert.Len(t, rec.named("model_request_failed"), 1)
}

func TestRequest_OperationMismatchIsSchemaError(t *testing.T) {
	reply := `{"ok":true,"operation":"VALIDATE_WISH","valid":true,"reasons":[],"sanitized_text":null}`
	p := &stubProvider{name: "only", replies: []string{reply}}
	c := newTestClient(t, []Provider{p}, &recorder{})

	_, err := c.Request(context.Background(), OpFetchUserGifts, nil, RequestOptions{})
	require.Error(t, err)
	assert.Equal(t, CodeSchema, CodeOf(err))
}

func TestRequest_NoProviders(t *testing.T) {
	c := newTestClient(t, nil, &recorder{})

	_, err := c.Request(context.Background(), OpValidateWish, nil, RequestOptions{})
	require.Error(t, err)
	assert.True(t, IsNotConfigured(err))
}

func TestRequest_CancelledContextStopsFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &cancelingProvider{cancel: cancel}
	b := &stubProvider{name: "b", replies: []string{validCreateWish}}
	c := newTestClient(t, []Provider{a, b}, &recorder{})

	_, err := c.Request(ctx, OpCreateWishPayload, nil, RequestOptions{})
	require.Error(t, err)
	assert.Equal(t, 0, b.callCount())
}

type cancelingProvider struct{ cancel context.CancelFunc }

func (p *cancelingProvider) Name() string { return "a" }

func (p *cancelingProvider) Call(ctx context.Context, _ Call) (string, error) {
	p.cancel()
	return "", providerErr("a", CodeUnknown, "cancelled", ctx.Err())
}

func TestOllama_NonStream(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprintf(w, `{"message":{"content":%q},"done":true}`, `{"ok":true}`)
	}))
	defer srv.Close()

	p := &OllamaProvider{BaseURL: srv.URL + "/"}
	text, err := p.Call(context.Background(), Call{
		Operation: OpValidateWish,
		Input:     map[string]any{"text": "snow"},
		Timeout:   time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, text)

	assert.Equal(t, DefaultOllamaModel, got.Model)
	assert.False(t, got.Stream)
	assert.Equal(t, 256, got.Options.NumPredict)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.JSONEq(t, `{"operation":"VALIDATE_WISH","text":"snow"}`, got.Messages[1].Content)
}

func TestOllama_StreamNDJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"{\"ok\":"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":"true}"},"done":false}`)
		fmt.Fprintln(w, `{"done":true}`)
		fmt.Fprintln(w, `{"message":{"content":"ignored"},"done":false}`)
	}))
	defer srv.Close()

	var progress []Progress
	p := &OllamaProvider{BaseURL: srv.URL}
	text, err := p.Call(context.Background(), Call{
		Operation: OpValidateWish,
		Timeout:   time.Second,
		Stream:    true,
		OnChunk:   func(pr Progress) { progress = append(progress, pr) },
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, text)
	require.Len(t, progress, 2)
	assert.Equal(t, 2, progress[1].Chunks)
	assert.Equal(t, len(text), progress[1].Bytes)
}

func TestOllama_EmptyStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"done":true}`)
	}))
	defer srv.Close()

	p := &OllamaProvider{BaseURL: srv.URL}
	_, err := p.Call(context.Background(), Call{Operation: OpValidateWish, Timeout: time.Second, Stream: true})
	assert.Equal(t, CodeEmpty, CodeOf(err))
}

func TestOllama_NotConfigured(t *testing.T) {
	p := &OllamaProvider{}
	_, err := p.Call(context.Background(), Call{Operation: OpValidateWish})
	assert.Equal(t, CodeNotConfigured, CodeOf(err))
}

func TestChat_NonStreamAndAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultChatModel, req.Model)
		assert.Equal(t, 256, req.MaxTokens)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hello"}}]}`)
	}))
	defer srv.Close()

	p := &ChatProvider{Endpoint: srv.URL, APIKey: "sekrit"}
	text, err := p.Call(context.Background(), Call{Operation: OpGenerateGiftSummary, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestChat_StreamSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"!\"}}]}\n\n")
	}))
	defer srv.Close()

	p := &ChatProvider{Endpoint: srv.URL, APIKey: "k"}
	text, err := p.Call(context.Background(), Call{Operation: OpGenerateGiftSummary, Timeout: time.Second, Stream: true})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestChat_HTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := &ChatProvider{Endpoint: srv.URL, APIKey: "k"}
	_, err := p.Call(context.Background(), Call{Operation: OpGenerateGiftSummary, Timeout: time.Second})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodeHTTP, pe.Code)
	assert.Equal(t, http.StatusBadGateway, pe.Status)
}

func TestChat_MissingKeyNotConfigured(t *testing.T) {
	p := &ChatProvider{Endpoint: "http://example.invalid"}
	assert.False(t, p.Configured())
	_, err := p.Call(context.Background(), Call{Operation: OpGenerateGiftSummary})
	assert.Equal(t, CodeNotConfigured, CodeOf(err))
}

func TestStream_InactivityTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"{"},"done":false}`)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := &OllamaProvider{BaseURL: srv.URL, Inactivity: 50 * time.Millisecond}
	_, err := p.Call(context.Background(), Call{Operation: OpValidateWish, Timeout: 5 * time.Second, Stream: true})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodeTimeout, pe.Code)
	assert.Equal(t, "stream inactivity", pe.Message)
}

func TestCall_OverallTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := &ChatProvider{Endpoint: srv.URL, APIKey: "k"}
	_, err := p.Call(context.Background(), Call{Operation: OpValidateWish, Timeout: 50 * time.Millisecond})
	assert.Equal(t, CodeTimeout, CodeOf(err))
}

func TestOrdered(t *testing.T) {
	ollama := &OllamaProvider{}
	chat := &ChatProvider{}

	got := Ordered("chat", ollama, nil, chat)
	require.Len(t, got, 2)
	assert.Equal(t, "chat", got[0].Name())
	assert.Equal(t, "ollama", got[1].Name())

	got = Ordered("missing", ollama, chat)
	assert.Equal(t, "ollama", got[0].Name())
}
