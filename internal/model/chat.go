package model

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// DefaultChatModel is used when no model is configured.
const DefaultChatModel = "gpt-4o-mini"

// ChatProvider talks to an OpenAI-compatible chat completions endpoint.
type ChatProvider struct {
	Endpoint   string
	APIKey     string
	Model      string
	Client     *http.Client
	Inactivity time.Duration
}

// Name implements Provider.
func (p *ChatProvider) Name() string { return "chat" }

// Configured reports whether both endpoint and key are set.
func (p *ChatProvider) Configured() bool {
	return strings.TrimSpace(p.Endpoint) != "" && strings.TrimSpace(p.APIKey) != ""
}

type chatRequest struct {
	Model       string        `json:"model"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

var sseDone = []byte("data: [DONE]")

// Call implements Provider.
func (p *ChatProvider) Call(ctx context.Context, call Call) (string, error) {
	name := p.Name()
	if !p.Configured() {
		return "", providerErr(name, CodeNotConfigured, "chat provider not configured", nil)
	}
	msgs, err := messages(call.Operation, call.Input)
	if err != nil {
		return "", providerErr(name, CodeUnknown, "build messages", err)
	}
	model := p.Model
	if model == "" {
		model = DefaultChatModel
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	scope := newCallScope(ctx, call.Timeout)
	defer scope.close()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.APIKey)
	resp, err := scope.post(client, name, p.Endpoint, header, chatRequest{
		Model:       model,
		Stream:      call.Stream,
		Temperature: 0,
		TopP:        1,
		MaxTokens:   256,
		Messages:    msgs,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if !call.Stream {
		var env chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			if pe := scope.classify(name, err); pe.Code != CodeNetwork {
				return "", pe
			}
			return "", providerErr(name, CodeMalformed, "decode response", err)
		}
		if len(env.Choices) == 0 || env.Choices[0].Message == nil || env.Choices[0].Message.Content == nil {
			return "", providerErr(name, CodeMalformed, "missing choices[0].message.content", nil)
		}
		return *env.Choices[0].Message.Content, nil
	}

	inactivity := p.Inactivity
	if inactivity <= 0 {
		inactivity = DefaultInactivity
	}
	return scope.streamLines(name, resp.Body, inactivity, call.OnChunk, func(line []byte) (string, bool) {
		if bytes.Equal(line, sseDone) {
			return "", true
		}
		payload := line
		if bytes.HasPrefix(payload, []byte("data:")) {
			payload = bytes.TrimSpace(payload[len("data:"):])
		}
		var chunk chatResponse
		if err := json.Unmarshal(payload, &chunk); err != nil {
			return "", false
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			return "", false
		}
		return chunk.Choices[0].Delta.Content, false
	})
}
