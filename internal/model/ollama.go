package model

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// DefaultOllamaModel is used when no model is configured.
const DefaultOllamaModel = "llama3.2:3b"

// OllamaProvider talks to an Ollama server's /api/chat endpoint.
type OllamaProvider struct {
	BaseURL    string
	Model      string
	Client     *http.Client
	Inactivity time.Duration
}

// Name implements Provider.
func (p *OllamaProvider) Name() string { return "ollama" }

// Configured reports whether a base URL is set.
func (p *OllamaProvider) Configured() bool { return strings.TrimSpace(p.BaseURL) != "" }

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
	Messages []chatMessage `json:"messages"`
}

type ollamaChunk struct {
	Message *struct {
		Content *string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// Call implements Provider.
func (p *OllamaProvider) Call(ctx context.Context, call Call) (string, error) {
	name := p.Name()
	if !p.Configured() {
		return "", providerErr(name, CodeNotConfigured, "ollama not configured", nil)
	}
	msgs, err := messages(call.Operation, call.Input)
	if err != nil {
		return "", providerErr(name, CodeUnknown, "build messages", err)
	}
	model := p.Model
	if model == "" {
		model = DefaultOllamaModel
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	scope := newCallScope(ctx, call.Timeout)
	defer scope.close()

	url := strings.TrimRight(p.BaseURL, "/") + "/api/chat"
	resp, err := scope.post(client, name, url, nil, ollamaRequest{
		Model:    model,
		Stream:   call.Stream,
		Options:  ollamaOptions{Temperature: 0, TopP: 1, NumPredict: 256},
		Messages: msgs,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if !call.Stream {
		var env ollamaChunk
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			if pe := scope.classify(name, err); pe.Code != CodeNetwork {
				return "", pe
			}
			return "", providerErr(name, CodeMalformed, "decode response", err)
		}
		if env.Message == nil || env.Message.Content == nil {
			return "", providerErr(name, CodeMalformed, "missing message.content", nil)
		}
		return *env.Message.Content, nil
	}

	inactivity := p.Inactivity
	if inactivity <= 0 {
		inactivity = DefaultInactivity
	}
	return scope.streamLines(name, resp.Body, inactivity, call.OnChunk, func(line []byte) (string, bool) {
		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", false
		}
		part := ""
		if chunk.Message != nil && chunk.Message.Content != nil {
			part = *chunk.Message.Content
		}
		return part, chunk.Done
	})
}
