// Package model is the remote operation client: it sends one operation to
// an ordered list of model providers, falls back once under the default
// policy, and accepts a reply only if it is a single strict JSON object
// that satisfies the operation's CUE schema.
//
// Providers:
//   - OllamaProvider: local /api/chat, NDJSON streaming
//   - ChatProvider: OpenAI-compatible chat completions, SSE streaming
//
// Parse and schema failures count as provider failures, so they trigger
// the fallback exactly like a timeout or a non-2xx status.
package model
