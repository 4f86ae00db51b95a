package model

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// ParseStrict decodes text as exactly one JSON object. Leading and
// trailing whitespace is allowed; any other surrounding text is not.
func ParseStrict(text, provider string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(text)))
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, providerErr(provider, CodeMalformedJSON, "malformed JSON from provider", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, providerErr(provider, CodeMalformedJSON, "reply is not a JSON object", nil)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, providerErr(provider, CodeMalformedJSON, "trailing data after JSON object", nil)
	}
	return obj, nil
}
