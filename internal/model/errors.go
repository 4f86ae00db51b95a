package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies provider and request failures.
type ErrorCode string

const (
	// CodeNotConfigured means the provider lacks an endpoint or key.
	CodeNotConfigured ErrorCode = "NOT_CONFIGURED"
	// CodeHTTP means the provider answered with a non-2xx status.
	CodeHTTP ErrorCode = "HTTP"
	// CodeMalformed means the provider envelope lacked the content field.
	CodeMalformed ErrorCode = "MALFORMED"
	// CodeMalformedJSON means the content was not a single JSON object.
	CodeMalformedJSON ErrorCode = "MALFORMED_JSON"
	// CodeSchema means the JSON object failed the operation schema.
	CodeSchema ErrorCode = "SCHEMA"
	// CodeEmpty means a stream finished without content.
	CodeEmpty ErrorCode = "EMPTY"
	// CodeTimeout means the overall or inactivity timeout fired.
	CodeTimeout ErrorCode = "TIMEOUT"
	// CodeNetwork means the transport failed.
	CodeNetwork ErrorCode = "NETWORK"
	// CodeUnknown is used for anything else, including caller cancellation.
	CodeUnknown ErrorCode = "UNKNOWN"
)

// ProviderError is one provider's failure.
type ProviderError struct {
	Provider string
	Code     ErrorCode
	Message  string
	Status   int
	Err      error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the cause.
func (e *ProviderError) Unwrap() error { return e.Err }

func providerErr(provider string, code ErrorCode, msg string, cause error) *ProviderError {
	return &ProviderError{Provider: provider, Code: code, Message: msg, Err: cause}
}

// CodeOf returns the code of a *ProviderError in err's chain, or
// CodeUnknown.
func CodeOf(err error) ErrorCode {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeUnknown
}

// RequestError is returned when every permitted provider attempt failed.
type RequestError struct {
	Operation Operation
	Code      ErrorCode
	Duration  time.Duration
	Attempts  []string
	Err       error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	return fmt.Sprintf("model request %s failed: %s after %s (tried %v)",
		e.Operation, e.Code, e.Duration.Round(time.Millisecond), e.Attempts)
}

// Unwrap returns the last provider error.
func (e *RequestError) Unwrap() error { return e.Err }

// Retryable reports whether queueing the request again could help.
// Configuration, parse and schema failures repeat on identical input.
func (e *RequestError) Retryable() bool {
	switch e.Code {
	case CodeNotConfigured, CodeMalformedJSON, CodeSchema:
		return false
	}
	return true
}

// ErrorCode returns the code as a plain string.
func (e *RequestError) ErrorCode() string { return string(e.Code) }

// IsNotConfigured reports whether err stems from missing configuration.
func IsNotConfigured(err error) bool {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Code == CodeNotConfigured
	}
	return CodeOf(err) == CodeNotConfigured
}

// SchemaError reports why a reply failed its operation schema.
type SchemaError struct {
	Operation Operation
	Message   string
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema %s: %s", e.Operation, e.Message)
}
