package queue

import (
	"errors"
	"fmt"
)

// Error codes recorded on queued operations.
const (
	CodeOffline        = "offline"
	CodeMissingHandler = "missing_handler"
	CodeHandlerFailed  = "handler_failed"
)

// OpError is the classified failure of a handler.
type OpError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *OpError) Unwrap() error { return e.Err }

// NonRetryable marks a failure that must not be retried.
func NonRetryable(code, message string) *OpError {
	return &OpError{Code: code, Message: message}
}

// Retryable marks a transient failure.
func Retryable(code, message string) *OpError {
	return &OpError{Code: code, Message: message, Retryable: true}
}

// retryabler is implemented by errors from other layers (model, agent,
// remote) that know whether a retry can help.
type retryabler interface {
	Retryable() bool
}

type coder interface {
	ErrorCode() string
}

// ClassifyError converts any handler error into an *OpError. Errors that do
// not say otherwise are treated as retryable.
func ClassifyError(err error) *OpError {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return oe
	}
	out := &OpError{Code: CodeHandlerFailed, Message: err.Error(), Retryable: true, Err: err}
	var r retryabler
	if errors.As(err, &r) {
		out.Retryable = r.Retryable()
	}
	var c coder
	if errors.As(err, &c) && c.ErrorCode() != "" {
		out.Code = c.ErrorCode()
	}
	return out
}

// IsNonRetryable reports whether err was classified as permanent.
func IsNonRetryable(err error) bool {
	oe := ClassifyError(err)
	return oe != nil && !oe.Retryable
}
