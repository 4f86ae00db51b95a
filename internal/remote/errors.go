package remote

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Error codes produced locally. Codes reported by the store are passed
// through unchanged.
const (
	CodeNotConfigured = "NOT_CONFIGURED"
	CodeNetwork       = "NETWORK"
	CodeDecode        = "DECODE"
	CodeNoGifts       = "NO_GIFTS"
)

// Error is a failed store call.
type Error struct {
	Op      string
	Status  int
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "remote %s", e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, ": %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the call could succeed.
func (e *Error) Retryable() bool {
	switch {
	case e.Code == CodeNotConfigured:
		return false
	case e.Status == http.StatusBadRequest, e.Status == http.StatusUnauthorized,
		e.Status == http.StatusForbidden, e.Status == http.StatusConflict:
		return false
	}
	return true
}

// ErrorCode returns the code for queue classification.
func (e *Error) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("HTTP_%d", e.Status)
}

// IsNotConfigured reports whether err means the store is not configured.
func IsNotConfigured(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == CodeNotConfigured
}

// IsNotFound reports whether the store answered 404 or a not-found message.
func IsNotFound(err error) bool {
	var re *Error
	if !errors.As(err, &re) {
		return false
	}
	return re.Status == http.StatusNotFound || re.Code == "404" ||
		strings.Contains(strings.ToLower(re.Message), "not found")
}

var signatureHint = regexp.MustCompile(`(?i)function.*open_gift_for_user|parameters|does not exist`)

// isSignatureMismatch reports whether an RPC failure looks like the store
// has an older function signature.
func isSignatureMismatch(err error) bool {
	var re *Error
	if !errors.As(err, &re) {
		return false
	}
	return strings.HasPrefix(re.Code, "PGRST") || signatureHint.MatchString(re.Message)
}

// isPermanent reports whether err is a store error that will repeat.
func isPermanent(err error) bool {
	var re *Error
	return errors.As(err, &re) && !re.Retryable()
}
