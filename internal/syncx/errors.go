package syncx

import (
	"errors"
	"fmt"
	"time"
)

// TimeoutError reports that a bounded wait hit its ceiling.
type TimeoutError struct {
	// Label names the wait, e.g. "confetti sync" or "return home".
	Label string

	// After is the ceiling that elapsed.
	After time.Duration

	// Detail carries extra context such as the media time reached.
	Detail string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: timed out after %s (%s)", e.Label, e.After, e.Detail)
	}
	return fmt.Sprintf("%s: timed out after %s", e.Label, e.After)
}

// IsTimeout returns true if err is or wraps a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// ErrNoMedia is returned when a media wait is given no element.
var ErrNoMedia = errors.New("syncx: missing media element")
