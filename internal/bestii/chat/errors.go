package chat

import (
	"errors"
	"fmt"
)

// ErrInsufficientCredits signals that the user has no balance left. The
// completion clients wrap it inside a *TransportError when the provider proxy
// rejects a request for that reason.
var ErrInsufficientCredits = errors.New("chat: insufficient credits")

// ValidationError reports malformed input to a store or controller
// operation. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("chat: invalid %s: %s", e.Field, e.Reason)
}

// TransportError reports a failure talking to the completion proxy or the
// persistence layer. StatusCode is the HTTP status when one was received.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("chat: %s failed (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("chat: %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError reports a completion whose text could not be decoded into the
// expected JSON shape. Raw holds the offending text, truncated.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("chat: parse completion: %v (raw: %.200s)", e.Err, e.Raw)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status carried by the first *TransportError in
// err's chain, or 0.
func StatusCode(err error) int {
	var te *TransportError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}

// IsValidation reports whether err wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
