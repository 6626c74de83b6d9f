package telegram

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by calls made, or retries pending, after Close.
var ErrClosed = errors.New("telegram: client closed")

// TransportError wraps connection, timeout, and decoding failures that
// survived every retry attempt.
type TransportError struct {
	Method   string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("telegram %s: transport failed after %d attempt(s): %v", e.Method, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// APIError is a well-formed Bot API envelope reporting failure, or a
// successful envelope missing a field the caller needs.
type APIError struct {
	Method      string
	Code        int
	Description string
	Envelope    json.RawMessage
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("telegram %s: api error %d: %s", e.Method, e.Code, e.Description)
	}

	return fmt.Sprintf("telegram %s: api error: %s", e.Method, e.Description)
}

// IsAPIError reports whether err carries a Bot API failure.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
