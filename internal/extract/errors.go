package extract

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the pipeline.
var (
	// ErrRetriesExhausted is returned when a call fails after the
	// configured attempt ceiling.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrAuthenticationFailed aborts the whole run; invalid credentials
	// will not become valid by waiting.
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// StatusError reports an HTTP status the transport gave up on.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}
