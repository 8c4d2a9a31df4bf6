package bridge

import (
	"errors"
	"fmt"
	"time"
)

// ErrMissingParameters indicates a required request field was absent.
var ErrMissingParameters = errors.New("bridge: missing parameters")

// RateLimitedError is returned when admission control denies an operation.
type RateLimitedError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("bridge: %s rate limited, retry after %s", e.Op, e.RetryAfter)
}

// IdentityError reports a hand-off failure after a credential was already
// consumed. It carries the resolved subject so the caller can retry the
// hand-off directly instead of re-running the handshake, which would fail
// on the now-consumed credential.
type IdentityError struct {
	SubjectID string
	Err       error
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("bridge: identity hand-off for subject %s: %v", e.SubjectID, e.Err)
}

func (e *IdentityError) Unwrap() error { return e.Err }
