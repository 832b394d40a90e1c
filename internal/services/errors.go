package services

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidCode is the single generic rejection for everything an attacker
// could probe: unknown code, wrong state, expired code, revoked code,
// mismatched challenge token or continuation key. Responses built from it
// must not reveal which of these actually happened.
var ErrInvalidCode = errors.New("invalid or already used vote code")

// BannedError rejects every request from an identity until Until passes.
type BannedError struct {
	Until time.Time
}

func (e *BannedError) Error() string {
	return "too many attempts"
}

// RetryAfter is the remaining ban time, floored at zero.
func (e *BannedError) RetryAfter() time.Duration {
	remaining := time.Until(e.Until)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ValidationError names a bad field in a submit payload. This is the only
// error class allowed to be specific, because the caller already holds a
// valid unlocked session.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
