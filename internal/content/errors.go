package content

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound: the id does not exist or belongs to another user.
	ErrNotFound = errors.New("content not found")

	// ErrConcurrencyConflict: a conditional update lost to another writer.
	ErrConcurrencyConflict = errors.New("content changed concurrently")

	// ErrMalformedSchedule: a stored scheduled_time could not be decoded.
	ErrMalformedSchedule = errors.New("malformed scheduled_time")

	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStoreUnavailable marks connectivity-level store failures.
	ErrStoreUnavailable = errors.New("content store unavailable")
)

// RuleViolationError is returned when a candidate time fails blocking rules.
type RuleViolationError struct {
	Violations        []string
	NextAvailableSlot *time.Time
}

func (e *RuleViolationError) Error() string {
	if len(e.Violations) == 0 {
		return "rule violation"
	}
	return "rule violation: " + strings.Join(e.Violations, "; ")
}
