package content

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of an Item.
type Status string

const (
	StatusPendingReview Status = "pending_review"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
	StatusScheduled     Status = "scheduled"
	StatusRetryWait     Status = "retry_wait"
	StatusPosted        Status = "posted"
	StatusError         Status = "error"
	StatusCancelled     Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPendingReview,
	StatusApproved,
	StatusRejected,
	StatusScheduled,
	StatusRetryWait,
	StatusPosted,
	StatusError,
	StatusCancelled,
}

// transitions is the only place allowed status changes are defined.
// approved -> posted/error covers immediate publishing.
var transitions = map[Status][]Status{
	StatusPendingReview: {StatusApproved, StatusRejected},
	StatusApproved:      {StatusScheduled, StatusPosted, StatusError, StatusCancelled},
	StatusScheduled:     {StatusPosted, StatusRetryWait, StatusError, StatusCancelled},
	StatusRetryWait:     {StatusScheduled},
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

func (s Status) String() string { return string(s) }

func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to against the transition table.
func Transition(from, to Status) error {
	if !from.Valid() || !to.Valid() || !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// TransitionError reports a status change outside the transition table.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
