package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind splits publish failures by whether a retry can help.
type Kind int

const (
	Transient Kind = iota
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified publish failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// RetryAfter is the platform's minimum wait, if it sent one.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code == "" {
		return fmt.Sprintf("%s publish error: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s publish error (%s): %s", e.Kind, e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func NewTransient(code, msg string, err error) *Error {
	return &Error{Kind: Transient, Code: code, Message: msg, Err: err}
}

func NewPermanent(code, msg string, err error) *Error {
	return &Error{Kind: Permanent, Code: code, Message: msg, Err: err}
}

// Classify maps any publish error onto *Error. Unknown errors are transient.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewTransient("timeout", "publish timed out", err)
	case errors.Is(err, context.Canceled):
		return NewTransient("canceled", "publish canceled", err)
	}
	return NewTransient("unknown", err.Error(), err)
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	pe := Classify(err)
	return pe != nil && pe.Kind == Permanent
}
