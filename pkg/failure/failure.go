// Package failure defines the error kinds shared by the decoder, queue,
// worker pool and agent runtime, and how each kind is retried.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for retry and reporting decisions.
type Kind string

const (
	MalformedEvent   Kind = "MalformedEvent"
	UnsupportedEvent Kind = "UnsupportedEvent"
	QueueFull        Kind = "QueueFull"
	FetchFailed      Kind = "FetchFailed"
	PublishFailed    Kind = "PublishFailed"
	PartialPublish   Kind = "PartialPublish"
	AgentLogicError  Kind = "AgentLogicError"
	Timeout          Kind = "Timeout"
	Cancelled        Kind = "Cancelled"
	Unexpected       Kind = "Unexpected"
)

// Error is a classified error. Op names the step that failed.
type Error struct {
	Kind      Kind
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind with the default retry policy.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Retryable: DefaultRetryable(kind), Err: err}
}

// Errorf is New with a formatted message.
func Errorf(kind Kind, op string, format string, args ...interface{}) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

// DefaultRetryable reports whether errors of kind are infrastructure errors.
// Timeout defaults to infrastructure; agent execution timeouts are created
// with Retryable=false by the runtime.
func DefaultRetryable(kind Kind) bool {
	switch kind {
	case FetchFailed, PublishFailed, PartialPublish, Timeout, QueueFull:
		return true
	default:
		return false
	}
}

// KindOf returns the kind of err. Unclassified errors are Unexpected, and
// bare context errors map to Cancelled or Timeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Unexpected
}

// IsRetryable reports whether err is a classified infrastructure error.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
