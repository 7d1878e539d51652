package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"kind only", &Error{Kind: QueueFull}, "QueueFull"},
		{"with op", &Error{Kind: FetchFailed, Op: "fetch issue"}, "FetchFailed: fetch issue"},
		{"with cause", &Error{Kind: PublishFailed, Op: "push", Err: errors.New("denied")}, "PublishFailed: push: denied"},
		{"cause without op", &Error{Kind: Timeout, Err: errors.New("slow")}, "Timeout: slow"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", New(AgentLogicError, "execute", errors.New("bad")))
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"wrapped classified", wrapped, AgentLogicError},
		{"context canceled", context.Canceled, Cancelled},
		{"deadline", fmt.Errorf("x: %w", context.DeadlineExceeded), Timeout},
		{"plain", errors.New("boom"), Unexpected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !IsRetryable(New(FetchFailed, "", nil)) {
		t.Error("FetchFailed should be retryable")
	}
	if IsRetryable(New(AgentLogicError, "", nil)) {
		t.Error("AgentLogicError should not be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("unclassified errors are not retryable by themselves")
	}
	e := New(Timeout, "execute", nil)
	e.Retryable = false
	if IsRetryable(e) {
		t.Error("explicit Retryable=false must win")
	}
	if !Is(wrapErr(e), Timeout) {
		t.Error("Is() should see through wrapping")
	}
}

func wrapErr(err error) error { return fmt.Errorf("wrapped: %w", err) }
