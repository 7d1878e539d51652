package github

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/google/go-github/v68/github"

	"github.com/holon-run/miyabi/pkg/failure"
)

// retryOn lists the statuses worth another attempt.
var retryOn = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// RateLimitInfo is the rate limit state attached to an error response.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	Reset     int64
}

// ErrorDetail is one entry of a GitHub validation error.
type ErrorDetail struct {
	Resource string `json:"resource"`
	Field    string `json:"field"`
	Code     string `json:"code"`
	Message  string `json:"message,omitempty"`
}

// APIError is a non-2xx response from the GitHub API.
type APIError struct {
	StatusCode int
	Message    string
	Errors     []ErrorDetail
	RateLimit  *RateLimitInfo
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("GitHub API error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("GitHub API error (status %d): %s", e.StatusCode, e.Message)
}

// wrapError converts go-github error types into *APIError so callers
// classify one shape.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return fmt.Errorf("%s: %w", op, &APIError{
			StatusCode: statusOf(rle.Response, http.StatusForbidden),
			Message:    rle.Message,
			RateLimit: &RateLimitInfo{
				Limit:     rle.Rate.Limit,
				Remaining: rle.Rate.Remaining,
				Reset:     rle.Rate.Reset.Unix(),
			},
		})
	}
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		return fmt.Errorf("%s: %w", op, &APIError{
			StatusCode: statusOf(abuse.Response, http.StatusForbidden),
			Message:    abuse.Message,
			RateLimit:  &RateLimitInfo{},
		})
	}
	var er *github.ErrorResponse
	if errors.As(err, &er) {
		apiErr := &APIError{StatusCode: statusOf(er.Response, 0), Message: er.Message}
		for _, d := range er.Errors {
			apiErr.Errors = append(apiErr.Errors, ErrorDetail{Resource: d.Resource, Field: d.Field, Code: d.Code, Message: d.Message})
		}
		return fmt.Errorf("%s: %w", op, apiErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func statusOf(resp *http.Response, fallback int) int {
	if resp == nil {
		return fallback
	}
	return resp.StatusCode
}

// IsRateLimitError reports a 429, or a 403 that carries rate limit info.
func IsRateLimitError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return apiErr.StatusCode == http.StatusForbidden && apiErr.RateLimit != nil
}

// IsNotFoundError reports a 404.
func IsNotFoundError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsAuthenticationError reports a 401, or a 403 that is not rate limiting.
func IsAuthenticationError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == http.StatusUnauthorized {
		return true
	}
	return apiErr.StatusCode == http.StatusForbidden && apiErr.RateLimit == nil
}

// IsRetryableError reports whether err is transient: a retryable status,
// rate limiting, a timeout or a connection failure. Other API errors are
// permanent.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return retryOn[apiErr.StatusCode] || IsRateLimitError(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset")
}

// Classify wraps err as a failure of kind. Retryable follows
// IsRetryableError; a cancelled context becomes Cancelled.
func Classify(kind failure.Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return failure.New(failure.Cancelled, op, err)
	}
	return &failure.Error{Kind: kind, Op: op, Retryable: IsRetryableError(err), Err: err}
}
