package platform

import (
	"errors"
	"fmt"
	"time"
)

// Stable PublishError codes. Adapters wrap provider failures with one of
// these so logs and status rows stay greppable across platforms.
const (
	CodeContentBlank     = "content_blank"
	CodeContentTooLong   = "content_too_long"
	CodeReplyRefMissing  = "reply_ref_missing"
	CodeMediaUnsupported = "media_unsupported"
	CodeUnauthorized     = "unauthorized"
	CodeRateLimited      = "rate_limited"
	CodeTimeout          = "timeout"
	CodeUnavailable      = "unavailable"
	CodeRejected         = "rejected"
)

// PublishError is the failure type adapters return from CreatePost.
//
// Retryable controls worker behavior: true means the fan-out unit goes back
// to the queue with backoff, false means the platform entry is terminal
// failed. RetryAfter is an optional server-provided delay hint (e.g. from
// an HTTP 429); the worker bounds and jitters it.
type PublishError struct {
	Code       string
	Message    string
	Retryable  bool
	RetryAfter time.Duration
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %s", e.Code, e.Message)
}

// Errf builds a PublishError with a formatted message.
func Errf(code string, retryable bool, format string, args ...any) *PublishError {
	return &PublishError{Code: code, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

// WrapErr preserves the provider's message under a stable code.
func WrapErr(code string, retryable bool, err error) *PublishError {
	if err == nil {
		return nil
	}
	return &PublishError{Code: code, Message: err.Error(), Retryable: retryable}
}

// AsPublishError unwraps err into a *PublishError if possible.
func AsPublishError(err error) (*PublishError, bool) {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether err is a retryable PublishError.
// Unknown error types are treated as retryable; the attempt ceiling still
// bounds them.
func IsRetryable(err error) bool {
	if pe, ok := AsPublishError(err); ok {
		return pe.Retryable
	}
	return err != nil
}
