package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is implemented by every failure a provider adapter or the client
// returns for a completion call.
type Error interface {
	error
	Provider() string
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "llm configuration: " + strings.TrimSpace(e.Message)
}
func (e *ConfigurationError) Provider() string           { return "" }
func (e *ConfigurationError) StatusCode() int            { return 0 }
func (e *ConfigurationError) Retryable() bool            { return false }
func (e *ConfigurationError) RetryAfter() *time.Duration { return nil }

type providerError struct {
	provider   string
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
	cause      error
}

func (e *providerError) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	if e.statusCode == 0 {
		return fmt.Sprintf("%s: %s", e.provider, msg)
	}
	return fmt.Sprintf("%s: status %d: %s", e.provider, e.statusCode, msg)
}
func (e *providerError) Provider() string           { return e.provider }
func (e *providerError) StatusCode() int            { return e.statusCode }
func (e *providerError) Retryable() bool            { return e.retryable }
func (e *providerError) RetryAfter() *time.Duration { return e.retryAfter }
func (e *providerError) Unwrap() error              { return e.cause }

type InvalidRequestError struct{ providerError }
type AuthenticationError struct{ providerError }
type AccessDeniedError struct{ providerError }
type NotFoundError struct{ providerError }
type RequestTimeoutError struct{ providerError }
type ContextLengthError struct{ providerError }
type ContentFilterError struct{ providerError }
type QuotaExceededError struct{ providerError }
type RateLimitError struct{ providerError }
type ServerError struct{ providerError }
type NetworkError struct{ providerError }
type UnknownHTTPError struct{ providerError }

// ErrorFromHTTPStatus maps a provider HTTP failure onto the error hierarchy.
// 400 and 422 are refined by message text.
func ErrorFromHTTPStatus(provider string, statusCode int, message string, retryAfter *time.Duration) error {
	base := providerError{
		provider:   strings.TrimSpace(provider),
		statusCode: statusCode,
		message:    message,
		retryAfter: retryAfter,
	}
	switch statusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		if err := classifyByMessage(base); err != nil {
			return err
		}
		return &InvalidRequestError{base}
	case http.StatusUnauthorized:
		return &AuthenticationError{base}
	case http.StatusForbidden:
		return &AccessDeniedError{base}
	case http.StatusNotFound:
		return &NotFoundError{base}
	case http.StatusRequestTimeout:
		base.retryable = true
		return &RequestTimeoutError{base}
	case http.StatusRequestEntityTooLarge:
		return &ContextLengthError{base}
	case http.StatusTooManyRequests:
		if strings.Contains(strings.ToLower(message), "insufficient_quota") {
			return &QuotaExceededError{base}
		}
		base.retryable = true
		return &RateLimitError{base}
	}
	base.retryable = true
	if statusCode >= 500 && statusCode <= 599 {
		return &ServerError{base}
	}
	return &UnknownHTTPError{base}
}

func classifyByMessage(base providerError) error {
	lower := strings.ToLower(base.message)
	switch {
	case containsAny(lower, "content filter", "content_filter", "safety"):
		return &ContentFilterError{base}
	case containsAny(lower, "context length", "context_length", "too many tokens", "maximum context"):
		return &ContextLengthError{base}
	case containsAny(lower, "quota", "billing"):
		return &QuotaExceededError{base}
	case containsAny(lower, "model_not_found", "does not exist"):
		return &NotFoundError{base}
	case containsAny(lower, "invalid api key", "invalid key", "unauthorized"):
		return &AuthenticationError{base}
	}
	return nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// NewRequestTimeoutError reports a call that ran out of time before the
// provider answered. It is not retryable.
func NewRequestTimeoutError(provider, message string) error {
	return &RequestTimeoutError{providerError{provider: strings.TrimSpace(provider), message: message}}
}

// NewNetworkError wraps a transport failure that produced no HTTP status.
func NewNetworkError(provider string, cause error) error {
	msg := "network error"
	if cause != nil {
		msg = cause.Error()
	}
	return &NetworkError{providerError{provider: strings.TrimSpace(provider), message: msg, retryable: true, cause: cause}}
}

// FromTransportError converts an error without an HTTP status. Context
// expiry becomes a RequestTimeoutError, anything else a NetworkError.
func FromTransportError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &RequestTimeoutError{providerError{provider: strings.TrimSpace(provider), message: err.Error(), cause: err}}
	}
	return NewNetworkError(provider, err)
}

// ParseRetryAfter accepts integer seconds or an HTTP date.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := max(t.Sub(now), 0)
		return &d
	}
	return nil
}

func IsAuthenticationError(err error) bool {
	var e *AuthenticationError
	return errors.As(err, &e)
}

// IsRetryable reports whether err is an llm Error marked retryable.
func IsRetryable(err error) bool {
	var e Error
	return errors.As(err, &e) && e.Retryable()
}
