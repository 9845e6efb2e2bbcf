package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want *time.Duration
	}{
		{"12", durPtr(12 * time.Second)},
		{"Sat, 07 Feb 2026 00:00:10 GMT", durPtr(10 * time.Second)},
		{"Fri, 06 Feb 2026 00:00:10 GMT", durPtr(0)},
		{"", nil},
		{"soon", nil},
	}
	for _, tc := range cases {
		got := ParseRetryAfter(tc.in, now)
		if (got == nil) != (tc.want == nil) || (got != nil && *got != *tc.want) {
			t.Fatalf("ParseRetryAfter(%q): got %v want %v", tc.in, got, tc.want)
		}
	}
}

func durPtr(d time.Duration) *time.Duration { return &d }

func TestErrorFromHTTPStatus(t *testing.T) {
	cases := []struct {
		status    int
		message   string
		want      string
		retryable bool
	}{
		{400, "bad request", "*llm.InvalidRequestError", false},
		{400, "content filter policy violated", "*llm.ContentFilterError", false},
		{400, "This model's maximum context length is 8192 tokens", "*llm.ContextLengthError", false},
		{400, "billing issue on account", "*llm.QuotaExceededError", false},
		{400, "model does not exist", "*llm.NotFoundError", false},
		{400, "invalid api key", "*llm.AuthenticationError", false},
		{401, "content filter", "*llm.AuthenticationError", false},
		{403, "", "*llm.AccessDeniedError", false},
		{404, "quota", "*llm.NotFoundError", false},
		{408, "", "*llm.RequestTimeoutError", true},
		{413, "", "*llm.ContextLengthError", false},
		{422, "invalid field", "*llm.InvalidRequestError", false},
		{429, "rate limited", "*llm.RateLimitError", true},
		{429, "insufficient_quota", "*llm.QuotaExceededError", false},
		{500, "", "*llm.ServerError", true},
		{503, "", "*llm.ServerError", true},
		{418, "", "*llm.UnknownHTTPError", true},
	}
	for _, tc := range cases {
		err := ErrorFromHTTPStatus("openai", tc.status, tc.message, nil)
		if got := fmt.Sprintf("%T", err); got != tc.want {
			t.Fatalf("status %d %q: got %s want %s", tc.status, tc.message, got, tc.want)
		}
		var e Error
		if !errors.As(err, &e) {
			t.Fatalf("status %d: not an llm.Error (%T)", tc.status, err)
		}
		if e.Retryable() != tc.retryable || IsRetryable(err) != tc.retryable {
			t.Fatalf("status %d: retryable=%t want %t", tc.status, e.Retryable(), tc.retryable)
		}
		if e.StatusCode() != tc.status || e.Provider() != "openai" {
			t.Fatalf("status %d: got status %d provider %q", tc.status, e.StatusCode(), e.Provider())
		}
	}
}

func TestFromTransportError(t *testing.T) {
	err := FromTransportError("openai", fmt.Errorf("post: %w", context.DeadlineExceeded))
	var te *RequestTimeoutError
	if !errors.As(err, &te) || te.Retryable() {
		t.Fatalf("deadline: got %T retryable=%v", err, IsRetryable(err))
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("cause not preserved")
	}

	refused := errors.New("connection refused")
	err = FromTransportError("openai", refused)
	var ne *NetworkError
	if !errors.As(err, &ne) || !ne.Retryable() || !errors.Is(err, refused) {
		t.Fatalf("network: got %T %v", err, err)
	}

	if FromTransportError("openai", nil) != nil {
		t.Fatal("nil error must stay nil")
	}
}

func TestIsAuthenticationError(t *testing.T) {
	if !IsAuthenticationError(fmt.Errorf("wrap: %w", ErrorFromHTTPStatus("p", 401, "", nil))) {
		t.Fatal("wrapped 401 not detected")
	}
	if IsAuthenticationError(ErrorFromHTTPStatus("p", 500, "", nil)) {
		t.Fatal("500 detected as auth")
	}
}

func TestConfigurationError_Message(t *testing.T) {
	err := &ConfigurationError{Message: " missing key "}
	if err.Error() != "llm configuration: missing key" {
		t.Fatalf("got %q", err.Error())
	}
	if err.Retryable() {
		t.Fatal("configuration errors are not retryable")
	}
}
