// Package apierrors holds the error taxonomy of the provider access layer
// and the one place where provider errors are classified.
package apierrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrAuthenticationRequired means the tenant has no usable token and must
	// reconnect. Never retried.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrQuotaExceeded is only surfaced when quota retries are capped.
	ErrQuotaExceeded = errors.New("provider quota exceeded")

	ErrInvalidArgument = errors.New("invalid argument")
)

// ProviderError is a non-2xx answer from the business-data API.
type ProviderError struct {
	StatusCode int
	Status     string
	Message    string
	Body       []byte
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Status != "" {
		return fmt.Sprintf("provider error %d (%s): %s", e.StatusCode, e.Status, msg)
	}
	return fmt.Sprintf("provider error %d: %s", e.StatusCode, msg)
}

// NewProviderError builds a ProviderError from an error response, reading
// the Google-style {"error":{"code","status","message"}} envelope when present.
func NewProviderError(statusCode int, body []byte) *ProviderError {
	perr := &ProviderError{StatusCode: statusCode, Body: body}
	if gjson.ValidBytes(body) {
		perr.Status = gjson.GetBytes(body, "error.status").String()
		perr.Message = gjson.GetBytes(body, "error.message").String()
	}
	if perr.Message == "" {
		perr.Message = strings.TrimSpace(string(body))
	}
	return perr
}

var quotaSignatures = []string{
	"quota exceeded",
	"quota metric",
	"ratelimitexceeded",
	"resource_exhausted",
}

// IsQuotaExceeded reports whether err is the provider telling us its quota
// is spent. Structured fields are checked first; message matching is the
// fallback for errors that lost their structure on the way up.
func IsQuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuotaExceeded) {
		return true
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		if perr.StatusCode == http.StatusTooManyRequests || perr.Status == "RESOURCE_EXHAUSTED" {
			return true
		}
		reason := gjson.GetBytes(perr.Body, "error.errors.0.reason").String()
		if reason == "rateLimitExceeded" || reason == "userRateLimitExceeded" || reason == "quotaExceeded" {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range quotaSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// IsAuthenticationRequired covers both a missing token and a provider 401.
func IsAuthenticationRequired(err error) bool {
	if errors.Is(err, ErrAuthenticationRequired) {
		return true
	}
	var perr *ProviderError
	return errors.As(err, &perr) && perr.StatusCode == http.StatusUnauthorized
}

// IsRetryable is false for errors that another attempt cannot fix: caller
// and argument errors, and provider 4xx answers other than 408 and 429.
// Network failures and 5xx are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrInvalidArgument) || IsAuthenticationRequired(err) {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) && perr.StatusCode >= 400 && perr.StatusCode < 500 {
		return perr.StatusCode == http.StatusRequestTimeout || perr.StatusCode == http.StatusTooManyRequests
	}
	return true
}
