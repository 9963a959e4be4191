package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Provider error codes.
const (
	CodeInvalidAPIKey = "invalid_api_key"
	CodeRateLimited   = "rate_limited"
	CodeQuotaExceeded = "quota_exceeded"
	CodeServerError   = "server_error"
	CodeTimeout       = "timeout"
	CodeBlocked       = "blocked"
	CodeAPIError      = "api_error"
)

// ProviderError is a provider failure classified as retryable or permanent.
type ProviderError struct {
	Provider  string
	Code      string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient provider failure worth
// retrying. Cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Classify maps an HTTP status (0 when unknown) and the error text of a
// provider failure to a ProviderError.
func Classify(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	lower := strings.ToLower(err.Error())
	pe := &ProviderError{Provider: provider, Code: CodeAPIError, Err: err}
	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(lower, "timeout"):
		pe.Code, pe.Retryable = CodeTimeout, true
	case status == 401 || status == 403:
		pe.Code = CodeInvalidAPIKey
	case status == 429 || strings.Contains(lower, "rate limit") || strings.Contains(lower, "rate_limit"):
		pe.Code, pe.Retryable = CodeRateLimited, true
	case strings.Contains(lower, "quota") || strings.Contains(lower, "billing"):
		pe.Code = CodeQuotaExceeded
	case status >= 500 || strings.Contains(lower, "overloaded") || strings.Contains(lower, "unavailable"):
		pe.Code, pe.Retryable = CodeServerError, true
	case status == 0 && (strings.Contains(lower, "connection") || strings.Contains(lower, "network")):
		pe.Code, pe.Retryable = CodeServerError, true
	}
	return pe
}
