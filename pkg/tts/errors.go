package tts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors.
var (
	ErrNoAPIKey            = errors.New("tts: API key required")
	ErrNoVoiceID           = errors.New("tts: voice ID required")
	ErrStreamClosed        = errors.New("tts: stream closed")
	ErrProviderUnavailable = errors.New("tts: no providers available")
	ErrEmptyText           = errors.New("tts: empty text")
)

// ElevenLabs reports an exhausted character quota with this code.
const codeQuotaExceeded = "quota_exceeded"

// APIError is a non-success response from a synthesis API. For streaming
// WebSocket providers StatusCode is zero when the error arrived in-band.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
	Provider   string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tts [%s]: API error %d (%s): %s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("tts [%s]: API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsRateLimited reports an HTTP 429.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsUnauthorized reports an HTTP 401, including an exhausted quota.
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsQuotaExceeded reports that the account has no characters left.
func (e *APIError) IsQuotaExceeded() bool {
	return e.Code == codeQuotaExceeded
}

// IsServerError reports an HTTP 5xx.
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// IsRetryable reports whether the same request may succeed on retry.
// An exhausted quota never does, whatever the status.
func (e *APIError) IsRetryable() bool {
	if e.IsQuotaExceeded() {
		return false
	}
	return e.IsRateLimited() || e.IsServerError() || e.StatusCode == http.StatusRequestTimeout
}

// IsRetryable reports whether err is worth retrying against the same
// provider. Transport errors are; cancellation and client errors are not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	return true
}

// ProviderError attributes an error to a provider.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("tts [%s]: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// WrapError attributes err to provider. A nil err stays nil.
func WrapError(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Err: err}
}
