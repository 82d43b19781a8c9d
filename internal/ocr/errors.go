package ocr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind categorizes provider failures.
type Kind string

const (
	KindInvalidCredentials Kind = "invalid_credentials"
	KindMalformed          Kind = "malformed_request"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindPermissionDenied   Kind = "permission_denied"
	KindUnavailable        Kind = "unavailable"
	KindTimeout            Kind = "timeout"
	KindUnknown            Kind = "unknown"
)

// ProviderError is a categorized recognition failure.
type ProviderError struct {
	Provider string
	Kind     Kind
	Code     int
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s (%d): %s", e.Provider, e.Kind, e.Code, e.Message)
}

// Hint returns an operator-facing suggestion for the failure.
func (e *ProviderError) Hint() string {
	switch e.Kind {
	case KindInvalidCredentials:
		return "check the Vision API key (format AIzaSy...)"
	case KindMalformed:
		return "request rejected: API not enabled, bad key or image too large"
	case KindPermissionDenied:
		return "enable the Cloud Vision API for this project"
	case KindQuotaExceeded:
		return "quota exhausted, retry later or raise the quota"
	case KindUnavailable:
		return "provider unavailable"
	}
	return ""
}

// Fatal reports whether further calls with the same credentials will fail
// the same way.
func (e *ProviderError) Fatal() bool {
	switch e.Kind {
	case KindInvalidCredentials, KindPermissionDenied, KindQuotaExceeded:
		return true
	}
	return false
}

// Classify maps an HTTP status and provider message to a Kind.
func Classify(code int, message string) Kind {
	msg := strings.ToLower(message)
	switch {
	case code == http.StatusUnauthorized:
		return KindInvalidCredentials
	case code == http.StatusBadRequest:
		if strings.Contains(msg, "api key not valid") || strings.Contains(msg, "api_key_invalid") {
			return KindInvalidCredentials
		}
		return KindMalformed
	case code == http.StatusForbidden:
		return KindPermissionDenied
	case code == http.StatusTooManyRequests:
		return KindQuotaExceeded
	case code >= 500 && code < 600:
		return KindUnavailable
	}
	if strings.Contains(msg, "quota") || strings.Contains(msg, "resource_exhausted") {
		return KindQuotaExceeded
	}
	if strings.Contains(msg, "permission") {
		return KindPermissionDenied
	}
	return KindUnknown
}

// KindOf returns the category of err, mapping deadline errors to KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}
