package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind categorizes a backend failure for retry decisions.
type ErrorKind string

const (
	// KindAuth indicates an authentication failure (HTTP 401, 403).
	// Never retried; surfaced to the user immediately.
	KindAuth ErrorKind = "auth"

	// KindRateLimit indicates rate limiting (HTTP 429). Retryable.
	KindRateLimit ErrorKind = "rate_limit"

	// KindTimeout indicates a request or connection timeout. Retryable.
	KindTimeout ErrorKind = "timeout"

	// KindServer indicates a server-side failure (HTTP 5xx). Retryable.
	KindServer ErrorKind = "server_error"

	// KindInvalidRequest indicates a client-side problem (HTTP 400).
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindUnknown indicates an unclassified failure.
	KindUnknown ErrorKind = "unknown"
)

// IsRetryable reports whether retrying the same request may succeed.
func (k ErrorKind) IsRetryable() bool {
	switch k {
	case KindRateLimit, KindTimeout, KindServer:
		return true
	default:
		return false
	}
}

// BackendError is a structured failure from a model backend.
type BackendError struct {
	Kind      ErrorKind
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *BackendError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Kind)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *BackendError) Unwrap() error {
	return e.Cause
}

// NewBackendError wraps a raw error with string-based classification.
func NewBackendError(providerName, model string, cause error) *BackendError {
	err := &BackendError{
		Kind:     KindUnknown,
		Provider: providerName,
		Model:    model,
		Cause:    cause,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Kind = classifyError(cause)
	}
	return err
}

// WithStatus sets the HTTP status and reclassifies from it.
func (e *BackendError) WithStatus(status int) *BackendError {
	e.Status = status
	e.Kind = classifyStatus(status)
	return e
}

// WithCode sets the provider-specific error code and reclassifies when the
// code is recognized.
func (e *BackendError) WithCode(code string) *BackendError {
	e.Code = code
	if kind := classifyCode(code); kind != KindUnknown {
		e.Kind = kind
	}
	return e
}

// WithMessage sets the human-readable message.
func (e *BackendError) WithMessage(msg string) *BackendError {
	e.Message = msg
	return e
}

// WithRequestID records the provider's request ID for debugging.
func (e *BackendError) WithRequestID(id string) *BackendError {
	e.RequestID = id
	return e
}

// IsRetryable reports whether err is a transient backend failure.
func IsRetryable(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind.IsRetryable()
	}
	return false
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind == KindAuth
	}
	return false
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusBadRequest:
		return KindInvalidRequest
	case status >= 500:
		return KindServer
	default:
		return KindUnknown
	}
}

func classifyCode(code string) ErrorKind {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return KindRateLimit
	case "authentication_error", "invalid_api_key", "permission_error":
		return KindAuth
	case "server_error", "internal_error", "overloaded_error":
		return KindServer
	case "invalid_request_error":
		return KindInvalidRequest
	default:
		return KindUnknown
	}
}

func classifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"):
		return KindTimeout
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"):
		return KindRateLimit
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "invalid_api_key"),
		strings.Contains(msg, "authentication"):
		return KindAuth
	default:
		return KindUnknown
	}
}
