// Package providers implements the LLM backends behind the agent gateway:
// Anthropic, OpenAI, and Google, each speaking its native streaming API and
// emitting the shared chunk format. Providers never retry; callers above the
// agent loop own retry policy.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind categorizes why a provider request failed.
type ErrorKind string

const (
	// KindTransientNetwork covers timeouts, resets, and other transport
	// failures likely to pass on their own.
	KindTransientNetwork ErrorKind = "transient_network"

	// KindRateLimited indicates throttling (HTTP 429).
	KindRateLimited ErrorKind = "rate_limited"

	// KindAuthFailed indicates a bad or unauthorized credential (401, 403).
	KindAuthFailed ErrorKind = "auth_failed"

	// KindInvalidRequest indicates the request itself was rejected (400,
	// 404, 422): bad schema, unknown model, oversized payload.
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindProviderInternal covers 5xx and anything unclassifiable.
	KindProviderInternal ErrorKind = "provider_internal"
)

// Retryable reports whether a retry above the agent loop could plausibly
// succeed without changing the request.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransientNetwork, KindRateLimited, KindProviderInternal:
		return true
	default:
		return false
	}
}

// GatewayError is the single error type every provider failure surfaces as.
type GatewayError struct {
	// Kind categorizes the failure for policy decisions above the loop.
	Kind ErrorKind

	// Provider is the backend name ("anthropic", "openai", "google").
	Provider string

	// Model is the model that was requested.
	Model string

	// Status is the HTTP status code when the SDK exposed one.
	Status int

	// Message is the human-readable detail.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Kind)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// NewGatewayError wraps cause with a kind classified from its message.
func NewGatewayError(provider, model string, cause error) *GatewayError {
	err := &GatewayError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Kind:     KindProviderInternal,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Kind = Classify(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it. Status wins
// over substring classification because it is unambiguous.
func (e *GatewayError) WithStatus(status int) *GatewayError {
	e.Status = status
	if status != 0 {
		e.Kind = classifyStatus(status)
	}
	return e
}

// WithMessage replaces the human-readable detail.
func (e *GatewayError) WithMessage(msg string) *GatewayError {
	e.Message = msg
	return e
}

// Classify inspects an error's text and returns the matching kind. Used
// when the SDK exposes no HTTP status.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindProviderInternal
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransientNetwork
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "unexpected eof"):
		return KindTransientNetwork

	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return KindRateLimited

	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "invalid_api_key"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "permission"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return KindAuthFailed

	case strings.Contains(msg, "invalid request"),
		strings.Contains(msg, "invalid_request"),
		strings.Contains(msg, "bad request"),
		strings.Contains(msg, "model not found"),
		strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "400"):
		return KindInvalidRequest

	default:
		return KindProviderInternal
	}
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthFailed
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout:
		return KindTransientNetwork
	case status == http.StatusBadRequest,
		status == http.StatusNotFound,
		status == http.StatusUnprocessableEntity,
		status == http.StatusRequestEntityTooLarge:
		return KindInvalidRequest
	case status >= 500:
		return KindProviderInternal
	default:
		return KindProviderInternal
	}
}

// AsGatewayError extracts a GatewayError from an error chain.
func AsGatewayError(err error) (*GatewayError, bool) {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is worth retrying above the loop.
func IsRetryable(err error) bool {
	if gwErr, ok := AsGatewayError(err); ok {
		return gwErr.Kind.Retryable()
	}
	return Classify(err).Retryable()
}
