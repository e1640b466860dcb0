package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

var (
	// ErrUnsupportedProvider indicates a provider name with no descriptor
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrUnsupportedFlow indicates the provider does not use the OAuth2 authorization code grant
	ErrUnsupportedFlow = errors.New("provider does not support the oauth2 authorization code flow")
)

// ErrorKind classifies a failed provider call.
type ErrorKind string

const (
	KindNetwork      ErrorKind = "network"
	KindTimeout      ErrorKind = "timeout"
	KindRateLimited  ErrorKind = "rate_limited"
	KindServerError  ErrorKind = "server_error"
	KindAuthRejected ErrorKind = "auth_rejected"
	KindBadRequest   ErrorKind = "bad_request"
	KindNotFound     ErrorKind = "not_found"
)

// ProviderError is a classified failure talking to a provider API.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s request failed (%s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(", status %d", e.StatusCode)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the failure is transient. Only transient
// failures count against a circuit breaker.
func (e *ProviderError) IsRetryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindRateLimited, KindServerError:
		return true
	default:
		return false
	}
}

// KindForStatus maps an HTTP status to an ErrorKind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindServerError
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthRejected
	case status == http.StatusNotFound:
		return KindNotFound
	default:
		return KindBadRequest
	}
}

// NewStatusError builds a ProviderError from an HTTP response status.
func NewStatusError(provider string, status int, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindForStatus(status), StatusCode: status, Err: err}
}

// Classify wraps a transport level error. Errors that are already
// ProviderErrors are returned unchanged.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Provider: provider, Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ProviderError{Provider: provider, Kind: KindTimeout, Err: err}
	}
	return &ProviderError{Provider: provider, Kind: KindNetwork, Err: err}
}

// IsRetryable checks if an error is a transient provider failure
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.IsRetryable()
	}
	return false
}
