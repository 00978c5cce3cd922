package types

import (
	"errors"
	"fmt"
)

// FailureKind classifies a failed provider invocation.
type FailureKind int

const (
	KindUnknown FailureKind = iota
	KindRateLimited
	KindServiceOverloaded
	KindSafetyBlocked
	KindEmptyResponse
	KindConfiguration
)

func (k FailureKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindServiceOverloaded:
		return "service_overloaded"
	case KindSafetyBlocked:
		return "safety_blocked"
	case KindEmptyResponse:
		return "empty_response"
	case KindConfiguration:
		return "configuration_error"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind may succeed on a later attempt.
func (k FailureKind) Retryable() bool {
	return k == KindRateLimited || k == KindServiceOverloaded
}

// Failure is the error returned by provider adapters and surfaced by the router.
type Failure struct {
	Kind       FailureKind
	Message    string
	Provider   string
	StatusCode int
	Err        error
}

func (f *Failure) Error() string {
	if f.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", f.Provider, f.Kind, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether the router may retry after this failure.
func (f *Failure) Retryable() bool { return f.Kind.Retryable() }

// NewFailure builds a Failure for the given provider.
func NewFailure(kind FailureKind, provider, message string) *Failure {
	return &Failure{Kind: kind, Provider: provider, Message: message}
}

// ConfigurationError builds a non-retryable configuration failure wrapping err.
func ConfigurationError(provider string, err error) *Failure {
	return &Failure{Kind: KindConfiguration, Provider: provider, Message: err.Error(), Err: err}
}

// KindOf extracts the FailureKind from err, or KindUnknown if err is not a Failure.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a retryable Failure.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// ProviderOf returns the provider recorded on a Failure in err's chain.
func ProviderOf(err error) string {
	var f *Failure
	if errors.As(err, &f) {
		return f.Provider
	}
	return ""
}
