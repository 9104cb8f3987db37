// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
)

// =============================================================================
// FAILURE KIND
// =============================================================================

// FailureKind is the provider-independent failure taxonomy. Callers branch
// on kind, never on provider identity.
type FailureKind int

const (
	KindUnknown FailureKind = iota
	KindUnavailable
	KindTimeout
	KindRateLimited
	KindInvalidResponse
)

// String returns the kind name.
func (k FailureKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidResponse:
		return "invalid_response"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k FailureKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// =============================================================================
// ERROR
// =============================================================================

// Error is a normalized provider failure.
type Error struct {
	Kind     FailureKind
	Provider string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind, so sentinels like
// ErrUnavailable work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Provider == "" && t.Message == "" && t.Cause == nil && t.Kind == e.Kind
}

// Sentinel errors for errors.Is checks by kind.
var (
	ErrUnavailable     = &Error{Kind: KindUnavailable}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrInvalidResponse = &Error{Kind: KindInvalidResponse}
	ErrUnknown         = &Error{Kind: KindUnknown}
)

// NewError creates a normalized error.
func NewError(kind FailureKind, provider, message string, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, Cause: cause}
}

// Errorf creates a normalized error with a formatted message.
func Errorf(kind FailureKind, provider, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// NORMALIZATION
// =============================================================================

// KindOf classifies any error into a FailureKind.
func KindOf(err error) FailureKind {
	if err == nil {
		return KindUnknown
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindUnavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindUnavailable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindUnavailable
	}
	return KindUnknown
}

// Normalize wraps err as an *Error attributed to provider. Errors that are
// already normalized keep their kind and gain the provider name if missing.
func Normalize(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		if gwErr.Provider == "" {
			cp := *gwErr
			cp.Provider = provider
			return &cp
		}
		return gwErr
	}
	return &Error{Kind: KindOf(err), Provider: provider, Cause: err}
}

// KindFromStatus maps an HTTP status code from a provider.
func KindFromStatus(code int) FailureKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code >= 500:
		return KindUnavailable
	case code == http.StatusUnauthorized, code == http.StatusForbidden,
		code == http.StatusPaymentRequired, code == http.StatusNotFound:
		// The provider cannot serve this model for us.
		return KindUnavailable
	default:
		return KindUnknown
	}
}
